package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/dfateng/dfm/internal/dfmerr"
)

// FileMementoStore persists each task's memento as `<rundir>/memento.json`.
// Rundir is whatever builder.Node.Rundir() returned for the
// task, so the file lives alongside the task's log and exec_data.json.
type FileMementoStore struct {
	// Rundir returns the on-disk directory for a task name; callers
	// typically supply a closure over the already-built DAG's node map,
	// or builder.Node.Rundir() directly.
	Rundir func(taskName string) (string, bool)

	mu sync.Mutex
}

// NewFileMementoStore returns a store that resolves each task's rundir via
// rundirOf.
func NewFileMementoStore(rundirOf func(taskName string) (string, bool)) *FileMementoStore {
	return &FileMementoStore{Rundir: rundirOf}
}

func (s *FileMementoStore) path(taskName string) (string, bool) {
	dir, ok := s.Rundir(taskName)
	if !ok {
		return "", false
	}
	return filepath.Join(dir, "memento.json"), true
}

// Load reads the prior memento.json for taskName, if any.
func (s *FileMementoStore) Load(taskName string) (json.RawMessage, bool) {
	path, ok := s.path(taskName)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

// Save atomically writes taskName's memento: write to a temp file, then
// rename.
func (s *FileMementoStore) Save(taskName string, memento json.RawMessage) error {
	path, ok := s.path(taskName)
	if !ok {
		return dfmerr.New(dfmerr.KindIOError, "no rundir known for task %q", taskName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dfmerr.Wrap(dfmerr.KindIOError, err, "creating rundir %q", dir)
	}
	tmp, err := os.CreateTemp(dir, ".memento-*.tmp")
	if err != nil {
		return dfmerr.Wrap(dfmerr.KindIOError, err, "creating temp memento file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(memento); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return dfmerr.Wrap(dfmerr.KindIOError, err, "writing memento for %q", taskName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return dfmerr.Wrap(dfmerr.KindIOError, err, "closing memento temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return dfmerr.Wrap(dfmerr.KindIOError, err, "renaming memento for %q", taskName)
	}
	return nil
}

// RundirFromNodes builds a Rundir resolver closure from a built DAG's
// nodes, keyed by name (the common case: callers already have the
// builder.Node tree and want its rundirs used verbatim for memento
// storage).
func RundirFromNodes(nodes map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		d, ok := nodes[name]
		return d, ok
	}
}
