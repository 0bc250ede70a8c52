package loader

import (
	"os"
	"path/filepath"
	"sort"
)

// Importer abstracts filesystem access so package loading can be tested
// against an in-memory fixture without touching the real filesystem.
type Importer interface {
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Join resolves rel against the directory containing the file that
	// referenced it.
	Join(dir, rel string) string
	// IsDir reports whether path names a directory.
	IsDir(path string) (bool, error)
	// ListDir returns the full paths of a directory's immediate entries,
	// in deterministic order.
	ListDir(path string) ([]string, error)
}

// FileImporter is the real Importer, backed by os/filepath.
type FileImporter struct{}

var _ Importer = FileImporter{}

func (FileImporter) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (FileImporter) Join(dir, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(dir, rel)
}

func (FileImporter) IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (FileImporter) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, filepath.Join(path, e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// fragmentFileNames is the set of file basenames recognized when walking a
// fragment directory.
var fragmentFileNames = map[string]bool{
	"flow.dv":   true,
	"flow.yaml": true,
	"flow.yml":  true,
}
