package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, runID string) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(dbPath, runID)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryRuns(t *testing.T) {
	s := openTestStore(t, "run-1")

	s.RecordRun("root.a", "ok", true, "/rundir/a", 120, 0)
	s.RecordRun("root.a", "failed", false, "/rundir/a", 45, 2)

	runs, err := s.RunsFor("root.a")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// most recent first
	require.Equal(t, "failed", runs[0].Status)
	require.False(t, runs[0].Changed)
	require.Equal(t, 2, runs[0].Markers)
	require.Equal(t, int64(45), runs[0].DurationMS)

	require.Equal(t, "ok", runs[1].Status)
	require.True(t, runs[1].Changed)
}

func TestLastRun(t *testing.T) {
	s := openTestStore(t, "run-2")

	_, ok, err := s.LastRun("root.missing")
	require.NoError(t, err)
	require.False(t, ok)

	s.RecordRun("root.b", "ok", true, "/rundir/b", 10, 0)
	last, ok, err := s.LastRun("root.b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "root.b", last.TaskName)
	require.Equal(t, "run-2", last.RunID)
}

func TestRunsAcrossMultipleRunIDsAreAllVisible(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s1, err := Open(dbPath, "run-a")
	require.NoError(t, err)
	s1.RecordRun("root.c", "ok", true, "/rundir/c", 10, 0)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath, "run-b")
	require.NoError(t, err)
	defer s2.Close()
	s2.RecordRun("root.c", "ok", false, "/rundir/c", 10, 0)

	runs, err := s2.RunsFor("root.c")
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestNewRunIDIsUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
