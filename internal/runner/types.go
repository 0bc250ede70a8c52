// Package runner executes a builder.Node DAG: dependency-ordered,
// bounded-concurrency scheduling with jobserver-gated subprocess spawns,
// memento-based change tracking, and dataflow propagation of typed
// outputs. Scheduling is goroutine-per-node bounded by a worker
// semaphore; dependency-waiting nodes do not hold a slot.
package runner

import (
	"encoding/json"

	"github.com/dfateng/dfm/internal/dataitem"
	"github.com/dfateng/dfm/internal/dfmerr"
)

// Status is a completed task's outcome.
type Status int

// Order matters: node results aggregate by max, so StatusFailed must
// outrank StatusSkipped.
const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// TaskDataInput is what a task callable receives.
type TaskDataInput struct {
	Name    string
	Changed bool
	Srcdir  string
	Rundir  string
	Params  map[string]any
	Inputs  []*dataitem.Item
	Memento json.RawMessage
}

// TaskDataResult is what a task callable returns.
type TaskDataResult struct {
	Status  Status
	Changed bool
	Output  []*dataitem.Item
	Markers []dfmerr.Marker
	Memento json.RawMessage
}

// Callable is a registered Go task body. Bundled task implementations
// (FileSet, Message, CreateFile and the like) are supplied by the caller
// as values of this type; the runner has no built-in tasks of its own.
type Callable func(rc *RunContext, in TaskDataInput) (TaskDataResult, error)

// MementoStore persists and retrieves each task's opaque memento across
// invocations, keyed by fully-qualified task name.
type MementoStore interface {
	Load(taskName string) (json.RawMessage, bool)
	Save(taskName string, memento json.RawMessage) error
}

// nullMementoStore is used when the caller doesn't wire a real store:
// every task is always "changed", matching a from-scratch build.
type nullMementoStore struct{}

func (nullMementoStore) Load(string) (json.RawMessage, bool)   { return nil, false }
func (nullMementoStore) Save(string, json.RawMessage) error    { return nil }

// NodeResult is a completed node's propagated state: what downstream
// nodes see after consumes/passthrough filtering has been applied.
type NodeResult struct {
	Status  Status
	Changed bool
	DepM    map[string][]string
	Output  []*dataitem.Item
	Markers []dfmerr.Marker
	Memento json.RawMessage
}

// Event identifies which of the runner's three listener callbacks fired.
type Event int

const (
	EventEnter Event = iota
	EventLeave
	EventError
)

// Listener receives synchronous enter/leave/error notifications from the
// scheduler. Implementations must not block on task completion.
type Listener func(event Event, nodeName string, result *NodeResult, err error)
