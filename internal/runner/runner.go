package runner

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/dfateng/dfm/internal/builder"
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/jobserver"
)

// Runner schedules a builder.Node DAG: a single logical scheduler owns
// the graph, bounding the number of concurrently
// *active* node bodies to Nproc while dependency-waiting nodes don't
// consume a slot.
type Runner struct {
	Nproc     int
	JobServer *jobserver.JobServer
	Callables map[string]Callable
	Mementos  MementoStore
	Listeners []Listener
	Logger    *slog.Logger

	// Builder, when set, is used by runControl to lower each
	// iteration/branch's body TaskDefs into a fresh, independently
	// rundir'd sub-DAG. Required only for graphs containing ControlNodes.
	Builder *builder.Builder

	// SaveExecData enables writing `<taskname>.exec_data.json` into each
	// leaf's rundir.
	SaveExecData bool

	// History, when set, records one row per completed leaf execution,
	// queryable across invocations.
	History HistoryRecorder

	once  sync.Once
	sem   chan struct{}
	mu    sync.Mutex
	state map[string]*nodeState
}

// HistoryRecorder is the narrow interface runner needs from
// internal/history.Store, kept here so runner doesn't import history
// directly (history.Store satisfies this; callers wire it in).
type HistoryRecorder interface {
	RecordRun(taskName, status string, changed bool, rundir string, durationMS int64, markerCount int)
}

type nodeState struct {
	once   sync.Once
	done   chan struct{}
	result *NodeResult
	err    error
}

func (r *Runner) init() {
	r.once.Do(func() {
		n := r.Nproc
		if n < 1 {
			n = runtime.NumCPU()
		}
		r.sem = make(chan struct{}, n)
		r.state = map[string]*nodeState{}
		if r.Mementos == nil {
			r.Mementos = nullMementoStore{}
		}
		if r.Logger == nil {
			r.Logger = slog.Default()
		}
	})
}

func (r *Runner) stateFor(name string) *nodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state[name]
	if !ok {
		s = &nodeState{done: make(chan struct{})}
		r.state[name] = s
	}
	return s
}

// Run executes root and every node it transitively needs, returning
// root's propagated result.
func (r *Runner) Run(ctx context.Context, root builder.Node) (*NodeResult, error) {
	r.init()
	if err := detectCycle(root); err != nil {
		return nil, err
	}
	return r.ensure(ctx, root)
}

// RunAll executes several roots concurrently over the shared node memo
// table, returning their results in order. Cycle detection covers every
// root before anything executes.
func (r *Runner) RunAll(ctx context.Context, roots []builder.Node) ([]*NodeResult, error) {
	r.init()
	for _, root := range roots {
		if err := detectCycle(root); err != nil {
			return nil, err
		}
	}
	return r.runNodes(ctx, roots)
}

// ensure runs node at most once (memoized by name, shared across every
// path that needs it) and returns its result, running dependencies
// concurrently first.
func (r *Runner) ensure(ctx context.Context, node builder.Node) (*NodeResult, error) {
	st := r.stateFor(node.Name())
	st.once.Do(func() {
		defer close(st.done)
		st.result, st.err = r.execNode(ctx, node)
	})
	<-st.done
	return st.result, st.err
}

// waitNeeds resolves every need of node concurrently, returning their
// results in the same order as node.Needs().
func (r *Runner) waitNeeds(ctx context.Context, node builder.Node) ([]*NodeResult, error) {
	needs := node.Needs()
	results := make([]*NodeResult, len(needs))
	errs := make([]error, len(needs))

	var wg sync.WaitGroup
	for i, ne := range needs {
		wg.Add(1)
		go func(i int, ne builder.NeedEdge) {
			defer wg.Done()
			results[i], errs[i] = r.ensure(ctx, ne.Node)
		}(i, ne)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (r *Runner) execNode(ctx context.Context, node builder.Node) (*NodeResult, error) {
	// A node "enters" only once its dependencies have fully recorded
	// their results; a failed dependency stops this node before entry
	// without an event of its own (the failing node already emitted one).
	depResults, err := r.waitNeeds(ctx, node)
	if err != nil {
		return nil, err
	}

	r.notify(EventEnter, node.Name(), nil, nil)

	var result *NodeResult
	switch n := node.(type) {
	case *builder.CompoundNode:
		result, err = r.runCompound(ctx, n)
	case *builder.ControlNode:
		result, err = r.runControl(ctx, n, depResults)
	case *builder.LeafNode:
		result, err = r.runLeaf(ctx, n, depResults)
	default:
		err = dfmerr.New(dfmerr.KindSchema, "runner: unknown node kind for %q", node.Name())
	}

	if err != nil {
		r.notify(EventError, node.Name(), result, err)
	} else {
		r.notify(EventLeave, node.Name(), result, nil)
	}
	return result, err
}

func (r *Runner) notify(event Event, name string, result *NodeResult, err error) {
	for _, l := range r.Listeners {
		l(event, name, result, err)
	}
}

// detectCycle performs a pre-flight DFS over needs before a root
// executes; a back-edge fails with the offending path in the message.
func detectCycle(root builder.Node) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var visit func(n builder.Node) error
	visit = func(n builder.Node) error {
		switch color[n.Name()] {
		case black:
			return nil
		case gray:
			return dfmerr.New(dfmerr.KindCycle, "needs cycle: %s -> %s", joinPath(path), n.Name())
		}
		color[n.Name()] = gray
		path = append(path, n.Name())
		for _, ne := range n.Needs() {
			if err := visit(ne.Node); err != nil {
				return err
			}
		}
		if cn, ok := n.(*builder.CompoundNode); ok {
			if err := visit(cn.Input); err != nil {
				return err
			}
			for _, c := range cn.Children {
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[n.Name()] = black
		return nil
	}
	return visit(root)
}

// ExitCode folds a run's outcome into the process exit-status contract:
// 1 for any scheduler-level error (cycle, missing task, jobserver
// failure) or failed task, otherwise 0 (OK and Skipped results both
// exit 0).
func ExitCode(results []*NodeResult, err error) int {
	if err != nil {
		return 1
	}
	code := 0
	for _, res := range results {
		if res != nil && res.Status == StatusFailed {
			code = 1
		}
	}
	return code
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
