// Package dfm is the embeddable surface of the dataflow build engine:
// load a package tree from YAML, lower it into a TaskNode DAG, and run
// the DAG with bounded concurrency and jobserver coordination. The CLI
// driver, progress UIs, and the bundled standard-library task
// implementations live outside this module and consume exactly this
// surface.
package dfm

import (
	"context"

	"github.com/dfateng/dfm/internal/builder"
	"github.com/dfateng/dfm/internal/config"
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/filterrgy"
	"github.com/dfateng/dfm/internal/history"
	"github.com/dfateng/dfm/internal/jobserver"
	"github.com/dfateng/dfm/internal/loader"
	"github.com/dfateng/dfm/internal/runner"
	"github.com/dfateng/dfm/internal/symbol"
)

// Core model types.
type (
	Package = symbol.Package
	Task    = symbol.Task
	Type    = symbol.Type

	Marker    = dfmerr.Marker
	ErrorKind = dfmerr.Kind

	FilterRegistry = filterrgy.Registry

	TaskGraphBuilder = builder.Builder
	Node             = builder.Node

	Runner     = runner.Runner
	NodeResult = runner.NodeResult
	Callable   = runner.Callable
	RunContext = runner.RunContext
	Listener   = runner.Listener

	TaskDataInput  = runner.TaskDataInput
	TaskDataResult = runner.TaskDataResult

	JobServer = jobserver.JobServer

	HistoryStore = history.Store
	HistoryRun   = history.Run

	Options = config.Options
)

// Load parses the package file at path, plus its imports and fragments,
// into a symbolic Package tree.
func Load(path string) (*Package, []Marker, error) {
	return loader.Load(path, loader.FileImporter{})
}

// NewFilterRegistry returns an empty filter registry rooted at rootPkg.
func NewFilterRegistry(rootPkg string) *FilterRegistry {
	return filterrgy.New(rootPkg)
}

// NewTaskGraphBuilder returns a builder that lowers root's tasks into
// executable TaskNodes rooted at rundir on disk.
func NewTaskGraphBuilder(root *Package, rundir string, filters *FilterRegistry) *TaskGraphBuilder {
	return builder.New(root, rundir, filters)
}

// NewJobServer creates an nproc-token jobserver owning its FIFO.
func NewJobServer(nproc int) (*JobServer, error) {
	return jobserver.New(nproc, jobserver.Options{})
}

// JoinJobServer joins the jobserver advertised through MAKEFLAGS, if
// any; (nil, nil) means none is advertised and the caller runs
// unthrottled.
func JoinJobServer() (*JobServer, error) {
	return jobserver.FromEnvironment(jobserver.Options{})
}

// Run executes root and everything it needs on r, returning root's
// propagated result.
func Run(ctx context.Context, r *Runner, root Node) (*NodeResult, error) {
	return r.Run(ctx, root)
}

// ExitCode folds a run's results and scheduler error into the process
// exit-status contract.
func ExitCode(results []*NodeResult, err error) int {
	return runner.ExitCode(results, err)
}

// OpenHistory creates or opens the sqlite run-history store at dbPath;
// the returned store satisfies Runner.History, recording every record
// under runID. NewRunID generates a fresh one per invocation.
func OpenHistory(dbPath, runID string) (*HistoryStore, error) {
	return history.Open(dbPath, runID)
}

// NewRunID returns a fresh run identifier for OpenHistory.
func NewRunID() string {
	return history.NewRunID()
}

// LoadOptions reads a dfm TOML configuration file, applying defaults for
// unset fields.
func LoadOptions(path string) (*Options, error) {
	return config.Load(path)
}
