package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/jobserver"
	"github.com/dfateng/dfm/internal/taskexec"
)

// RunContext is the per-node handle passed to a Callable. It exposes
// cancellation cooperatively (ctx), a jobserver-gated subprocess
// launcher, and a marker sink the runner collects after the callback
// returns.
type RunContext struct {
	ctx context.Context
	js  *jobserver.JobServer
	log *slog.Logger

	mu      sync.Mutex
	markers []dfmerr.Marker
}

// Context returns the cancellation context task implementations may
// observe cooperatively.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Logger returns the runner's logger, never nil.
func (rc *RunContext) Logger() *slog.Logger { return rc.log }

// Mark appends a diagnostic marker to the node's result.
func (rc *RunContext) Mark(m dfmerr.Marker) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.markers = append(rc.markers, m)
}

func (rc *RunContext) takeMarkers() []dfmerr.Marker {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := rc.markers
	rc.markers = nil
	return out
}

// Exec runs a subprocess, first acquiring a jobserver token if one is
// configured. The token is released before Exec returns, regardless of
// outcome.
func (rc *RunContext) Exec(spec taskexec.Spec) (*taskexec.Result, error) {
	if rc.js != nil {
		if err := rc.js.Acquire(rc.ctx); err != nil {
			return nil, dfmerr.Wrap(dfmerr.KindTimeout, err, "acquiring jobserver token for %q", spec.TaskName)
		}
		defer rc.js.Release()
	}
	if spec.Logger == nil {
		spec.Logger = rc.log
	}
	return taskexec.Run(rc.ctx, spec)
}

// ExecTimeout is Exec with a fixed subprocess timeout.
func (rc *RunContext) ExecTimeout(spec taskexec.Spec, timeout time.Duration) (*taskexec.Result, error) {
	spec.Timeout = timeout
	return rc.Exec(spec)
}
