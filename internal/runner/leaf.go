package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dfateng/dfm/internal/builder"
	"github.com/dfateng/dfm/internal/dataitem"
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/symbol"
	"github.com/dfateng/dfm/internal/taskexec"
)

// runLeaf drives a leaf node through its lifecycle once execNode has
// collected its dependency results: merge upstream outputs, resolve
// deferred params, filter inputs via consumes, invoke the body, then
// apply passthrough and record results.
func (r *Runner) runLeaf(ctx context.Context, n *builder.LeafNode, depResults []*NodeResult) (*NodeResult, error) {
	changed := false
	for _, dr := range depResults {
		if dr != nil && dr.Changed {
			changed = true
		}
	}

	depM, inParams := mergeUpstream(n, depResults)

	memento, hadMemento := r.Mementos.Load(n.Name())

	runtime := map[string]any{
		"rundir":  n.Rundir(),
		"inputs":  dataitem.ItemsAsAny(inParams),
		"memento": mementoAsAny(memento),
	}
	params, err := n.Params().ResolveAll(runtime)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "resolving params for task %q", n.Name())
	}

	// A false `iff` gate disables the task body entirely: no rundir, no
	// callback, no consumption. Upstream items still flow through per the
	// passthrough policy, with nothing counted as consumed.
	if gate := n.Task().Iff; gate != nil {
		ev := &exprlang.Evaluator{Vars: params, CurrentPackage: n.Task().Package}
		v, err := ev.Eval(gate)
		if err != nil {
			return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "evaluating iff for task %q", n.Name())
		}
		if !exprlang.Truthy(v) {
			depM[n.Name()] = needNames(n.Needs())
			nr := &NodeResult{
				Status:  StatusSkipped,
				Changed: changed,
				DepM:    depM,
				Output:  applyPassthrough(n.Passthrough(), inParams, nil),
			}
			return nr, nil
		}
	}

	delivered := applyConsumes(n.Consumes(), inParams)

	if err := os.MkdirAll(n.Rundir(), 0o755); err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "creating rundir %q", n.Rundir())
	}

	// Staleness determination beyond upstream changed-flags lives in the
	// callable; absent any memento at all, the node is unconditionally
	// changed since a fresh build has nothing to compare against. Null
	// aggregators carry no cached state of their own, so they just relay
	// the upstream flag.
	if !hadMemento && n.Task().Impl != symbol.ImplNone {
		changed = true
	}

	if err := r.acquireSchedulerSlot(ctx); err != nil {
		return nil, err
	}
	defer r.releaseSchedulerSlot()

	rc := &RunContext{ctx: ctx, js: r.JobServer, log: r.Logger}

	in := TaskDataInput{
		Name:    n.Name(),
		Changed: changed,
		Srcdir:  srcdirOf(n),
		Rundir:  n.Rundir(),
		Params:  params,
		Inputs:  delivered,
		Memento: memento,
	}

	started := time.Now()
	result, err := r.invokeLeaf(rc, n, in)
	elapsed := time.Since(started)
	if err != nil {
		return nil, err
	}
	markers := append(rc.takeMarkers(), result.Markers...)

	for i, item := range result.Output {
		item.Src = n.Name()
		item.Seq = i
	}

	if result.Memento != nil {
		if err := r.Mementos.Save(n.Name(), result.Memento); err != nil {
			r.Logger.Warn("runner: saving memento failed", "task", n.Name(), "error", err)
		}
	}

	forwarded := applyPassthrough(n.Passthrough(), inParams, delivered)
	output := append(append([]*dataitem.Item{}, forwarded...), result.Output...)

	depM[n.Name()] = needNames(n.Needs())

	nr := &NodeResult{
		Status:  result.Status,
		Changed: result.Changed,
		DepM:    depM,
		Output:  output,
		Markers: markers,
		Memento: result.Memento,
	}

	if r.SaveExecData {
		if err := writeExecData(n, in, nr); err != nil {
			r.Logger.Warn("runner: writing exec_data.json failed", "task", n.Name(), "error", err)
		}
	}
	if r.History != nil {
		r.History.RecordRun(n.Name(), result.Status.String(), result.Changed, n.Rundir(), elapsed.Milliseconds(), len(markers))
	}

	if result.Status == StatusFailed {
		return nr, dfmerr.New(dfmerr.KindTaskFailed, "task %q failed", n.Name())
	}
	return nr, nil
}

// invokeLeaf dispatches to a registered Go callable (ImplCallable), a
// shell subprocess (ImplShell), or treats the task as a null aggregator
// (ImplNone) that simply propagates its inputs.
func (r *Runner) invokeLeaf(rc *RunContext, n *builder.LeafNode, in TaskDataInput) (TaskDataResult, error) {
	task := n.Task()
	switch task.Impl {
	case symbol.ImplCallable:
		fn, ok := r.Callables[task.Callable]
		if !ok {
			return TaskDataResult{}, dfmerr.At(dfmerr.KindNameNotFound, task.SrcInfo, "callable %q not registered for task %q", task.Callable, n.Name())
		}
		res, err := fn(rc, in)
		if err != nil {
			return TaskDataResult{Status: StatusFailed}, err
		}
		return res, nil
	case symbol.ImplShell:
		return r.runShell(rc, n, in)
	default:
		return TaskDataResult{Status: StatusOK, Changed: in.Changed}, nil
	}
}

// runShell launches the task's `run:` body via taskexec, merging
// upstream std.Env items into the subprocess environment.
func (r *Runner) runShell(rc *RunContext, n *builder.LeafNode, in TaskDataInput) (TaskDataResult, error) {
	task := n.Task()
	spec := taskexec.Spec{
		TaskName:    n.Name(),
		Shell:       task.Shell,
		RunBody:     task.RunBody,
		Srcdir:      in.Srcdir,
		Rundir:      in.Rundir,
		Params:      in.Params,
		UpstreamEnv: envItemsFrom(in.Inputs),
		Logger:      r.Logger,
	}
	if r.JobServer != nil {
		spec.Makeflags = r.JobServer.MakeflagsEnv()
	}
	res, err := rc.Exec(spec)
	if err != nil {
		if res == nil {
			return TaskDataResult{Status: StatusFailed}, nil
		}
		return TaskDataResult{Status: StatusFailed, Changed: in.Changed}, nil
	}
	return TaskDataResult{Status: statusFromExit(res.ExitCode), Changed: in.Changed}, nil
}

func statusFromExit(code int) Status {
	if code == 0 {
		return StatusOK
	}
	return StatusFailed
}

// envItemsFrom extracts `std.Env`-typed payloads (in dependency order,
// older first) for taskexec.AssembleEnv's overlay.
func envItemsFrom(items []*dataitem.Item) []map[string]string {
	var out []map[string]string
	for _, it := range items {
		if !strings.HasSuffix(it.Type, "Env") {
			continue
		}
		m := make(map[string]string, len(it.Payload))
		for k, v := range it.Payload {
			if s, ok := v.(string); ok {
				m[k] = s
			}
		}
		out = append(out, m)
	}
	return out
}

// mergeUpstream unions the non-blocking deps' DepM (plus self),
// topologically sorts it, and collects the deduplicated,
// dependency-ordered list of their outputs.
func mergeUpstream(n builder.Node, depResults []*NodeResult) (map[string][]string, []*dataitem.Item) {
	depM := map[string][]string{}
	byName := map[string]*NodeResult{}
	for i, ne := range n.Needs() {
		byName[ne.Node.Name()] = depResults[i]
		if ne.Block {
			continue
		}
		for k, v := range depResults[i].DepM {
			depM[k] = v
		}
	}

	var nonBlockingNames []string
	for _, ne := range n.Needs() {
		if !ne.Block {
			nonBlockingNames = append(nonBlockingNames, ne.Node.Name())
		}
	}
	sort.Strings(nonBlockingNames)

	levels := dataitem.TopoSort(depM)
	order := dataitem.Flatten(levels)
	orderIndex := map[string]int{}
	for i, name := range order {
		orderIndex[name] = i
	}
	sort.SliceStable(nonBlockingNames, func(i, j int) bool {
		return orderIndex[nonBlockingNames[i]] < orderIndex[nonBlockingNames[j]]
	})

	seen := map[[2]any]bool{}
	var inParams []*dataitem.Item
	for _, name := range nonBlockingNames {
		dr := byName[name]
		if dr == nil {
			continue
		}
		for _, it := range dr.Output {
			key := [2]any{it.Src, it.Seq}
			if seen[key] {
				continue
			}
			seen[key] = true
			inParams = append(inParams, it)
		}
	}
	return depM, inParams
}

func needNames(needs []builder.NeedEdge) []string {
	out := make([]string, len(needs))
	for i, ne := range needs {
		out[i] = ne.Node.Name()
	}
	return out
}

// applyConsumes selects which upstream items are delivered to the body.
func applyConsumes(policy symbol.ConsumesPolicy, items []*dataitem.Item) []*dataitem.Item {
	switch policy.Mode {
	case symbol.ConsumesAll:
		return append([]*dataitem.Item{}, items...)
	case symbol.ConsumesNone:
		return nil
	case symbol.ConsumesList:
		return filterItems(items, policy.Records, true)
	default:
		return nil
	}
}

// applyPassthrough selects which upstream items are forwarded
// downstream. delivered is the set already matched by consumes:
// forwarded unchanged under All, excluded under Unused.
func applyPassthrough(policy symbol.PassthroughPolicy, upstream []*dataitem.Item, delivered []*dataitem.Item) []*dataitem.Item {
	switch policy.Mode {
	case symbol.PassthroughAll:
		return append([]*dataitem.Item{}, upstream...)
	case symbol.PassthroughUnused:
		deliveredKeys := map[[2]any]bool{}
		for _, it := range delivered {
			deliveredKeys[[2]any{it.Src, it.Seq}] = true
		}
		var out []*dataitem.Item
		for _, it := range upstream {
			if !deliveredKeys[[2]any{it.Src, it.Seq}] {
				out = append(out, it)
			}
		}
		return out
	case symbol.PassthroughList:
		return filterItemsStruct(upstream, policy.Records)
	default: // PassthroughNone
		return nil
	}
}

func filterItems(items []*dataitem.Item, records []symbol.MatchRecord, requireMatch bool) []*dataitem.Item {
	converted := make([]dataitem.MatchRecord, len(records))
	for i, r := range records {
		converted[i] = dataitem.MatchRecord(r)
	}
	var out []*dataitem.Item
	for _, it := range items {
		if it.MatchesAny(converted) == requireMatch {
			out = append(out, it)
		}
	}
	return out
}

func filterItemsStruct(items []*dataitem.Item, records []symbol.MatchRecord) []*dataitem.Item {
	return filterItems(items, records, true)
}

func srcdirOf(n *builder.LeafNode) string {
	if loc := n.Task().SrcInfo.Path; loc != "" {
		return filepath.Dir(loc)
	}
	return ""
}

func mementoAsAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// acquireSchedulerSlot/releaseSchedulerSlot bound the count of
// concurrently *active* node bodies to r.Nproc; dependency-waiting
// nodes do not hold a slot.
func (r *Runner) acquireSchedulerSlot(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return dfmerr.Wrap(dfmerr.KindTimeout, ctx.Err(), "acquiring scheduler slot")
	}
}

func (r *Runner) releaseSchedulerSlot() {
	<-r.sem
}
