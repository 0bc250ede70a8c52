package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dfateng/dfm/internal/builder"
	"github.com/dfateng/dfm/internal/dataitem"
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/symbol"
)

// runControl executes a control-flow node: each iteration/branch
// materializes a fresh sub-DAG from the ControlDef's
// body TaskDefs via r.Builder, schedules it as a nested run, and folds
// its output back into a state map that drives the next gate evaluation.
// depResults are the node's already-completed external needs; their
// merged items are visible to gate/state expressions as `inputs`.
func (r *Runner) runControl(ctx context.Context, n *builder.ControlNode, depResults []*NodeResult) (*NodeResult, error) {
	if r.Builder == nil {
		return nil, dfmerr.New(dfmerr.KindSchema, "runner: control task %q requires Runner.Builder to be set", n.Name())
	}

	_, inItems := mergeUpstream(n, depResults)

	runtime := map[string]any{
		"rundir": n.Rundir(),
		"inputs": dataitem.ItemsAsAny(inItems),
	}
	params, err := n.Params().ResolveAll(runtime)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "resolving params for control task %q", n.Name())
	}

	state := map[string]any{}
	for k, v := range params {
		state[k] = v
	}
	ctrl := n.Control
	filters := r.Builder.Filters()
	pkg := n.Task().Package

	stateKeys := make([]string, 0, len(ctrl.State))
	for k := range ctrl.State {
		stateKeys = append(stateKeys, k)
	}
	sort.Strings(stateKeys)
	for _, k := range stateKeys {
		v, err := r.evalExpr(filters, pkg, ctrl.State[k], state)
		if err != nil {
			return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "evaluating initial state %q for %q", k, n.Name())
		}
		state[k] = v
	}

	acc := &controlAccumulator{}
	switch ctrl.Kind {
	case symbol.ControlIf:
		err = r.runIf(ctx, n, state, acc)
	case symbol.ControlWhile:
		err = r.runWhile(ctx, n, state, acc)
	case symbol.ControlDoWhile:
		err = r.runDoWhile(ctx, n, state, acc)
	case symbol.ControlRepeat:
		err = r.runRepeat(ctx, n, state, acc)
	case symbol.ControlMatch:
		err = r.runMatchControl(ctx, n, state, acc)
	default:
		err = dfmerr.New(dfmerr.KindSchema, "runner: unknown control kind for %q", n.Name())
	}
	if err != nil {
		return nil, err
	}

	depM := map[string][]string{n.Name(): acc.lastBodyNames}
	return &NodeResult{
		Status:  acc.status,
		Changed: acc.changed,
		DepM:    depM,
		Output:  acc.output,
	}, nil
}

// controlAccumulator carries the last iteration/branch's outcome forward
// as the ControlNode's own result.
type controlAccumulator struct {
	status        Status
	changed       bool
	output        []*dataitem.Item
	lastBodyNames []string
}

func (r *Runner) evalExpr(filters exprlang.FilterRegistry, pkg string, e exprlang.Expr, vars map[string]any) (any, error) {
	if e == nil {
		return nil, nil
	}
	ev := &exprlang.Evaluator{Vars: cloneVars(vars), Filters: filters, CurrentPackage: pkg}
	return ev.Eval(e)
}

func (r *Runner) evalGate(filters exprlang.FilterRegistry, pkg string, e exprlang.Expr, vars map[string]any) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := r.evalExpr(filters, pkg, e, vars)
	if err != nil {
		return false, err
	}
	return exprlang.Truthy(v), nil
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// runIterationBody materializes and schedules one iteration/branch's
// body TaskDefs, folding the resulting outputs' `data` payload fields
// into state and reporting whether any output carried `_break: true`,
// the loop early-exit signal.
func (r *Runner) runIterationBody(ctx context.Context, n *builder.ControlNode, body []*symbol.Task, namePrefix string, state map[string]any) (brk bool, acc *controlAccumulator, err error) {
	acc = &controlAccumulator{status: StatusOK}
	if len(body) == 0 {
		return false, acc, nil
	}

	rundir := filepath.Join(n.Rundir(), namePrefix)
	nodes, err := r.Builder.BuildSubgraph(body, n.Name()+"_"+namePrefix, rundir)
	if err != nil {
		return false, nil, dfmerr.Wrap(dfmerr.KindSchema, err, "building control body for %q", n.Name())
	}

	results, err := r.runNodes(ctx, nodes)
	if err != nil {
		return false, nil, err
	}

	depM := map[string][]string{}
	names := make([]string, len(nodes))
	for i, nd := range nodes {
		names[i] = nd.Name()
		for k, v := range results[i].DepM {
			depM[k] = v
		}
		if results[i].Changed {
			acc.changed = true
		}
		if results[i].Status > acc.status {
			acc.status = results[i].Status
		}
		acc.output = append(acc.output, results[i].Output...)
		for _, item := range results[i].Output {
			if data, ok := item.Get("data"); ok {
				if m, ok := data.(map[string]any); ok {
					for k, v := range m {
						state[k] = v
					}
				}
			}
			if b, ok := item.Get("_break"); ok {
				if truthyAny(b) {
					brk = true
				}
			}
		}
	}
	acc.lastBodyNames = names
	return brk, acc, nil
}

func truthyAny(v any) bool { return exprlang.Truthy(v) }

// runNodes schedules a caller-provided set of top-level nodes
// concurrently (the same pattern as waitNeeds, but over an arbitrary node
// list rather than a node's own Needs()).
func (r *Runner) runNodes(ctx context.Context, nodes []builder.Node) ([]*NodeResult, error) {
	results := make([]*NodeResult, len(nodes))
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, nd := range nodes {
		wg.Add(1)
		go func(i int, nd builder.Node) {
			defer wg.Done()
			results[i], errs[i] = r.ensure(ctx, nd)
		}(i, nd)
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return results, e
		}
	}
	return results, nil
}

func (r *Runner) runIf(ctx context.Context, n *builder.ControlNode, state map[string]any, acc *controlAccumulator) error {
	filters := r.Builder.Filters()
	pkg := n.Task().Package
	cond, err := r.evalGate(filters, pkg, n.Control.Cond, state)
	if err != nil {
		return err
	}
	body, name := n.Control.Body, "then"
	if !cond {
		body, name = n.Control.ElseBody, "else"
	}
	_, got, err := r.runIterationBody(ctx, n, body, name, state)
	if err != nil {
		return err
	}
	*acc = *got
	return nil
}

func (r *Runner) runWhile(ctx context.Context, n *builder.ControlNode, state map[string]any, acc *controlAccumulator) error {
	filters := r.Builder.Filters()
	pkg := n.Task().Package
	maxIter := n.Control.EffectiveMaxIter()

	for i := 0; i < maxIter; i++ {
		state["_iter"] = float64(i)
		state["_max_iter"] = float64(maxIter)
		cond, err := r.evalGate(filters, pkg, n.Control.Cond, state)
		if err != nil {
			return err
		}
		if !cond {
			return nil
		}
		brk, got, err := r.runIterationBody(ctx, n, n.Control.Body, fmt.Sprintf("iter%d", i), state)
		if err != nil {
			return err
		}
		*acc = *got
		if n.Control.Feedback != nil {
			if err := r.applyFeedback(filters, pkg, n.Control.Feedback, state); err != nil {
				return err
			}
		}
		if brk {
			return nil
		}
	}
	r.Logger.Warn("runner: control task exceeded max_iter", "task", n.Name(), "max_iter", maxIter)
	return nil
}

func (r *Runner) runDoWhile(ctx context.Context, n *builder.ControlNode, state map[string]any, acc *controlAccumulator) error {
	filters := r.Builder.Filters()
	pkg := n.Task().Package
	maxIter := n.Control.EffectiveMaxIter()

	for i := 0; i < maxIter; i++ {
		state["_iter"] = float64(i)
		state["_max_iter"] = float64(maxIter)
		brk, got, err := r.runIterationBody(ctx, n, n.Control.Body, fmt.Sprintf("iter%d", i), state)
		if err != nil {
			return err
		}
		*acc = *got
		if n.Control.Feedback != nil {
			if err := r.applyFeedback(filters, pkg, n.Control.Feedback, state); err != nil {
				return err
			}
		}
		if brk {
			return nil
		}
		until, err := r.evalGate(filters, pkg, n.Control.Until, state)
		if err != nil {
			return err
		}
		if until {
			return nil
		}
	}
	r.Logger.Warn("runner: control task exceeded max_iter", "task", n.Name(), "max_iter", maxIter)
	return nil
}

func (r *Runner) runRepeat(ctx context.Context, n *builder.ControlNode, state map[string]any, acc *controlAccumulator) error {
	filters := r.Builder.Filters()
	pkg := n.Task().Package
	count := n.Control.Count
	maxIter := n.Control.EffectiveMaxIter()
	if count <= 0 || count > maxIter {
		count = maxIter
	}

	for i := 0; i < count; i++ {
		state["_iter"] = float64(i)
		state["_max_iter"] = float64(maxIter)
		brk, got, err := r.runIterationBody(ctx, n, n.Control.Body, fmt.Sprintf("iter%d", i), state)
		if err != nil {
			return err
		}
		*acc = *got
		if n.Control.Feedback != nil {
			if err := r.applyFeedback(filters, pkg, n.Control.Feedback, state); err != nil {
				return err
			}
		}
		if brk {
			return nil
		}
		if n.Control.Until != nil {
			until, err := r.evalGate(filters, pkg, n.Control.Until, state)
			if err != nil {
				return err
			}
			if until {
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) runMatchControl(ctx context.Context, n *builder.ControlNode, state map[string]any, acc *controlAccumulator) error {
	filters := r.Builder.Filters()
	pkg := n.Task().Package

	for i, c := range n.Control.Cases {
		if c.IsDefault {
			continue
		}
		matched, err := r.evalGate(filters, pkg, c.When, state)
		if err != nil {
			return err
		}
		if matched {
			_, got, err := r.runIterationBody(ctx, n, c.Body, fmt.Sprintf("case%d", i), state)
			if err != nil {
				return err
			}
			*acc = *got
			return nil
		}
	}
	for i, c := range n.Control.Cases {
		if c.IsDefault {
			_, got, err := r.runIterationBody(ctx, n, c.Body, fmt.Sprintf("case%d", i), state)
			if err != nil {
				return err
			}
			*acc = *got
			return nil
		}
	}
	return nil
}

// applyFeedback transforms state between iterations. Feedback is
// expected to evaluate to a map; its keys are merged into state.
func (r *Runner) applyFeedback(filters exprlang.FilterRegistry, pkg string, e exprlang.Expr, state map[string]any) error {
	v, err := r.evalExpr(filters, pkg, e, state)
	if err != nil {
		return err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	for k, val := range m {
		state[k] = val
	}
	return nil
}
