package filterrgy

import (
	"github.com/dfateng/dfm/internal/exprlang"
)

// Invoke implements exprlang.Filter. Expr-mode filters run in a fresh
// evaluator that keeps the caller's resolver/filter registry/scope,
// adds the filter's declared parameters bound by position-then-name, and
// binds "input" to the piped value. Run-mode filters are dispatched to an
// out-of-process script (run_script.go).
func (f *FilterDef) Invoke(ev *exprlang.Evaluator, input any, positional []any, named map[string]any) (any, error) {
	params, err := f.bindParams(ev, positional, named)
	if err != nil {
		return nil, err
	}

	if f.Expr != nil {
		fresh := &exprlang.Evaluator{
			Vars:           make(map[string]any, len(ev.Vars)+len(params)+1),
			Resolver:       ev.Resolver,
			Filters:        ev.Filters,
			CurrentPackage: f.Package,
		}
		for k, v := range ev.Vars {
			fresh.Vars[k] = v
		}
		for k, v := range params {
			fresh.Vars[k] = v
		}
		fresh.Vars["input"] = input
		return fresh.Eval(f.Expr)
	}

	return f.runScript(ev, input, params)
}

// bindParams resolves positional and named call arguments against the
// filter's declared parameter list, filling unset parameters from their
// declared default expression (evaluated in the caller's scope).
func (f *FilterDef) bindParams(ev *exprlang.Evaluator, positional []any, named map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(f.Params))
	for i, p := range f.Params {
		if i < len(positional) {
			out[p.Name] = positional[i]
			continue
		}
		if v, ok := named[p.Name]; ok {
			out[p.Name] = v
			continue
		}
		if p.Default != nil {
			v, err := ev.Eval(p.Default)
			if err != nil {
				return nil, err
			}
			out[p.Name] = v
			continue
		}
		out[p.Name] = nil
	}
	for k, v := range named {
		if _, declared := out[k]; !declared {
			out[k] = v
		}
	}
	return out, nil
}
