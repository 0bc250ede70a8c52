package builder

import (
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/symbol"
)

// ParamValue is one resolved parameter leaf: either a literal, a fully
// eager expression result, or a value that had to be captured as a
// DeferredExpr because it references inputs/memento/rundir.
type ParamValue struct {
	Kind     symbol.ValueKind
	Literal  any
	Deferred *exprlang.DeferredExpr
	List     []ParamValue
	Map      map[string]ParamValue
	MapOrder []string
}

// IsDeferred reports whether v (or any descendant) still needs a runtime
// binding to resolve.
func (v ParamValue) IsDeferred() bool {
	if v.Deferred != nil {
		return true
	}
	for _, e := range v.List {
		if e.IsDeferred() {
			return true
		}
	}
	for _, e := range v.Map {
		if e.IsDeferred() {
			return true
		}
	}
	return false
}

// Resolve returns v's concrete value, evaluating any DeferredExpr against
// runtime (the inputs/memento/rundir bindings available once a task is
// actually running). Eager (non-deferred) values ignore runtime entirely.
func (v ParamValue) Resolve(runtime map[string]any) (any, error) {
	switch v.Kind {
	case symbol.ValExpr:
		if v.Deferred != nil {
			return v.Deferred.Eval(runtime)
		}
		return nil, dfmerr.New(dfmerr.KindSchema, "param value marked ValExpr with no deferred or resolved form")
	case symbol.ValList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			r, err := e.Resolve(runtime)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case symbol.ValMap:
		out := make(map[string]any, len(v.Map))
		for _, k := range v.MapOrder {
			r, err := v.Map[k].Resolve(runtime)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v.Literal, nil
	}
}

// ParamSet is a task/node's merged, resolved parameter record: eager
// values usable immediately by the builder (e.g. `rundir:` policy
// decisions, `strategy: generate` invocation) plus DeferredExprs the
// runner finishes resolving once runtime bindings exist.
type ParamSet struct {
	Order  []string
	Values map[string]ParamValue
}

// NewParamSet returns an empty, ready-to-populate ParamSet.
func NewParamSet() *ParamSet {
	return &ParamSet{Values: map[string]ParamValue{}}
}

// Set assigns a named parameter, recording declaration order on first
// assignment.
func (p *ParamSet) Set(name string, v ParamValue) {
	if _, exists := p.Values[name]; !exists {
		p.Order = append(p.Order, name)
	}
	p.Values[name] = v
}

// Get returns a named parameter value, or the zero ParamValue and false.
func (p *ParamSet) Get(name string) (ParamValue, bool) {
	v, ok := p.Values[name]
	return v, ok
}

// Eager returns the concrete values of every non-deferred param,
// suitable for use as an evaluator's static scope while resolving later
// params in the same chain.
func (p *ParamSet) Eager() map[string]any {
	out := make(map[string]any, len(p.Order))
	for _, name := range p.Order {
		v := p.Values[name]
		if v.IsDeferred() {
			continue
		}
		r, err := v.Resolve(nil)
		if err == nil {
			out[name] = r
		}
	}
	return out
}

// ResolveAll resolves every parameter against runtime, returning a plain
// map.
func (p *ParamSet) ResolveAll(runtime map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(p.Order))
	for _, name := range p.Order {
		r, err := p.Values[name].Resolve(runtime)
		if err != nil {
			return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "resolving param %q", name)
		}
		out[name] = r
	}
	return out, nil
}

// resolveValueTemplate walks a symbol.ValueTemplate, either evaluating it
// eagerly against ev's current static scope or capturing a DeferredExpr
// when it (or a descendant) references a runtime-only name.
func resolveValueTemplate(ev *exprlang.Evaluator, vt symbol.ValueTemplate) (ParamValue, error) {
	switch vt.Kind {
	case symbol.ValLiteral:
		return ParamValue{Kind: symbol.ValLiteral, Literal: vt.Literal}, nil
	case symbol.ValExpr:
		if exprlang.NeedsDeferral(vt.Expr) {
			d, err := captureExpr(ev, vt.Expr)
			if err != nil {
				return ParamValue{}, err
			}
			return ParamValue{Kind: symbol.ValExpr, Deferred: d}, nil
		}
		val, err := ev.Eval(vt.Expr)
		if err != nil {
			return ParamValue{}, err
		}
		return ParamValue{Kind: symbol.ValLiteral, Literal: val}, nil
	case symbol.ValList:
		out := make([]ParamValue, len(vt.List))
		for i, e := range vt.List {
			r, err := resolveValueTemplate(ev, e)
			if err != nil {
				return ParamValue{}, err
			}
			out[i] = r
		}
		return ParamValue{Kind: symbol.ValList, List: out}, nil
	case symbol.ValMap:
		out := make(map[string]ParamValue, len(vt.Map))
		for _, k := range vt.MapOrder {
			r, err := resolveValueTemplate(ev, vt.Map[k])
			if err != nil {
				return ParamValue{}, err
			}
			out[k] = r
		}
		return ParamValue{Kind: symbol.ValMap, Map: out, MapOrder: append([]string(nil), vt.MapOrder...)}, nil
	default:
		return ParamValue{Kind: symbol.ValLiteral, Literal: nil}, nil
	}
}

// captureExpr snapshots ev's static scope around a pre-parsed Expr; it
// mirrors exprlang.Capture's shape without re-parsing source text (the
// expression is already an AST by the time a ValueTemplate reaches here).
func captureExpr(ev *exprlang.Evaluator, e exprlang.Expr) (*exprlang.DeferredExpr, error) {
	vars := make(map[string]any, len(ev.Vars))
	for k, v := range ev.Vars {
		vars[k] = v
	}
	return &exprlang.DeferredExpr{
		AST:        e,
		StaticVars: vars,
		Resolver:   ev.Resolver,
		Filters:    ev.Filters,
		Package:    ev.CurrentPackage,
	}, nil
}

// buildParamSet merges chain (base-to-leaf ParamDefs, already produced by
// symbol.MergeParamDefs) into a ParamSet, evaluating each default against
// an evaluator whose static scope grows with every previously-resolved
// field, so fields introduced partway through the chain are visible to
// every subsequent level, plus whatever base scope (need rundirs,
// resolver) the caller has already seeded into ev.
func buildParamSet(ev *exprlang.Evaluator, defs []symbol.ParamDef, overrides map[string]symbol.ValueTemplate) (*ParamSet, error) {
	ps := NewParamSet()
	for _, def := range defs {
		vt := def.Default
		if ov, ok := overrides[def.Name]; ok {
			vt = &ov
		}
		if vt == nil {
			ps.Set(def.Name, ParamValue{Kind: symbol.ValLiteral, Literal: nil})
			continue
		}
		pv, err := resolveValueTemplate(ev, *vt)
		if err != nil {
			return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "resolving default for param %q", def.Name)
		}
		ps.Set(def.Name, pv)
		if !pv.IsDeferred() {
			if resolved, err := pv.Resolve(nil); err == nil {
				ev.Vars[def.Name] = resolved
			}
		}
	}
	return ps, nil
}
