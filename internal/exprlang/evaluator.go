package exprlang

import (
	"fmt"
	"strings"

	"github.com/dfateng/dfm/internal/dfmerr"
)

// Resolver resolves a (possibly dotted) name against a symbol scope
// (task, compound parent, package, loader/imports) ahead of the
// evaluator's own variable map. Builder/runner code implements this over
// the symbol tree; the evaluator itself has no notion of packages or
// tasks.
type Resolver interface {
	// Resolve looks up a fully- or partially-qualified name. ok is false
	// when no scope claims the name at all.
	Resolve(name string) (value any, ok bool)
}

// Filter is a callable reachable via the pipe operator, invoked with
// positional and named arguments already evaluated in the caller's scope
// except where a builtin special-cases lazy (per-element) evaluation.
type Filter interface {
	Invoke(ev *Evaluator, input any, positional []any, named map[string]any) (any, error)
}

// FilterRegistry resolves qualified/unqualified filter names, honoring
// visibility rules. currentPackage is the package the expression is being
// evaluated within, used to apply local/root visibility.
type FilterRegistry interface {
	Lookup(name, currentPackage string) (Filter, bool)
}

// Evaluator walks an Expr against a variable scope, a Resolver, and a
// FilterRegistry.
type Evaluator struct {
	Vars           map[string]any
	Resolver       Resolver
	Filters        FilterRegistry
	CurrentPackage string
}

// NewEvaluator returns an Evaluator with an empty variable map.
func NewEvaluator() *Evaluator {
	return &Evaluator{Vars: map[string]any{}}
}

// Set assigns a variable visible to ExprVar ($name) lookups.
func (ev *Evaluator) Set(name string, value any) {
	ev.Vars[name] = value
}

// clone returns a shallow copy of ev sharing the same Resolver/Filters but
// an independent Vars map, used when builtins construct a nested
// per-element scope (map/select/group_by).
func (ev *Evaluator) clone() *Evaluator {
	vars := make(map[string]any, len(ev.Vars))
	for k, v := range ev.Vars {
		vars[k] = v
	}
	return &Evaluator{Vars: vars, Resolver: ev.Resolver, Filters: ev.Filters, CurrentPackage: ev.CurrentPackage}
}

// EvalString parses s and evaluates it.
func (ev *Evaluator) EvalString(s string) (any, error) {
	ast, err := Parse(s)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindSyntax, err, "parsing expression %q", s)
	}
	return ev.Eval(ast)
}

// Eval walks e and returns its runtime value.
func (ev *Evaluator) Eval(e Expr) (any, error) {
	switch n := e.(type) {
	case *ExprInt:
		return float64(n.Value), nil
	case *ExprString:
		return n.Value, nil
	case *ExprBool:
		return n.Value, nil
	case *ExprVar:
		v, ok := ev.Vars[n.Name]
		if !ok {
			return nil, dfmerr.New(dfmerr.KindNameNotFound, "variable $%s not found", n.Name)
		}
		return v, nil
	case *ExprId:
		return ev.resolveName(n.Name, nil)
	case *ExprHId:
		return ev.resolveHId(n)
	case *ExprBin:
		return ev.evalBin(n)
	case *ExprUnary:
		return ev.evalUnary(n)
	case *ExprIndex:
		return ev.evalIndex(n)
	case *ExprSlice:
		return ev.evalSlice(n)
	case *ExprFlattenAll:
		base, err := ev.Eval(n.Base)
		if err != nil {
			return nil, err
		}
		return flatten(base, 1)
	case *ExprField:
		base, err := ev.Eval(n.Base)
		if err != nil {
			return nil, err
		}
		return fieldOf(base, n.Field), nil
	case *ExprCall:
		return ev.evalCall(n, nil)
	case *ExprPipe:
		return ev.evalPipe(n)
	default:
		return nil, fmt.Errorf("exprlang: unhandled node type %T", e)
	}
}

func (ev *Evaluator) resolveName(name string, fallback Expr) (any, error) {
	if ev.Resolver != nil {
		if v, ok := ev.Resolver.Resolve(name); ok {
			return v, nil
		}
	}
	if v, ok := ev.Vars[name]; ok {
		return v, nil
	}
	if fallback != nil {
		return ev.Eval(fallback)
	}
	return nil, dfmerr.New(dfmerr.KindNameNotFound, "name %q not found", name)
}

// resolveHId tries the longest qualified prefix first, then progressively
// shorter prefixes, traversing remaining parts as field accesses against
// whatever value the matching prefix resolved to.
func (ev *Evaluator) resolveHId(n *ExprHId) (any, error) {
	full := strings.Join(n.Parts, ".")
	for i := len(n.Parts); i >= 1; i-- {
		prefix := strings.Join(n.Parts[:i], ".")
		var v any
		var ok bool
		if ev.Resolver != nil {
			v, ok = ev.Resolver.Resolve(prefix)
		}
		if !ok && i == 1 {
			v, ok = ev.Vars[prefix]
		}
		if ok {
			for _, field := range n.Parts[i:] {
				v = fieldOf(v, field)
			}
			return v, nil
		}
	}
	if n.Default != nil {
		return ev.Eval(n.Default)
	}
	return nil, dfmerr.New(dfmerr.KindNameNotFound, "name %q not found", full)
}

func fieldOf(v any, field string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[field]
	default:
		return nil
	}
}

func (ev *Evaluator) evalBin(n *ExprBin) (any, error) {
	switch n.Op {
	case OpAnd:
		l, err := ev.Eval(n.Left)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := ev.Eval(n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case OpOr:
		l, err := ev.Eval(n.Left)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := ev.Eval(n.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := ev.Eval(n.Left)
	if err != nil {
		return nil, err
	}
	r, err := ev.Eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpEq:
		return valuesEqual(l, r), nil
	case OpNe:
		return !valuesEqual(l, r), nil
	case OpAdd:
		return addValues(l, r)
	case OpSub, OpMul, OpDiv:
		lf, ok1 := toNumber(l)
		rf, ok2 := toNumber(r)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("exprlang: arithmetic operands must be numbers")
		}
		switch n.Op {
		case OpSub:
			return lf - rf, nil
		case OpMul:
			return lf * rf, nil
		case OpDiv:
			if rf == 0 {
				return nil, fmt.Errorf("exprlang: division by zero")
			}
			return lf / rf, nil
		}
	case OpLt, OpLe, OpGt, OpGe:
		return compareOp(n.Op, l, r)
	}
	return nil, fmt.Errorf("exprlang: unhandled binary op %v", n.Op)
}

func addValues(l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		if rs, ok2 := r.(string); ok2 {
			return ls + rs, nil
		}
	}
	lf, ok1 := toNumber(l)
	rf, ok2 := toNumber(r)
	if ok1 && ok2 {
		return lf + rf, nil
	}
	if la, ok := l.([]any); ok {
		if ra, ok2 := r.([]any); ok2 {
			out := make([]any, 0, len(la)+len(ra))
			out = append(out, la...)
			out = append(out, ra...)
			return out, nil
		}
	}
	return nil, fmt.Errorf("exprlang: '+' operands must both be numbers, strings, or arrays")
}

func compareOp(op BinOp, l, r any) (any, error) {
	lf, ok1 := toNumber(l)
	rf, ok2 := toNumber(r)
	if ok1 && ok2 {
		switch op {
		case OpLt:
			return lf < rf, nil
		case OpLe:
			return lf <= rf, nil
		case OpGt:
			return lf > rf, nil
		case OpGe:
			return lf >= rf, nil
		}
	}
	ls, ok1 := l.(string)
	rs, ok2 := r.(string)
	if ok1 && ok2 {
		switch op {
		case OpLt:
			return ls < rs, nil
		case OpLe:
			return ls <= rs, nil
		case OpGt:
			return ls > rs, nil
		case OpGe:
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("exprlang: comparison operands must both be numbers or both be strings")
}

func (ev *Evaluator) evalUnary(n *ExprUnary) (any, error) {
	v, err := ev.Eval(n.Operand)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case OpNot:
		return !truthy(v), nil
	case OpNeg:
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("exprlang: unary '-' requires a number")
		}
		return -f, nil
	}
	return nil, fmt.Errorf("exprlang: unhandled unary op %v", n.Op)
}

func (ev *Evaluator) evalIndex(n *ExprIndex) (any, error) {
	base, err := ev.Eval(n.Base)
	if err != nil {
		return nil, err
	}
	idx, err := ev.Eval(n.Index)
	if err != nil {
		return nil, err
	}
	switch b := base.(type) {
	case []any:
		i, ok := toNumber(idx)
		if !ok {
			return nil, fmt.Errorf("exprlang: array index must be a number")
		}
		ii := int(i)
		if ii < 0 {
			ii += len(b)
		}
		if ii < 0 || ii >= len(b) {
			return nil, fmt.Errorf("exprlang: array index %d out of range (len %d)", ii, len(b))
		}
		return b[ii], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("exprlang: object index must be a string")
		}
		return b[key], nil
	case string:
		i, ok := toNumber(idx)
		if !ok {
			return nil, fmt.Errorf("exprlang: string index must be a number")
		}
		runes := []rune(b)
		ii := int(i)
		if ii < 0 {
			ii += len(runes)
		}
		if ii < 0 || ii >= len(runes) {
			return nil, fmt.Errorf("exprlang: string index %d out of range", ii)
		}
		return string(runes[ii]), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("exprlang: cannot index value of type %T", base)
	}
}

func (ev *Evaluator) evalSlice(n *ExprSlice) (any, error) {
	base, err := ev.Eval(n.Base)
	if err != nil {
		return nil, err
	}
	length := 0
	switch b := base.(type) {
	case []any:
		length = len(b)
	case string:
		length = len([]rune(b))
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("exprlang: cannot slice value of type %T", base)
	}

	lo, hi := 0, length
	if n.Lo != nil {
		v, err := ev.Eval(n.Lo)
		if err != nil {
			return nil, err
		}
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("exprlang: slice bound must be a number")
		}
		lo = clampIndex(int(f), length)
	}
	if n.Hi != nil {
		v, err := ev.Eval(n.Hi)
		if err != nil {
			return nil, err
		}
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("exprlang: slice bound must be a number")
		}
		hi = clampIndex(int(f), length)
	}
	if hi < lo {
		hi = lo
	}

	switch b := base.(type) {
	case []any:
		out := make([]any, hi-lo)
		copy(out, b[lo:hi])
		return out, nil
	case string:
		runes := []rune(b)
		return string(runes[lo:hi]), nil
	}
	return nil, nil
}

func clampIndex(i, length int) int {
	if i < 0 {
		i += length
	}
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}

func (ev *Evaluator) evalCall(n *ExprCall, input *any) (any, error) {
	if fn, ok := builtins[n.Name]; ok {
		var in any
		if input != nil {
			in = *input
		}
		return fn(ev, in, n.Args, n.NamedArgs)
	}
	if ev.Filters != nil {
		if f, ok := ev.Filters.Lookup(n.Name, ev.CurrentPackage); ok {
			positional, named, err := ev.evalCallArgs(n)
			if err != nil {
				return nil, err
			}
			var in any
			if input != nil {
				in = *input
			}
			return f.Invoke(ev, in, positional, named)
		}
	}
	return nil, dfmerr.New(dfmerr.KindNameNotFound, "filter or builtin %q not found", n.Name)
}

func (ev *Evaluator) evalCallArgs(n *ExprCall) ([]any, map[string]any, error) {
	positional := make([]any, 0, len(n.Args))
	for _, a := range n.Args {
		v, err := ev.Eval(a)
		if err != nil {
			return nil, nil, err
		}
		positional = append(positional, v)
	}
	var named map[string]any
	if len(n.NamedArgs) > 0 {
		named = make(map[string]any, len(n.NamedArgs))
		for k, a := range n.NamedArgs {
			v, err := ev.Eval(a)
			if err != nil {
				return nil, nil, err
			}
			named[k] = v
		}
	}
	return positional, named, nil
}

func (ev *Evaluator) evalPipe(n *ExprPipe) (any, error) {
	lv, err := ev.Eval(n.Left)
	if err != nil {
		return nil, err
	}
	switch rhs := n.Right.(type) {
	case *ExprId:
		return ev.evalCall(&ExprCall{Name: rhs.Name}, &lv)
	case *ExprHId:
		name := strings.Join(rhs.Parts, ".")
		if ev.Filters != nil {
			if f, ok := ev.Filters.Lookup(name, ev.CurrentPackage); ok {
				return f.Invoke(ev, lv, nil, nil)
			}
		}
		return nil, dfmerr.New(dfmerr.KindNameNotFound, "filter %q not found", name)
	case *ExprCall:
		return ev.evalCall(rhs, &lv)
	default:
		return nil, fmt.Errorf("exprlang: pipe right-hand side must be an identifier or call, got %T", n.Right)
	}
}

// Truthy exposes the language's boolean coercion rules for callers
// outside the evaluator (e.g. the runner's control-node gating
// expressions) that need the same null/false/""/0/[]/{} coercion.
func Truthy(v any) bool { return truthy(v) }

// null, false, "", 0, [] and {} coerce to false; everything else true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		return af == bf
	}
	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		return as == bs
	}
	ab, abok := a.(bool)
	bb, bbok := b.(bool)
	if abok && bbok {
		return ab == bb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return deepEqual(a, b)
}
