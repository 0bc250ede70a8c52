package symbol

import (
	"os"

	"github.com/dfateng/dfm/internal/exprlang"
)

// ValueKind selects which shape a ValueTemplate holds.
type ValueKind int

const (
	// ValLiteral is a plain JSON-shaped value with no embedded
	// expression: bool, int64, float64, nil, or a non-templated string.
	ValLiteral ValueKind = iota
	// ValExpr is a single parsed expression, produced from a string
	// scalar that the loader recognized as `${{ ... }}`.
	ValExpr
	ValList
	ValMap
)

// ValueTemplate represents a YAML-sourced default value that has been
// parsed but not yet evaluated or deferred: strings go through the
// expression evaluator; lists and maps go element-wise, each leaf
// independently
// literal/expr/list/map. The builder walks a ValueTemplate to produce
// either an eager value or a tree containing DeferredExprs at the leaves
// that reference runtime-only names.
type ValueTemplate struct {
	Kind    ValueKind
	Literal any
	Expr    exprlang.Expr
	List    []ValueTemplate
	Map     map[string]ValueTemplate
	// MapOrder preserves declaration order for deterministic iteration
	// and serialization.
	MapOrder []string
}

// Lit wraps a plain literal value.
func Lit(v any) ValueTemplate { return ValueTemplate{Kind: ValLiteral, Literal: v} }

// ExprVal wraps a parsed expression.
func ExprVal(e exprlang.Expr) ValueTemplate { return ValueTemplate{Kind: ValExpr, Expr: e} }

// ListVal wraps an ordered list of element templates.
func ListVal(items []ValueTemplate) ValueTemplate { return ValueTemplate{Kind: ValList, List: items} }

// MapValOf wraps a map of field templates with explicit key order.
func MapValOf(m map[string]ValueTemplate, order []string) ValueTemplate {
	return ValueTemplate{Kind: ValMap, Map: m, MapOrder: order}
}

// Concat appends b onto a for the append:/prepend: param directives.
// List+List concatenates element-wise; anything else is treated
// as string concatenation via the '+' operator, deferred to evaluation
// time since either side may itself be an expression.
func Concat(a, b ValueTemplate) ValueTemplate {
	if a.Kind == ValList && b.Kind == ValList {
		out := make([]ValueTemplate, 0, len(a.List)+len(b.List))
		out = append(out, a.List...)
		out = append(out, b.List...)
		return ListVal(out)
	}
	return ExprVal(&exprlang.ExprBin{Op: exprlang.OpAdd, Left: a.AsExpr(), Right: b.AsExpr()})
}

// ConcatPath joins a and b with the OS path-list separator for the
// path-append:/path-prepend: param directives, deferred to evaluation
// time since either side may itself be an expression.
func ConcatPath(a, b ValueTemplate) ValueTemplate {
	sep := &exprlang.ExprString{Value: string(os.PathListSeparator)}
	return ExprVal(&exprlang.ExprBin{
		Op:   exprlang.OpAdd,
		Left: &exprlang.ExprBin{Op: exprlang.OpAdd, Left: a.AsExpr(), Right: sep},
		Right: b.AsExpr(),
	})
}

// AsExpr returns v as an exprlang.Expr, wrapping a literal in the
// matching literal node type so it can participate in a larger
// expression tree (used by Concat).
func (v ValueTemplate) AsExpr() exprlang.Expr {
	if v.Kind == ValExpr {
		return v.Expr
	}
	switch t := v.Literal.(type) {
	case string:
		return &exprlang.ExprString{Value: t}
	case bool:
		return &exprlang.ExprBool{Value: t}
	case int64:
		return &exprlang.ExprInt{Value: t}
	case int:
		return &exprlang.ExprInt{Value: int64(t)}
	default:
		return &exprlang.ExprString{Value: ""}
	}
}
