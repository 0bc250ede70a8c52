package exprlang

// Expr is any node in the expression AST. Nodes are small, exported
// structs rather than an interface-with-many-impls tree: the evaluator
// switches on concrete type, and the deferral detector walks them the
// same way.
type Expr interface {
	exprNode()
}

type ExprInt struct{ Value int64 }
type ExprString struct{ Value string }
type ExprBool struct{ Value bool }

// ExprId is a single bare identifier (no dots).
type ExprId struct{ Name string }

// ExprHId is a dotted hierarchical identifier, e.g. a.b.c. Default is the
// parsed default-value expression for `id:-default` syntax, nil if absent.
type ExprHId struct {
	Parts   []string
	Default Expr
}

// ExprVar is a `$name` reference into the variable map.
type ExprVar struct{ Name string }

type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

type ExprBin struct {
	Op    BinOp
	Left  Expr
	Right Expr
}

type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpNeg
)

type ExprUnary struct {
	Op      UnaryOp
	Operand Expr
}

// ExprCall is a call-form node: `name(args...)`, used both as a standalone
// primary and as the right-hand side of a pipe.
type ExprCall struct {
	Name string
	Args []Expr
	// NamedArgs holds `key: value` call arguments, if any were given.
	NamedArgs map[string]Expr
}

// ExprIndex is `base[index]`.
type ExprIndex struct {
	Base  Expr
	Index Expr
}

// ExprSlice is `base[lo:hi]`; Lo/Hi are nil when omitted.
type ExprSlice struct {
	Base   Expr
	Lo, Hi Expr
}

// ExprFlattenAll is the `base[]` shorthand used to explode an array.
type ExprFlattenAll struct{ Base Expr }

// ExprField is `base.field` applied to a non-hierarchical-identifier
// base (e.g. the result of a call or index expression).
type ExprField struct {
	Base  Expr
	Field string
}

// ExprPipe is `lhs | rhs`, where rhs is either a bare identifier (an
// ExprId/ExprHId used as a filter/built-in name) or an ExprCall.
type ExprPipe struct {
	Left  Expr
	Right Expr
}

func (*ExprInt) exprNode()        {}
func (*ExprString) exprNode()     {}
func (*ExprBool) exprNode()       {}
func (*ExprId) exprNode()         {}
func (*ExprHId) exprNode()        {}
func (*ExprVar) exprNode()        {}
func (*ExprBin) exprNode()        {}
func (*ExprUnary) exprNode()      {}
func (*ExprCall) exprNode()       {}
func (*ExprIndex) exprNode()      {}
func (*ExprSlice) exprNode()      {}
func (*ExprFlattenAll) exprNode() {}
func (*ExprField) exprNode()      {}
func (*ExprPipe) exprNode()       {}
