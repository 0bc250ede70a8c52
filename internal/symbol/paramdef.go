package symbol

import (
	"github.com/dfateng/dfm/internal/dfmerr"
)

// ParamKind classifies a declared parameter's shape, standing in for the
// original's Pydantic field type.
type ParamKind int

const (
	ParamAny ParamKind = iota
	ParamString
	ParamInt
	ParamBool
	ParamList
	ParamMap
)

// ParamDef is one field in a Task's or Type's parameter schema: a name,
// kind, and default-value expression, plus the append/prepend directives
// that mutate rather than replace an inherited default.
type ParamDef struct {
	Name string
	Kind ParamKind
	Loc  dfmerr.Loc

	// Default is the parsed default-value template, evaluated (or
	// deferred, element-wise) by the builder when constructing a
	// TaskNode's parameter record. Nil means "no default", which is only
	// valid for fields that every instantiation overrides.
	Default *ValueTemplate

	// Declared is true when this ParamDef introduces the field (a type
	// annotation or first assignment), false when it is a pure
	// override of an ancestor's field (no local type declaration).
	Declared bool

	// Append/Prepend, when true, mean this level's Default should be
	// concatenated to (not replace) the inherited value during merge.
	// PathAppend/PathPrepend do the same but join string values with the
	// OS path-list separator instead of plain concatenation.
	Append      bool
	Prepend     bool
	PathAppend  bool
	PathPrepend bool

	Desc string
	Doc  string
}

// Clone returns a shallow copy of p, safe to mutate independently.
func (p ParamDef) Clone() ParamDef {
	return p
}
