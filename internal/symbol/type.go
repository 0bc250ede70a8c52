package symbol

import "github.com/dfateng/dfm/internal/dfmerr"

// Type describes a typed data-item shape: a uses-chain of parameters,
// like Task, but with no implementation, needs, or subtasks.
type Type struct {
	Name    string // fully-qualified
	Short   string
	Uses    *Type
	Params  []ParamDef
	SrcInfo dfmerr.Loc
}

func (t *Type) QualifiedName() string { return t.Name }
func (t *Type) LocalParams() []ParamDef { return t.Params }
func (t *Type) UsesNode() Node {
	if t.Uses == nil {
		return nil
	}
	return t.Uses
}

var _ Node = (*Type)(nil)

// MergedParams walks t's uses chain and returns the merged ParamDef
// schema (base-to-leaf, outer-most-override-wins).
func (t *Type) MergedParams() ([]ParamDef, error) {
	chain, err := UsesChain(t)
	if err != nil {
		return nil, err
	}
	return MergeParamDefs(chain), nil
}
