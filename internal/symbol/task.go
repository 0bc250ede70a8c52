package symbol

import (
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
)

// UsesTarget is whatever a Task's `uses:` points to: another Task, or a
// bare Type (used only to describe a parameter shape, with no behavior).
type UsesTarget interface {
	Node
}

// NeedRef is one entry in a Task's `needs:` list: a resolved reference to
// another Task plus the blocking flag (blocking means "wait but do not
// inherit outputs").
type NeedRef struct {
	Task  *Task
	Block bool
}

// Impl selects how a leaf task is implemented.
type ImplKind int

const (
	ImplNone ImplKind = iota // null aggregator: no run body, no callable
	ImplShell
	ImplCallable
)

// Task is the symbolic (not executable) definition of a task, linked
// into its owning package. The builder lowers Tasks into executable
// TaskNodes; a Task itself only records what was declared.
type Task struct {
	Name      string // fully-qualified
	Short     string
	Package   string // owning package's fully-qualified name
	Uses      UsesTarget
	Needs     []NeedRef
	Subtasks  []*Task

	IsRoot     bool
	IsExport   bool
	IsLocal    bool
	IsOverride bool

	Passthrough PassthroughPolicy
	Consumes    ConsumesPolicy
	Rundir      RundirPolicy

	Iff exprlang.Expr

	Strategy *GenerateStrategy
	Control  *ControlDef

	Impl     ImplKind
	Shell    string
	RunBody  string
	Callable string // registered callable name, for ImplCallable

	Params []ParamDef // locally declared/overridden params only

	Desc string
	Doc  string

	SrcInfo dfmerr.Loc
}

func (t *Task) QualifiedName() string   { return t.Name }
func (t *Task) LocalParams() []ParamDef { return t.Params }
func (t *Task) UsesNode() Node {
	if t.Uses == nil {
		return nil
	}
	return t.Uses
}

var _ Node = (*Task)(nil)

// IsCompound reports whether t must be built as a compound TaskNode: it
// has its own subtasks, or any ancestor in its uses chain does.
func (t *Task) IsCompound() (bool, error) {
	if len(t.Subtasks) > 0 {
		return true, nil
	}
	chain, err := UsesChain(t)
	if err != nil {
		return false, err
	}
	for _, n := range chain {
		if anc, ok := n.(*Task); ok && anc != t && len(anc.Subtasks) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// MergedParams walks t's uses chain (which may bottom out at a Type) and
// returns the merged ParamDef schema.
func (t *Task) MergedParams() ([]ParamDef, error) {
	chain, err := UsesChain(t)
	if err != nil {
		return nil, err
	}
	return MergeParamDefs(chain), nil
}

// EffectivePolicies resolves t's consumes/passthrough: the task's own
// declaration if explicit, otherwise the nearest ancestor's in the uses
// chain, otherwise the defaults (consumes all, pass through unused).
func (t *Task) EffectivePolicies() (ConsumesPolicy, PassthroughPolicy, error) {
	chain, err := UsesChain(t)
	if err != nil {
		return ConsumesPolicy{}, PassthroughPolicy{}, err
	}
	var consumes ConsumesPolicy
	var passthrough PassthroughPolicy
	for i := len(chain) - 1; i >= 0; i-- {
		anc, ok := chain[i].(*Task)
		if !ok {
			continue
		}
		if !consumes.Explicit && anc.Consumes.Explicit {
			consumes = anc.Consumes
		}
		if !passthrough.Explicit && anc.Passthrough.Explicit {
			passthrough = anc.Passthrough
		}
	}
	return consumes, passthrough, nil
}
