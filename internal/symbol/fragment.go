package symbol

import "github.com/dfateng/dfm/internal/dfmerr"

// FragmentDef is a sibling file whose tasks/types merge into the owning
// package's namespace.
type FragmentDef struct {
	Path    string
	Tasks   []*Task
	Types   []*Type
	SrcInfo dfmerr.Loc
}
