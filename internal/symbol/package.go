package symbol

import (
	"sort"

	"github.com/dfateng/dfm/internal/dfmerr"
)

// Package is a named container of tasks, types, sub-package imports, and
// fragments. Task and type names are unique within a package; nested
// task bodies (subtasks) live in a distinct scope that shadows parent
// names, so name-uniqueness is enforced only at each Package's own level.
type Package struct {
	Name      string
	BaseDir   string
	Params    []ParamDef
	Tasks     map[string]*Task // keyed by short name
	taskOrder []string
	Types     map[string]*Type // keyed by short name
	typeOrder []string
	Imports   map[string]*Package // keyed by local import alias
	Fragments []*FragmentDef
	SrcInfo   dfmerr.Loc
}

// NewPackage returns an empty Package ready for AddTask/AddType calls.
func NewPackage(name, baseDir string) *Package {
	return &Package{
		Name:    name,
		BaseDir: baseDir,
		Tasks:   map[string]*Task{},
		Types:   map[string]*Type{},
		Imports: map[string]*Package{},
	}
}

// AddTask registers t under its short name, failing with
// dfmerr.KindDuplicateDefinition if the name is already taken, unless
// override is true, in which case it silently replaces the prior
// definition.
func (p *Package) AddTask(t *Task, override bool) error {
	if _, exists := p.Tasks[t.Short]; exists && !override {
		return dfmerr.At(dfmerr.KindDuplicateDefinition, t.SrcInfo, "task %q already defined in package %q", t.Short, p.Name)
	}
	if _, exists := p.Tasks[t.Short]; !exists {
		p.taskOrder = append(p.taskOrder, t.Short)
	}
	p.Tasks[t.Short] = t
	return nil
}

// AddType registers ty under its short name, failing with
// dfmerr.KindDuplicateDefinition on a name collision.
func (p *Package) AddType(ty *Type) error {
	if _, exists := p.Types[ty.Short]; exists {
		return dfmerr.At(dfmerr.KindDuplicateDefinition, ty.SrcInfo, "type %q already defined in package %q", ty.Short, p.Name)
	}
	p.typeOrder = append(p.typeOrder, ty.Short)
	p.Types[ty.Short] = ty
	return nil
}

// TaskOrder returns task short names in declaration order.
func (p *Package) TaskOrder() []string {
	return append([]string(nil), p.taskOrder...)
}

// TypeOrder returns type short names in declaration order.
func (p *Package) TypeOrder() []string {
	return append([]string(nil), p.typeOrder...)
}

// MergeFragment folds a FragmentDef's tasks and types into p's namespace.
func (p *Package) MergeFragment(f *FragmentDef) error {
	for _, t := range f.Tasks {
		if err := p.AddTask(t, t.IsOverride); err != nil {
			return err
		}
	}
	for _, ty := range f.Types {
		if err := p.AddType(ty); err != nil {
			return err
		}
	}
	p.Fragments = append(p.Fragments, f)
	return nil
}

// ApplyFeeds appends each feeding task to its fed task's Needs list,
// skipping duplicates. feeds maps a fed task's short
// name to the list of feeder task short names; both must already be
// registered in p (feeds resolve after every task in the package is
// materialized, to allow forward references).
func (p *Package) ApplyFeeds(feeds map[string][]string) error {
	// deterministic order for reproducible needs lists in tests/dumps
	fedNames := make([]string, 0, len(feeds))
	for name := range feeds {
		fedNames = append(fedNames, name)
	}
	sort.Strings(fedNames)

	for _, fedName := range fedNames {
		fed, ok := p.Tasks[fedName]
		if !ok {
			return dfmerr.New(dfmerr.KindNameNotFound, "feeds: target task %q not found in package %q", fedName, p.Name)
		}
		for _, feederName := range feeds[fedName] {
			feeder, ok := p.Tasks[feederName]
			if !ok {
				return dfmerr.New(dfmerr.KindNameNotFound, "feeds: source task %q not found in package %q", feederName, p.Name)
			}
			if hasNeed(fed.Needs, feeder) {
				continue
			}
			fed.Needs = append(fed.Needs, NeedRef{Task: feeder, Block: false})
		}
	}
	return nil
}

func hasNeed(needs []NeedRef, t *Task) bool {
	for _, n := range needs {
		if n.Task == t {
			return true
		}
	}
	return false
}
