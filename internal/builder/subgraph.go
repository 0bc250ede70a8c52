package builder

import "github.com/dfateng/dfm/internal/symbol"

// BuildSubgraph lowers a control-flow body (the TaskDefs attached to a
// symbol.ControlDef) into a fresh, independently-named TaskNode graph for
// one iteration or branch, giving each task an iteration-scoped name
// and rundir.
//
// Every task reachable from defs (including nested compound subtasks) is
// cloned with namePrefix joined onto its qualified name, so repeated
// calls (one per iteration) never collide in the builder's node memo
// table; the short name (and so the rundir segment) stays as declared,
// with the caller supplying an iteration-scoped rundirRoot to keep
// iterations apart on disk. Needs pointing at another task within the
// same body are rewired to the clone, while needs pointing outside the
// body (e.g. a globally-named task) are left shared, matching ordinary
// needs-memoization.
func (b *Builder) BuildSubgraph(defs []*symbol.Task, namePrefix, rundirRoot string) ([]Node, error) {
	clones := map[*symbol.Task]*symbol.Task{}

	var register func(t *symbol.Task) *symbol.Task
	register = func(t *symbol.Task) *symbol.Task {
		if c, ok := clones[t]; ok {
			return c
		}
		c := *t
		c.Name = namePrefix + "." + t.Short
		clones[t] = &c
		if len(t.Subtasks) > 0 {
			subs := make([]*symbol.Task, len(t.Subtasks))
			for i, st := range t.Subtasks {
				subs[i] = register(st)
			}
			c.Subtasks = subs
		}
		return &c
	}

	for _, t := range defs {
		register(t)
	}

	// Rewire needs that point at a sibling within this body to the
	// clone; needs pointing outside the body are left as-is (shared,
	// memoized nodes built once regardless of iteration).
	for orig, clone := range clones {
		if len(orig.Needs) == 0 {
			continue
		}
		rewired := make([]symbol.NeedRef, len(orig.Needs))
		for i, nr := range orig.Needs {
			target := nr.Task
			if c, ok := clones[nr.Task]; ok {
				target = c
			}
			rewired[i] = symbol.NeedRef{Task: target, Block: nr.Block}
		}
		clone.Needs = rewired
	}

	savedRoot, savedStack := b.rootRundir, b.rundirStack
	b.rootRundir, b.rundirStack = rundirRoot, nil
	defer func() { b.rootRundir, b.rundirStack = savedRoot, savedStack }()

	out := make([]Node, 0, len(defs))
	for _, t := range defs {
		clone := clones[t]
		b.indexTask(clone)
		n, err := b.mkTaskNode(clone)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
