package builder

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/filterrgy"
	"github.com/dfateng/dfm/internal/symbol"
)

// Generator is a registered `strategy: generate` plugin: given the task
// being expanded and its resolved eager params, it returns the TaskDefs
// to splice in as that task's subtasks. Generators are an explicit
// interface registered by name, not an import-time side effect.
type Generator interface {
	Generate(task *symbol.Task, params map[string]any) ([]*symbol.Task, error)
}

// Builder lowers a symbol.Package into a TaskNode DAG. It keeps a
// rundir stack and a memo table so any task is built at most once and
// shared by every needs/feeds edge that mentions it. Uses-chain cycles
// are reported by symbol.UsesChain.
type Builder struct {
	root       *symbol.Package
	rootRundir string
	filters    *filterrgy.Registry

	byName map[string]*symbol.Task
	nodes  map[string]Node

	rundirStack []string
	generators  map[string]Generator

	// overrides holds caller-supplied parameter overrides for one task,
	// set by MkTaskNodeWith for the duration of that build.
	overrides    map[string]symbol.ValueTemplate
	overridesFor string
}

// New returns a Builder over root, rooted at rootRundir on disk.
func New(root *symbol.Package, rootRundir string, filters *filterrgy.Registry) *Builder {
	b := &Builder{
		root:       root,
		rootRundir: rootRundir,
		filters:    filters,
		byName:     map[string]*symbol.Task{},
		nodes:      map[string]Node{},
		generators: map[string]Generator{},
	}
	b.indexPackage(root, map[string]bool{})
	return b
}

// RegisterGenerator adds a named `strategy: generate` plugin.
func (b *Builder) RegisterGenerator(name string, g Generator) {
	b.generators[name] = g
}

// Filters returns the filter registry this builder was constructed with,
// for callers (e.g. the runner's control-node state evaluator) that need
// to evaluate further expressions in the same pipe-filter scope.
func (b *Builder) Filters() *filterrgy.Registry {
	return b.filters
}

func (b *Builder) indexPackage(pkg *symbol.Package, visited map[string]bool) {
	if pkg == nil || visited[pkg.Name] {
		return
	}
	visited[pkg.Name] = true
	for _, short := range pkg.TaskOrder() {
		t := pkg.Tasks[short]
		b.indexTask(t)
	}
	for _, imp := range pkg.Imports {
		b.indexPackage(imp, visited)
	}
}

func (b *Builder) indexTask(t *symbol.Task) {
	if t == nil {
		return
	}
	b.byName[t.Name] = t
	for _, st := range t.Subtasks {
		b.indexTask(st)
	}
}

// MkTaskNode is the builder's public entry point: looks up the task by
// its exact fully-qualified name (partial names are not matched) and
// returns its built (and memoized) TaskNode.
func (b *Builder) MkTaskNode(qualifiedName string) (Node, error) {
	task, ok := b.byName[qualifiedName]
	if !ok {
		return nil, b.notFound(qualifiedName)
	}
	return b.mkTaskNode(task)
}

// MkTaskNodeWith is MkTaskNode with caller-supplied parameter overrides
// applied to the requested task's own record (dependencies build with
// their declared defaults). Overrides take effect only if the task has
// not already been built through another path.
func (b *Builder) MkTaskNodeWith(qualifiedName string, overrides map[string]symbol.ValueTemplate) (Node, error) {
	task, ok := b.byName[qualifiedName]
	if !ok {
		return nil, b.notFound(qualifiedName)
	}
	b.overrides, b.overridesFor = overrides, task.Name
	defer func() { b.overrides, b.overridesFor = nil, "" }()
	return b.mkTaskNode(task)
}

// notFound builds the NameNotFound error for an unresolved task,
// suggesting the closest known name when one is within a small edit
// distance.
func (b *Builder) notFound(name string) error {
	best, bestDist := "", 4
	for known := range b.byName {
		if d := editDistance(name, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	if best != "" {
		return dfmerr.New(dfmerr.KindNameNotFound, "task %q not found (did you mean %q?)", name, best)
	}
	return dfmerr.New(dfmerr.KindNameNotFound, "task %q not found", name)
}

// editDistance is Levenshtein distance over bytes, small-string sized.
func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// overridesOf returns the caller-supplied overrides when building the
// task they were addressed to, nil otherwise.
func (b *Builder) overridesOf(t *symbol.Task) map[string]symbol.ValueTemplate {
	if b.overridesFor != "" && t.Name == b.overridesFor {
		return b.overrides
	}
	return nil
}

func (b *Builder) mkTaskNode(t *symbol.Task) (Node, error) {
	if n, ok := b.nodes[t.Name]; ok {
		return n, nil
	}

	pushed := false
	if t.Rundir == symbol.RundirUnique {
		b.rundirStack = append(b.rundirStack, t.Short)
		pushed = true
	}

	if t.Strategy != nil && len(t.Subtasks) == 0 {
		if err := b.expandGenerator(t); err != nil {
			return nil, err
		}
	}

	compound, err := t.IsCompound()
	if err != nil {
		return nil, err
	}

	var node Node
	if compound {
		node, err = b.mkCompoundNode(t)
	} else if t.Control != nil && t.Control.Kind != symbol.ControlNone {
		node, err = b.mkControlNode(t)
	} else {
		node, err = b.mkLeafNode(t)
	}

	if pushed {
		b.rundirStack = b.rundirStack[:len(b.rundirStack)-1]
	}
	if err != nil {
		return nil, err
	}

	b.nodes[t.Name] = node
	return node, nil
}

// expandGenerator invokes the registered Generator named by t.Strategy
// and splices its returned TaskDefs in as t's subtasks, turning a task
// declared with `strategy: generate` into an ordinary compound task for
// the rest of the builder.
func (b *Builder) expandGenerator(t *symbol.Task) error {
	gen, ok := b.generators[t.Strategy.Name]
	if !ok {
		return dfmerr.At(dfmerr.KindNameNotFound, t.SrcInfo, "strategy %q not registered for task %q", t.Strategy.Name, t.Name)
	}
	chain, err := symbol.UsesChain(t)
	if err != nil {
		return err
	}
	if err := symbol.CheckParamDecls(chain); err != nil {
		return err
	}
	defs := symbol.MergeParamDefs(chain)
	ev := b.buildBaseScope(t, nil)
	ps, err := buildParamSet(ev, defs, b.overridesOf(t))
	if err != nil {
		return err
	}
	generated, err := gen.Generate(t, ps.Eager())
	if err != nil {
		return dfmerr.Wrap(dfmerr.KindSchema, err, "strategy %q for task %q", t.Strategy.Name, t.Name)
	}
	for _, st := range generated {
		b.indexTask(st)
	}
	t.Subtasks = generated
	return nil
}

func (b *Builder) currentRundir() string {
	return filepath.Join(append([]string{b.rootRundir}, b.rundirStack...)...)
}

// buildBaseScope seeds an Evaluator with the name resolution a task's
// default expressions and control gates may reference: already-resolved
// need rundirs keyed "<need>.rundir" (known at build time since rundir
// allocation is a build-time concern), the root/rootdir/srcdir path
// variables, env.<NAME> process-environment reads, this.<field>
// self-parameter reads, and <package>.<field> cross-package parameter
// reads, plus filters and current package for pipe-filter resolution.
func (b *Builder) buildBaseScope(t *symbol.Task, needs []NeedEdge) *exprlang.Evaluator {
	vars := map[string]any{}
	fixed := map[string]any{}
	for _, ne := range needs {
		fixed[ne.Node.Name()+".rundir"] = ne.Node.Rundir()
	}
	if b.root != nil {
		if b.root.SrcInfo.Path != "" {
			fixed["root"] = b.root.SrcInfo.Path
			fixed["rootdir"] = filepath.Dir(b.root.SrcInfo.Path)
		} else if b.root.BaseDir != "" {
			fixed["rootdir"] = b.root.BaseDir
		}
	}
	pkgName := ""
	if t != nil {
		pkgName = t.Package
		if t.SrcInfo.Path != "" {
			fixed["srcdir"] = filepath.Dir(t.SrcInfo.Path)
		}
	}
	return &exprlang.Evaluator{
		Vars:           vars,
		Resolver:       &scopeResolver{vars: vars, fixed: fixed, packages: b.packagesByName()},
		Filters:        b.filters,
		CurrentPackage: pkgName,
	}
}

// packagesByName flattens the root package and its transitive imports
// into a name-keyed map for <package>.<field> resolution.
func (b *Builder) packagesByName() map[string]*symbol.Package {
	out := map[string]*symbol.Package{}
	var walk func(p *symbol.Package)
	walk = func(p *symbol.Package) {
		if p == nil {
			return
		}
		if _, seen := out[p.Name]; seen {
			return
		}
		out[p.Name] = p
		for _, imp := range p.Imports {
			walk(imp)
		}
	}
	walk(b.root)
	return out
}

// scopeResolver implements exprlang.Resolver for the builder's static
// scope. vars is shared with the evaluator so this.<field> sees params
// resolved earlier in the same chain.
type scopeResolver struct {
	vars     map[string]any
	fixed    map[string]any
	packages map[string]*symbol.Package
}

func (r *scopeResolver) Resolve(name string) (any, bool) {
	if v, ok := r.fixed[name]; ok {
		return v, true
	}
	if rest, ok := strings.CutPrefix(name, "env."); ok {
		if v, found := os.LookupEnv(rest); found {
			return v, true
		}
		return nil, false
	}
	if rest, ok := strings.CutPrefix(name, "this."); ok {
		v, ok := r.vars[rest]
		return v, ok
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		if pkg, ok := r.packages[name[:i]]; ok {
			field := name[i+1:]
			for _, p := range pkg.Params {
				if p.Name == field && p.Default != nil && p.Default.Kind == symbol.ValLiteral {
					return p.Default.Literal, true
				}
			}
		}
	}
	return nil, false
}

// mkLeafNode builds an executable (or null) leaf TaskNode:
// merged-params resolution, needs wiring, rundir assignment.
func (b *Builder) mkLeafNode(t *symbol.Task) (*LeafNode, error) {
	needs, err := b.resolveNeeds(t)
	if err != nil {
		return nil, err
	}

	chain, err := symbol.UsesChain(t)
	if err != nil {
		return nil, err
	}
	if err := symbol.CheckParamDecls(chain); err != nil {
		return nil, err
	}
	defs := symbol.MergeParamDefs(chain)

	ev := b.buildBaseScope(t, needs)
	ps, err := buildParamSet(ev, defs, b.overridesOf(t))
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "building params for task %q", t.Name)
	}

	consumes, passthrough, err := t.EffectivePolicies()
	if err != nil {
		return nil, err
	}
	n := &LeafNode{base: base{
		name:        t.Name,
		rundir:      b.currentRundir(),
		task:        t,
		needs:       needs,
		params:      ps,
		consumes:    consumes,
		passthrough: passthrough,
	}}
	return n, nil
}

// mkControlNode builds a ControlNode: params are resolved the same way a
// leaf's are, but no body is instantiated here: the runner materializes
// iterations from t.Control.Body/ElseBody/Cases at run time.
func (b *Builder) mkControlNode(t *symbol.Task) (*ControlNode, error) {
	needs, err := b.resolveNeeds(t)
	if err != nil {
		return nil, err
	}
	chain, err := symbol.UsesChain(t)
	if err != nil {
		return nil, err
	}
	if err := symbol.CheckParamDecls(chain); err != nil {
		return nil, err
	}
	defs := symbol.MergeParamDefs(chain)
	ev := b.buildBaseScope(t, needs)
	ps, err := buildParamSet(ev, defs, b.overridesOf(t))
	if err != nil {
		return nil, err
	}
	consumes, passthrough, err := t.EffectivePolicies()
	if err != nil {
		return nil, err
	}
	return &ControlNode{
		base: base{
			name:        t.Name,
			rundir:      b.currentRundir(),
			task:        t,
			needs:       needs,
			params:      ps,
			consumes:    consumes,
			passthrough: passthrough,
		},
		Control: t.Control,
	}, nil
}

// resolveNeeds wires each of t's `needs:` entries, and those of every
// ancestor in its uses chain, to a shared (memoized) TaskNode; `task.needs`
// references arrive already flattened by the loader. A need is always
// built against the
// root rundir baseline, not nested under whatever task happens to be the
// first to request it (or under a compound's own rundir frame while
// building its children); needs point to independently-rooted nodes,
// unlike subtask hierarchy which genuinely nests.
func (b *Builder) resolveNeeds(t *symbol.Task) ([]NeedEdge, error) {
	var out []NeedEdge
	seen := map[string]bool{}
	savedStack := b.rundirStack
	b.rundirStack = nil
	defer func() { b.rundirStack = savedStack }()

	add := func(target *symbol.Task, block bool) error {
		n, err := b.mkTaskNode(target)
		if err != nil {
			return err
		}
		if seen[n.Name()] {
			return nil
		}
		seen[n.Name()] = true
		out = append(out, NeedEdge{Node: n, Block: block})
		return nil
	}

	// walk t's uses chain collecting every ancestor's own needs list too
	chain, err := symbol.UsesChain(t)
	if err != nil {
		return nil, err
	}
	for _, level := range chain {
		anc, ok := level.(*symbol.Task)
		if !ok {
			continue
		}
		for _, nr := range anc.Needs {
			if err := add(nr.Task, nr.Block); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// mkCompoundNode builds the synthetic input node, the terminal compound
// node, and every child subtask, then wires the "referenced by a
// sibling" vs "needs the synthetic input" distinction.
func (b *Builder) mkCompoundNode(t *symbol.Task) (*CompoundNode, error) {
	needs, err := b.resolveNeeds(t)
	if err != nil {
		return nil, err
	}

	chain, err := symbol.UsesChain(t)
	if err != nil {
		return nil, err
	}
	if err := symbol.CheckParamDecls(chain); err != nil {
		return nil, err
	}
	defs := symbol.MergeParamDefs(chain)
	ev := b.buildBaseScope(t, needs)
	ps, err := buildParamSet(ev, defs, b.overridesOf(t))
	if err != nil {
		return nil, err
	}

	// mkTaskNode has already pushed this task's rundir segment; the
	// compound and its body nest under it.
	compoundRundir := b.currentRundir()

	b.rundirStack = append(b.rundirStack, "in")
	inputRundir := b.currentRundir()
	b.rundirStack = b.rundirStack[:len(b.rundirStack)-1]

	inputStub := inputTaskStub(t)
	input := &LeafNode{base: base{
		name:        t.Name + ".in",
		rundir:      inputRundir,
		task:        inputStub,
		needs:       needs,
		params:      NewParamSet(),
		consumes:    inputStub.Consumes,
		passthrough: inputStub.Passthrough,
	}}

	consumes, passthrough, err := t.EffectivePolicies()
	if err != nil {
		return nil, err
	}
	node := &CompoundNode{
		base: base{
			name:        t.Name,
			rundir:      compoundRundir,
			task:        t,
			params:      ps,
			consumes:    consumes,
			passthrough: passthrough,
		},
		Input: input,
	}

	// subtasks beyond the uses chain's own compound ancestor (if the
	// task delegates via `uses:` to a compound ancestor with its own
	// subtasks, prefer the ancestor's subtask list when the task itself
	// declares none).
	subtasks := t.Subtasks
	if len(subtasks) == 0 {
		for i := len(chain) - 1; i >= 0; i-- {
			if anc, ok := chain[i].(*symbol.Task); ok && anc != t && len(anc.Subtasks) > 0 {
				subtasks = anc.Subtasks
				break
			}
		}
	}

	children := make([]Node, 0, len(subtasks))
	for _, st := range subtasks {
		child, err := b.mkTaskNode(st)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	node.Children = children

	wireCompoundChildren(node, input, children)

	return node, nil
}

// TerminalChildren returns the subset of cn.Children that no sibling
// depends on: the sub-DAG's own output-producing leaves, whose merged
// outputs become the compound node's own result.
func TerminalChildren(cn *CompoundNode) []Node {
	isSiblingName := map[string]bool{}
	for _, c := range cn.Children {
		isSiblingName[c.Name()] = true
	}
	referenced := map[string]bool{}
	for _, c := range cn.Children {
		for _, ne := range c.Needs() {
			if isSiblingName[ne.Node.Name()] {
				referenced[ne.Node.Name()] = true
			}
		}
	}
	var out []Node
	for _, c := range cn.Children {
		if !referenced[c.Name()] {
			out = append(out, c)
		}
	}
	return out
}

// wireCompoundChildren is the compound post-processing pass: a child with no intra-compound
// reference falls back to depending on the synthetic input node; a child
// never referenced by a sibling is a sink of the body sub-DAG and becomes
// a direct dependency of the compound terminal, which is how the
// terminal's needs wire the body's output edges.
func wireCompoundChildren(node *CompoundNode, input *LeafNode, children []Node) {
	isSiblingName := map[string]bool{}
	for _, c := range children {
		isSiblingName[c.Name()] = true
	}
	referencedBySibling := map[string]bool{}
	for _, c := range children {
		for _, ne := range c.Needs() {
			if isSiblingName[ne.Node.Name()] {
				referencedBySibling[ne.Node.Name()] = true
			}
		}
	}

	for _, c := range children {
		hasInternalRef := false
		for _, ne := range c.Needs() {
			if isSiblingName[ne.Node.Name()] {
				hasInternalRef = true
				break
			}
		}
		if !hasInternalRef {
			c.AddNeed(input, false)
		}
		if !referencedBySibling[c.Name()] {
			node.AddNeed(c, false)
		}
	}

	// a compound with no children at all still depends on its input so
	// it has something to wait on.
	if len(children) == 0 {
		node.AddNeed(input, false)
	}
}

// inputTaskStub returns a minimal null symbol.Task used only to carry the
// synthetic `<task>.in` node's identity.
func inputTaskStub(parent *symbol.Task) *symbol.Task {
	return &symbol.Task{
		Name:        parent.Name + ".in",
		Short:       parent.Short + ".in",
		Package:     parent.Package,
		Impl:        symbol.ImplNone,
		Rundir:      symbol.RundirInherit,
		Consumes:    symbol.ConsumesPolicy{Mode: symbol.ConsumesNone, Explicit: true},
		Passthrough: symbol.PassthroughPolicy{Mode: symbol.PassthroughAll, Explicit: true},
	}
}

// QualifyName joins a package name and a short task name the way the
// loader does, for callers building a lookup key by hand (tests, debug
// tooling).
func QualifyName(pkgName, short string) string {
	if pkgName == "" {
		return short
	}
	return pkgName + "." + short
}
