package builder

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/filterrgy"
	"github.com/dfateng/dfm/internal/symbol"
)

func mkTask(pkg *symbol.Package, short string, needs []*symbol.Task) *symbol.Task {
	t := &symbol.Task{
		Name:    pkg.Name + "." + short,
		Short:   short,
		Package: pkg.Name,
		Rundir:  symbol.RundirUnique,
		Impl:    symbol.ImplShell,
		RunBody: "true",
	}
	for _, n := range needs {
		t.Needs = append(t.Needs, symbol.NeedRef{Task: n})
	}
	pkg.AddTask(t, false)
	return t
}

func TestLinearChainBuildsSharedNodes(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	a := mkTask(pkg, "a", nil)
	b := mkTask(pkg, "b", []*symbol.Task{a})
	c := mkTask(pkg, "c", []*symbol.Task{b})

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(c.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	if node.Kind() != KindLeaf {
		t.Fatalf("expected leaf node")
	}
	if len(node.Needs()) != 1 || node.Needs()[0].Node.Name() != b.Name {
		t.Fatalf("expected c to need b, got %+v", node.Needs())
	}

	// Building b directly must return the same shared node instance.
	bNode, err := bld.MkTaskNode(b.Name)
	if err != nil {
		t.Fatalf("MkTaskNode(b): %v", err)
	}
	if bNode != node.Needs()[0].Node {
		t.Fatalf("expected memoized shared node for b")
	}
	if len(bNode.Needs()) != 1 || bNode.Needs()[0].Node.Name() != a.Name {
		t.Fatalf("expected b to need a")
	}

	wantRundir := filepath.Join("/run", "c")
	if node.Rundir() != wantRundir {
		t.Fatalf("rundir = %q, want %q", node.Rundir(), wantRundir)
	}
	if wantB := filepath.Join("/run", "b"); bNode.Rundir() != wantB {
		t.Fatalf("b rundir = %q, want %q (needs must not nest under the requesting task)", bNode.Rundir(), wantB)
	}
}

func TestCompoundTaskWiresInputAndChildren(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	leaf1 := &symbol.Task{Name: "root.comp.leaf1", Short: "leaf1", Package: "root", Rundir: symbol.RundirUnique, Impl: symbol.ImplShell, RunBody: "true"}
	leaf2 := &symbol.Task{Name: "root.comp.leaf2", Short: "leaf2", Package: "root", Rundir: symbol.RundirUnique, Impl: symbol.ImplShell, RunBody: "true"}
	leaf2.Needs = []symbol.NeedRef{{Task: leaf1}}

	comp := &symbol.Task{
		Name:     "root.comp",
		Short:    "comp",
		Package:  "root",
		Rundir:   symbol.RundirUnique,
		Subtasks: []*symbol.Task{leaf1, leaf2},
	}
	pkg.AddTask(comp, false)

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(comp.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	cn, ok := node.(*CompoundNode)
	if !ok {
		t.Fatalf("expected compound node, got %T", node)
	}
	if len(cn.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(cn.Children))
	}

	var childLeaf1, childLeaf2 Node
	for _, c := range cn.Children {
		switch c.Name() {
		case leaf1.Name:
			childLeaf1 = c
		case leaf2.Name:
			childLeaf2 = c
		}
	}
	if childLeaf1 == nil || childLeaf2 == nil {
		t.Fatalf("missing expected children")
	}

	// leaf1 has no internal reference from leaf2's perspective (leaf2
	// needs leaf1 directly, not the other way) so leaf1 falls back to
	// depending on the synthetic input node.
	foundInputDep := false
	for _, ne := range childLeaf1.Needs() {
		if ne.Node.Name() == cn.Input.Name() {
			foundInputDep = true
		}
	}
	if !foundInputDep {
		t.Fatalf("expected leaf1 to depend on synthetic input, needs=%+v", childLeaf1.Needs())
	}

	// leaf2 is never referenced by a sibling: it is the body's sink, so
	// the compound terminal depends on it directly (and not on leaf1,
	// which leaf2 already covers transitively).
	var terminalDeps []string
	for _, ne := range cn.Needs() {
		terminalDeps = append(terminalDeps, ne.Node.Name())
	}
	if len(terminalDeps) != 1 || terminalDeps[0] != leaf2.Name {
		t.Fatalf("expected compound terminal to depend on [leaf2], got %v", terminalDeps)
	}

	terminal := TerminalChildren(cn)
	if len(terminal) != 1 || terminal[0].Name() != leaf2.Name {
		t.Fatalf("expected leaf2 as sole terminal child, got %+v", terminal)
	}
}

func TestParamInheritanceWithOverride(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	base := &symbol.Task{
		Name:    "root.base",
		Short:   "base",
		Package: "root",
		Rundir:  symbol.RundirUnique,
		Params: []symbol.ParamDef{
			{Name: "mode", Kind: symbol.ParamString, Declared: true, Default: ptrVT(symbol.Lit("fast"))},
		},
	}
	pkg.AddTask(base, false)

	derived := &symbol.Task{
		Name:    "root.derived",
		Short:   "derived",
		Package: "root",
		Rundir:  symbol.RundirUnique,
		Uses:    base,
		Params: []symbol.ParamDef{
			{Name: "mode", Kind: symbol.ParamString, Default: ptrVT(symbol.Lit("slow"))},
		},
	}
	pkg.AddTask(derived, false)

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(derived.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	pv, ok := node.Params().Get("mode")
	if !ok {
		t.Fatalf("expected mode param present")
	}
	v, err := pv.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "slow" {
		t.Fatalf("expected outer-most override %q, got %q", "slow", v)
	}
}

func TestDeferredExpressionCapturesRuntimeReference(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	ast, err := exprlang.Parse("rundir")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	task := &symbol.Task{
		Name:    "root.task",
		Short:   "task",
		Package: "root",
		Rundir:  symbol.RundirUnique,
		Params: []symbol.ParamDef{
			{Name: "out", Kind: symbol.ParamString, Declared: true, Default: ptrVT(symbol.ExprVal(ast))},
		},
	}
	pkg.AddTask(task, false)

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(task.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	pv, ok := node.Params().Get("out")
	if !ok {
		t.Fatalf("expected out param")
	}
	if !pv.IsDeferred() {
		t.Fatalf("expected param referencing rundir to be deferred")
	}
	v, err := pv.Resolve(map[string]any{"rundir": "/run/task"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "/run/task" {
		t.Fatalf("got %v", v)
	}
}

func TestWriteDOTIncludesEveryNodeOnce(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	a := mkTask(pkg, "a", nil)
	b := mkTask(pkg, "b", []*symbol.Task{a})

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(b.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	var sb strings.Builder
	if err := WriteDOT(node, &sb); err != nil {
		t.Fatalf("WriteDOT: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "root.b") || !strings.Contains(out, "root.a") {
		t.Fatalf("expected both nodes in dot output, got %q", out)
	}
}

func ptrVT(v symbol.ValueTemplate) *symbol.ValueTemplate { return &v }

func TestBaseScopeResolvesEnvAndSelfParams(t *testing.T) {
	t.Setenv("DFM_TEST_CC", "clang")

	pkg := symbol.NewPackage("root", "/src")
	ccExpr, err := exprlang.Parse("env.DFM_TEST_CC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	selfExpr, err := exprlang.Parse(`this.cc + " -O2"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	task := &symbol.Task{
		Name:    "root.compile",
		Short:   "compile",
		Package: "root",
		Rundir:  symbol.RundirUnique,
		Params: []symbol.ParamDef{
			{Name: "cc", Kind: symbol.ParamString, Declared: true, Default: ptrVT(symbol.ExprVal(ccExpr))},
			{Name: "cmd", Kind: symbol.ParamString, Declared: true, Default: ptrVT(symbol.ExprVal(selfExpr))},
		},
	}
	pkg.AddTask(task, false)

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(task.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	params, err := node.Params().ResolveAll(nil)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if params["cc"] != "clang" {
		t.Fatalf("cc = %v, want env value", params["cc"])
	}
	if params["cmd"] != "clang -O2" {
		t.Fatalf("cmd = %v, want self-param reference resolved", params["cmd"])
	}
}

func TestEnvDefaultSyntaxFallsBack(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	expr, err := exprlang.Parse(`env.DFM_TEST_UNSET_VAR:-"gcc"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	task := &symbol.Task{
		Name:    "root.t",
		Short:   "t",
		Package: "root",
		Rundir:  symbol.RundirUnique,
		Params: []symbol.ParamDef{
			{Name: "cc", Kind: symbol.ParamString, Declared: true, Default: ptrVT(symbol.ExprVal(expr))},
		},
	}
	pkg.AddTask(task, false)

	bld := New(pkg, "/run", filterrgy.New("root"))
	node, err := bld.MkTaskNode(task.Name)
	if err != nil {
		t.Fatalf("MkTaskNode: %v", err)
	}
	params, err := node.Params().ResolveAll(nil)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if params["cc"] != "gcc" {
		t.Fatalf("cc = %v, want :-default applied", params["cc"])
	}
}

func TestMkTaskNodeSuggestsCloseName(t *testing.T) {
	pkg := symbol.NewPackage("root", "/src")
	mkTask(pkg, "compile", nil)

	bld := New(pkg, "/run", filterrgy.New("root"))
	_, err := bld.MkTaskNode("root.compiel")
	if err == nil || !strings.Contains(err.Error(), "root.compile") {
		t.Fatalf("expected did-you-mean suggestion, got %v", err)
	}
}
