package symbol

import (
	"testing"

	"github.com/dfateng/dfm/internal/dfmerr"
)

func strDefault(s string) *ValueTemplate {
	v := Lit(s)
	return &v
}

func TestUsesChainOrderAndCycle(t *testing.T) {
	a := &Task{Name: "pkg.a", Short: "a"}
	b := &Task{Name: "pkg.b", Short: "b", Uses: a}
	c := &Task{Name: "pkg.c", Short: "c", Uses: b}

	chain, err := UsesChain(c)
	if err != nil {
		t.Fatalf("UsesChain: %v", err)
	}
	if len(chain) != 3 || chain[0] != Node(a) || chain[2] != Node(c) {
		t.Fatalf("expected [a b c] base-to-leaf, got %v", chain)
	}

	a.Uses = c // introduce a cycle
	if _, err := UsesChain(c); dfmerr.KindOf(err) != dfmerr.KindCycle {
		t.Fatalf("expected Cycle error, got %v", err)
	}
}

// Four-level uses chain with overrides at each level: the outer-most
// level that mentions a field wins.
func TestParameterInheritanceOverrideChain(t *testing.T) {
	taskA := &Task{Name: "pkg.task_a", Short: "task_a", Params: []ParamDef{
		{Name: "p1", Declared: true, Default: strDefault("p1_a")},
		{Name: "p2", Declared: true, Default: strDefault("p2_a")},
	}}
	taskB := &Task{Name: "pkg.task_b", Short: "task_b", Uses: taskA, Params: []ParamDef{
		{Name: "p1", Default: strDefault("p1_b")},
		{Name: "p4", Declared: true, Default: strDefault("p4_b")},
	}}
	taskC := &Task{Name: "pkg.task_c", Short: "task_c", Uses: taskB, Params: []ParamDef{
		{Name: "p1", Default: strDefault("p1_c")},
		{Name: "p4", Default: strDefault("p4_c")},
		{Name: "p5", Declared: true, Default: strDefault("p5_c")},
	}}
	taskD := &Task{Name: "pkg.task_d", Short: "task_d", Uses: taskC, Params: []ParamDef{
		{Name: "p3", Declared: true, Default: strDefault("p3_d")},
		{Name: "p5", Default: strDefault("p5_d")},
	}}

	merged, err := taskD.MergedParams()
	if err != nil {
		t.Fatalf("MergedParams: %v", err)
	}
	want := map[string]string{
		"p1": "p1_c",
		"p2": "p2_a",
		"p3": "p3_d",
		"p4": "p4_c",
		"p5": "p5_d",
	}
	if len(merged) != len(want) {
		t.Fatalf("got %d params, want %d: %+v", len(merged), len(want), merged)
	}
	for _, p := range merged {
		wantVal, ok := want[p.Name]
		if !ok {
			t.Fatalf("unexpected param %q in merged result", p.Name)
		}
		got := p.Default.Literal.(string)
		if got != wantVal {
			t.Errorf("param %q: got default %q, want %q", p.Name, got, wantVal)
		}
	}
}

func TestIsCompoundViaAncestor(t *testing.T) {
	base := &Task{Name: "pkg.base", Short: "base", Subtasks: []*Task{{Name: "pkg.base.child", Short: "child"}}}
	leaf := &Task{Name: "pkg.leaf", Short: "leaf", Uses: base}
	compound, err := leaf.IsCompound()
	if err != nil {
		t.Fatalf("IsCompound: %v", err)
	}
	if !compound {
		t.Fatal("expected leaf to be compound via ancestor's subtasks")
	}
}

func TestPackageAddTaskDuplicateAndOverride(t *testing.T) {
	p := NewPackage("pkg", "/src")
	t1 := &Task{Name: "pkg.a", Short: "a"}
	t2 := &Task{Name: "pkg.a", Short: "a", IsOverride: true}
	if err := p.AddTask(t1, false); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := p.AddTask(&Task{Name: "pkg.a", Short: "a"}, false); dfmerr.KindOf(err) != dfmerr.KindDuplicateDefinition {
		t.Fatalf("expected DuplicateDefinition, got %v", err)
	}
	if err := p.AddTask(t2, true); err != nil {
		t.Fatalf("override AddTask: %v", err)
	}
	if p.Tasks["a"] != t2 {
		t.Fatal("expected override to replace the task entry")
	}
}

func TestApplyFeeds(t *testing.T) {
	p := NewPackage("pkg", "/src")
	fed := &Task{Name: "pkg.fed", Short: "fed"}
	feeder1 := &Task{Name: "pkg.f1", Short: "f1"}
	feeder2 := &Task{Name: "pkg.f2", Short: "f2"}
	for _, tk := range []*Task{fed, feeder1, feeder2} {
		if err := p.AddTask(tk, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.ApplyFeeds(map[string][]string{"fed": {"f1", "f2", "f1"}}); err != nil {
		t.Fatalf("ApplyFeeds: %v", err)
	}
	if len(fed.Needs) != 2 {
		t.Fatalf("expected 2 needs (duplicate f1 skipped), got %d: %+v", len(fed.Needs), fed.Needs)
	}
}

func TestMergeParamDefsPathAppend(t *testing.T) {
	base := &Task{Name: "pkg.base", Short: "base", Params: []ParamDef{
		{Name: "searchpath", Declared: true, Default: strDefault("/usr/lib")},
	}}
	leaf := &Task{Name: "pkg.leaf", Short: "leaf", Uses: base, Params: []ParamDef{
		{Name: "searchpath", PathAppend: true, Default: strDefault("/opt/lib")},
	}}
	chain, err := UsesChain(leaf)
	if err != nil {
		t.Fatalf("UsesChain: %v", err)
	}
	merged := MergeParamDefs(chain)
	if len(merged) != 1 {
		t.Fatalf("got %d params", len(merged))
	}
	if merged[0].Default.Kind != ValExpr {
		t.Fatalf("expected a deferred concat expression, got kind %v", merged[0].Default.Kind)
	}
}

func TestCheckParamDeclsRejectsBareOverride(t *testing.T) {
	orphan := &Task{Name: "pkg.orphan", Short: "orphan", Params: []ParamDef{
		{Name: "ghost", Default: strDefault("x")},
	}}
	chain, err := UsesChain(orphan)
	if err != nil {
		t.Fatalf("UsesChain: %v", err)
	}
	if err := CheckParamDecls(chain); dfmerr.KindOf(err) != dfmerr.KindSchema {
		t.Fatalf("expected SchemaError for undeclared override, got %v", err)
	}
}

func TestEffectivePoliciesInheritFromUsesChain(t *testing.T) {
	base := &Task{Name: "pkg.base", Short: "base",
		Consumes:    ConsumesPolicy{Mode: ConsumesNone, Explicit: true},
		Passthrough: PassthroughPolicy{Mode: PassthroughAll, Explicit: true},
	}
	leaf := &Task{Name: "pkg.leaf", Short: "leaf", Uses: base}
	consumes, passthrough, err := leaf.EffectivePolicies()
	if err != nil {
		t.Fatalf("EffectivePolicies: %v", err)
	}
	if consumes.Mode != ConsumesNone || passthrough.Mode != PassthroughAll {
		t.Fatalf("expected policies inherited from base, got %v/%v", consumes.Mode, passthrough.Mode)
	}

	// A leaf-level declaration beats the ancestor's.
	leaf.Consumes = ConsumesPolicy{Mode: ConsumesAll, Explicit: true}
	consumes, _, err = leaf.EffectivePolicies()
	if err != nil {
		t.Fatalf("EffectivePolicies: %v", err)
	}
	if consumes.Mode != ConsumesAll {
		t.Fatalf("expected leaf declaration to win, got %v", consumes.Mode)
	}
}
