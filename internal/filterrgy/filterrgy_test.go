package filterrgy

import (
	"context"
	"testing"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
)

func mustParse(t *testing.T, src string) exprlang.Expr {
	t.Helper()
	e, err := exprlang.Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return e
}

func TestRegisterAndLookupSamePackage(t *testing.T) {
	r := New("root")
	f := &FilterDef{Name: "upper", Package: "pkg.a", Expr: mustParse(t, "input")}
	if err := r.Register(f); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Lookup("upper", "pkg.a")
	if !ok || got == nil {
		t.Fatalf("expected lookup to succeed within owning package")
	}
}

func TestLookupUnqualifiedOtherPackageFails(t *testing.T) {
	r := New("root")
	f := &FilterDef{Name: "upper", Package: "pkg.a", Expr: mustParse(t, "input")}
	if err := r.Register(f); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Lookup("upper", "pkg.b"); ok {
		t.Fatal("unqualified name must not resolve across packages")
	}
}

func TestQualifiedLookupRespectsExport(t *testing.T) {
	r := New("root")
	exp := &FilterDef{Name: "upper", Package: "pkg.a", Visibility: VisExport, Expr: mustParse(t, "input")}
	loc := &FilterDef{Name: "helper", Package: "pkg.a", Visibility: VisLocal, Expr: mustParse(t, "input")}
	if err := r.Register(exp); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(loc); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup("pkg.a.upper", "pkg.b"); !ok {
		t.Fatal("exported filter should be visible via qualified name")
	}
	_, err := r.Resolve("pkg.a.helper", "pkg.b")
	if dfmerr.KindOf(err) != dfmerr.KindVisibilityViolation {
		t.Fatalf("expected VisibilityViolation for local filter, got %v", err)
	}
}

func TestRootVisibility(t *testing.T) {
	r := New("root")
	f := &FilterDef{Name: "rootonly", Package: "pkg.a", Visibility: VisRoot, Expr: mustParse(t, "input")}
	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("pkg.a.rootonly", "root"); err != nil {
		t.Fatalf("expected root package to resolve root-only filter: %v", err)
	}
	_, err := r.Resolve("pkg.a.rootonly", "pkg.b")
	if dfmerr.KindOf(err) != dfmerr.KindVisibilityViolation {
		t.Fatalf("expected VisibilityViolation from non-root package, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := New("root")
	f1 := &FilterDef{Name: "dup", Package: "pkg.a", Expr: mustParse(t, "input")}
	f2 := &FilterDef{Name: "dup", Package: "pkg.a", Expr: mustParse(t, "input")}
	if err := r.Register(f1); err != nil {
		t.Fatal(err)
	}
	err := r.Register(f2)
	if dfmerr.KindOf(err) != dfmerr.KindDuplicateDefinition {
		t.Fatalf("expected DuplicateDefinition, got %v", err)
	}
}

func TestInvokeExprFilterBindsInputAndParams(t *testing.T) {
	r := New("root")
	f := &FilterDef{
		Name:    "addN",
		Package: "pkg.a",
		Params:  []ParamSpec{{Name: "n", Default: mustParse(t, "1")}},
		Expr:    mustParse(t, "input + n"),
	}
	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}
	ev := exprlang.NewEvaluator()
	ev.Filters = r
	ev.CurrentPackage = "pkg.a"
	ev.Set("xs", float64(10))
	v, err := ev.EvalString("$xs | addN(5)")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v.(float64) != 15 {
		t.Fatalf("got %v", v)
	}
}

func TestInvokeExprFilterUsesDefaultParam(t *testing.T) {
	r := New("root")
	f := &FilterDef{
		Name:    "addN",
		Package: "pkg.a",
		Params:  []ParamSpec{{Name: "n", Default: mustParse(t, "1")}},
		Expr:    mustParse(t, "input + n"),
	}
	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}
	ev := exprlang.NewEvaluator()
	ev.Filters = r
	ev.CurrentPackage = "pkg.a"
	ev.Set("xs", float64(10))
	v, err := ev.EvalString("$xs | addN")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v.(float64) != 11 {
		t.Fatalf("got %v, want default n=1 applied", v)
	}
}

type fakeRunner struct {
	stdout, stderr []byte
	err            error
}

func (f fakeRunner) Run(ctx context.Context, shell, body string, stdin []byte, env []string) ([]byte, []byte, error) {
	return f.stdout, f.stderr, f.err
}

func TestInvokeRunFilterParsesJSONStdout(t *testing.T) {
	f := &FilterDef{
		Name:     "double",
		Package:  "pkg.a",
		RunShell: "sh",
		RunBody:  "cat",
		runner:   fakeRunner{stdout: []byte(`{"n":2}`)},
	}
	ev := exprlang.NewEvaluator()
	v, err := f.Invoke(ev, map[string]any{"n": float64(1)}, nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m := v.(map[string]any)
	if m["n"].(float64) != 2 {
		t.Fatalf("got %v", v)
	}
}

func TestInvokeRunFilterNonZeroExit(t *testing.T) {
	f := &FilterDef{
		Name:     "fails",
		Package:  "pkg.a",
		RunShell: "sh",
		RunBody:  "false",
		runner:   fakeRunner{err: context.DeadlineExceeded},
	}
	ev := exprlang.NewEvaluator()
	_, err := f.Invoke(ev, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
