package exprlang

import "testing"

func TestNeedsDeferralDetectsRuntimeNames(t *testing.T) {
	cases := map[string]bool{
		"inputs[0].path":      true,
		"memento.digest":      true,
		"rundir + \"/out\"":   true,
		"task.params.cc":      false,
		"1 + 2":               false,
	}
	for src, want := range cases {
		ast, err := Parse(src)
		if err != nil {
			t.Fatalf("parse %q: %v", src, err)
		}
		got := NeedsDeferral(ast)
		if got != want {
			t.Errorf("%q: NeedsDeferral = %v, want %v", src, got, want)
		}
	}
}

func TestCaptureAndEvalLater(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("prefix", "build-")
	ev.Resolver = mapResolver{"task.params": map[string]any{"name": "widget"}}

	d, err := Capture(ev, `$prefix + task.params.name + "-" + inputs.tag`)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	ev.Set("prefix", "changed-")

	v, err := d.Eval(map[string]any{"inputs": map[string]any{"tag": "v1"}})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v.(string) != "build-widget-v1" {
		t.Fatalf("got %q, want snapshot of prefix at capture time", v)
	}
}

func TestCaptureSnapshotIsIndependentOfLaterMutation(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("x", float64(1))
	d, err := Capture(ev, "$x + inputs.n")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	ev.Set("x", float64(99))
	v, err := d.Eval(map[string]any{"inputs": map[string]any{"n": float64(1)}})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v.(float64) != 2 {
		t.Fatalf("got %v, want 2 (snapshot value 1 + 1)", v)
	}
}
