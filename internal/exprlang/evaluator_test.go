package exprlang

import "testing"

type mapResolver map[string]any

func (m mapResolver) Resolve(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func evalOK(t *testing.T, ev *Evaluator, src string) any {
	t.Helper()
	v, err := ev.EvalString(src)
	if err != nil {
		t.Fatalf("EvalString(%q): %v", src, err)
	}
	return v
}

func TestEvalArithmetic(t *testing.T) {
	ev := NewEvaluator()
	v := evalOK(t, ev, "1 + 2 * 3")
	if v.(float64) != 7 {
		t.Fatalf("got %v", v)
	}
}

func TestEvalStringConcat(t *testing.T) {
	ev := NewEvaluator()
	v := evalOK(t, ev, `"foo" + "bar"`)
	if v.(string) != "foobar" {
		t.Fatalf("got %v", v)
	}
}

func TestEvalComparisonAndLogic(t *testing.T) {
	ev := NewEvaluator()
	v := evalOK(t, ev, "1 < 2 && 3 >= 3")
	if v.(bool) != true {
		t.Fatalf("got %v", v)
	}
}

func TestEvalHIdResolverPrefix(t *testing.T) {
	ev := NewEvaluator()
	ev.Resolver = mapResolver{
		"task.params": map[string]any{"cc": "gcc"},
	}
	v := evalOK(t, ev, "task.params.cc")
	if v.(string) != "gcc" {
		t.Fatalf("got %v", v)
	}
}

func TestEvalHIdDefault(t *testing.T) {
	ev := NewEvaluator()
	v := evalOK(t, ev, `env.missing:-"fallback"`)
	if v.(string) != "fallback" {
		t.Fatalf("got %v", v)
	}
}

func TestEvalIndexAndSlice(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), float64(2), float64(3), float64(4)})
	v := evalOK(t, ev, "$xs[1]")
	if v.(float64) != 2 {
		t.Fatalf("got %v", v)
	}
	v = evalOK(t, ev, "$xs[1:3]")
	arr := v.([]any)
	if len(arr) != 2 || arr[0].(float64) != 2 || arr[1].(float64) != 3 {
		t.Fatalf("got %v", v)
	}
}

func TestEvalFlattenAll(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{[]any{float64(1), float64(2)}, []any{float64(3)}})
	v := evalOK(t, ev, "$xs[]")
	arr := v.([]any)
	if len(arr) != 3 {
		t.Fatalf("got %v", v)
	}
}

func TestEvalPipeBuiltin(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(3), float64(1), float64(2)})
	v := evalOK(t, ev, "$xs | sort")
	arr := v.([]any)
	if arr[0].(float64) != 1 || arr[2].(float64) != 3 {
		t.Fatalf("got %v", v)
	}
}

type upperFilter struct{}

func (upperFilter) Invoke(ev *Evaluator, input any, positional []any, named map[string]any) (any, error) {
	s := input.(string)
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		out[i] = c
	}
	return string(out), nil
}

type testFilterRegistry map[string]Filter

func (r testFilterRegistry) Lookup(name, currentPackage string) (Filter, bool) {
	f, ok := r[name]
	return f, ok
}

func TestEvalPipeCustomFilter(t *testing.T) {
	ev := NewEvaluator()
	ev.Filters = testFilterRegistry{"upper": upperFilter{}}
	ev.Set("s", "hi")
	v := evalOK(t, ev, "$s | upper")
	if v.(string) != "HI" {
		t.Fatalf("got %v", v)
	}
}

func TestTruthyCoercion(t *testing.T) {
	cases := map[string]bool{
		"!0":       true,
		"!1":       false,
		`!""`:      true,
		`!"x"`:     false,
		"!false":   true,
		"!true":    false,
	}
	for src, want := range cases {
		ev := NewEvaluator()
		v := evalOK(t, ev, src)
		if v.(bool) != want {
			t.Errorf("%q: got %v want %v", src, v, want)
		}
	}
}

func TestVarNotFoundError(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.EvalString("$missing")
	if err == nil {
		t.Fatal("expected error")
	}
}
