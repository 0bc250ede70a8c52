package exprlang

import "testing"

func TestBuiltinLengthVariants(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("s", "hello")
	ev.Set("xs", []any{float64(1), float64(2)})
	ev.Set("m", map[string]any{"a": float64(1)})

	if v := evalOK(t, ev, "$s | length"); v.(float64) != 5 {
		t.Fatalf("got %v", v)
	}
	if v := evalOK(t, ev, "$xs | length"); v.(float64) != 2 {
		t.Fatalf("got %v", v)
	}
	if v := evalOK(t, ev, "$m | length"); v.(float64) != 1 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinKeysValues(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("m", map[string]any{"b": float64(2), "a": float64(1)})
	keys := evalOK(t, ev, "$m | keys").([]any)
	if keys[0].(string) != "a" || keys[1].(string) != "b" {
		t.Fatalf("got %v", keys)
	}
	values := evalOK(t, ev, "$m | values").([]any)
	if values[0].(float64) != 1 || values[1].(float64) != 2 {
		t.Fatalf("got %v", values)
	}
}

func TestBuiltinUnique(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), float64(1), float64(2)})
	v := evalOK(t, ev, "$xs | unique").([]any)
	if len(v) != 2 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinReverse(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), float64(2), float64(3)})
	v := evalOK(t, ev, "$xs | reverse").([]any)
	if v[0].(float64) != 3 || v[2].(float64) != 1 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinMap(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), float64(2), float64(3)})
	v := evalOK(t, ev, "$xs | map(item * 2)").([]any)
	if v[0].(float64) != 2 || v[2].(float64) != 6 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinSelect(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), float64(2), float64(3), float64(4)})
	v := evalOK(t, ev, "$xs | select(item >= 3)").([]any)
	if len(v) != 2 || v[0].(float64) != 3 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinFirstLast(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), float64(2), float64(3)})
	if v := evalOK(t, ev, "$xs | first"); v.(float64) != 1 {
		t.Fatalf("got %v", v)
	}
	if v := evalOK(t, ev, "$xs | last"); v.(float64) != 3 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinFlatten(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{[]any{float64(1), []any{float64(2)}}, []any{float64(3)}})
	v := evalOK(t, ev, "$xs | flatten").([]any)
	if len(v) != 3 {
		t.Fatalf("got %v (len %d)", v, len(v))
	}
	v2 := evalOK(t, ev, "$xs | flatten(2)").([]any)
	if len(v2) != 3 {
		t.Fatalf("expected full flatten at depth 2, got %v", v2)
	}
}

func TestBuiltinType(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("x", "hi")
	if v := evalOK(t, ev, "$x | type"); v.(string) != "string" {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinSplit(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("s", "a,b,c")
	v := evalOK(t, ev, `$s | split(",")`).([]any)
	if len(v) != 3 || v[1].(string) != "b" {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinGroupBy(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{
		map[string]any{"kind": "a", "n": float64(1)},
		map[string]any{"kind": "b", "n": float64(2)},
		map[string]any{"kind": "a", "n": float64(3)},
	})
	v := evalOK(t, ev, "$xs | group_by(item.kind)").(map[string]any)
	groupA := v["a"].([]any)
	if len(groupA) != 2 {
		t.Fatalf("got %v", v)
	}
}

func TestBuiltinSortRejectsMixedTypes(t *testing.T) {
	ev := NewEvaluator()
	ev.Set("xs", []any{float64(1), "two"})
	if _, err := ev.EvalString("$xs | sort"); err == nil {
		t.Fatal("expected error comparing number and string")
	}
}
