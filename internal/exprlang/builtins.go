package exprlang

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/dfateng/dfm/internal/dfmerr"
)

// builtinFunc receives unevaluated argument expressions rather than
// already-evaluated values so that map/select/group_by can bind a
// per-element scope and evaluate their expression argument once per
// element instead of once in the caller's scope.
type builtinFunc func(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"length":   biLength,
		"keys":     biKeys,
		"values":   biValues,
		"sort":     biSort,
		"unique":   biUnique,
		"reverse":  biReverse,
		"map":      biMap,
		"select":   biSelect,
		"first":    biFirst,
		"last":     biLast,
		"flatten":  biFlatten,
		"type":     biType,
		"split":    biSplit,
		"group_by": biGroupBy,
		"shell":    biShell,
	}
}

func asArray(v any, who string) ([]any, error) {
	a, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("exprlang: %s requires an array, got %T", who, v)
	}
	return a, nil
}

func biLength(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	switch v := input.(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len([]rune(v))), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	default:
		return nil, fmt.Errorf("exprlang: length: unsupported type %T", input)
	}
}

func biKeys(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("exprlang: keys requires an object, got %T", input)
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = k
	}
	return out, nil
}

func biValues(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("exprlang: values requires an object, got %T", input)
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = m[k]
	}
	return out, nil
}

func biSort(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "sort")
	if err != nil {
		return nil, err
	}
	out := make([]any, len(a))
	copy(out, a)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		less, err := lessValues(out[i], out[j])
		if err != nil {
			sortErr = err
		}
		return less
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return out, nil
}

func lessValues(a, b any) (bool, error) {
	if af, ok := toNumber(a); ok {
		if bf, ok2 := toNumber(b); ok2 {
			return af < bf, nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok2 := b.(string); ok2 {
			return as < bs, nil
		}
	}
	return false, fmt.Errorf("exprlang: sort: cannot compare %T and %T", a, b)
}

func biUnique(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "unique")
	if err != nil {
		return nil, err
	}
	var out []any
	for _, v := range a {
		dup := false
		for _, seen := range out {
			if valuesEqual(v, seen) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func biReverse(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	switch v := input.(type) {
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[len(v)-1-i] = x
		}
		return out, nil
	case string:
		r := []rune(v)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	default:
		return nil, fmt.Errorf("exprlang: reverse requires an array or string, got %T", input)
	}
}

func biMap(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "map")
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("exprlang: map requires exactly one expression argument")
	}
	out := make([]any, 0, len(a))
	for _, item := range a {
		elemEv := ev.clone()
		elemEv.Vars["item"] = item
		v, err := elemEv.Eval(args[0])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func biSelect(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "select")
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("exprlang: select requires exactly one predicate argument")
	}
	out := make([]any, 0, len(a))
	for _, item := range a {
		elemEv := ev.clone()
		elemEv.Vars["item"] = item
		v, err := elemEv.Eval(args[0])
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out = append(out, item)
		}
	}
	return out, nil
}

func biFirst(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "first")
	if err != nil {
		return nil, err
	}
	if len(a) == 0 {
		return nil, nil
	}
	return a[0], nil
}

func biLast(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "last")
	if err != nil {
		return nil, err
	}
	if len(a) == 0 {
		return nil, nil
	}
	return a[len(a)-1], nil
}

func biFlatten(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	depth := 1
	if len(args) == 1 {
		v, err := ev.Eval(args[0])
		if err != nil {
			return nil, err
		}
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("exprlang: flatten depth argument must be a number")
		}
		depth = int(f)
	}
	return flatten(input, depth)
}

func flatten(v any, depth int) (any, error) {
	a, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("exprlang: flatten requires an array, got %T", v)
	}
	if depth <= 0 {
		return a, nil
	}
	out := make([]any, 0, len(a))
	for _, item := range a {
		if sub, ok := item.([]any); ok {
			flat, err := flatten(sub, depth-1)
			if err != nil {
				return nil, err
			}
			out = append(out, flat.([]any)...)
		} else {
			out = append(out, item)
		}
	}
	return out, nil
}

func biType(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	switch input.(type) {
	case nil:
		return "null", nil
	case bool:
		return "boolean", nil
	case float64, int, int64:
		return "number", nil
	case string:
		return "string", nil
	case []any:
		return "array", nil
	case map[string]any:
		return "object", nil
	default:
		return nil, fmt.Errorf("exprlang: type: unsupported value %T", input)
	}
}

func biSplit(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	s, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("exprlang: split requires a string input, got %T", input)
	}
	sep := ""
	if len(args) == 1 {
		v, err := ev.Eval(args[0])
		if err != nil {
			return nil, err
		}
		sepStr, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("exprlang: split separator must be a string")
		}
		sep = sepStr
	}
	var parts []string
	if sep == "" {
		parts = strings.Fields(s)
	} else {
		parts = strings.Split(s, sep)
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func biGroupBy(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	a, err := asArray(input, "group_by")
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("exprlang: group_by requires exactly one key expression")
	}
	var order []string
	groups := map[string][]any{}
	for _, item := range a {
		elemEv := ev.clone()
		elemEv.Vars["item"] = item
		key, err := elemEv.Eval(args[0])
		if err != nil {
			return nil, err
		}
		ks := fmt.Sprintf("%v", key)
		if _, ok := groups[ks]; !ok {
			order = append(order, ks)
		}
		groups[ks] = append(groups[ks], item)
	}
	out := make(map[string]any, len(groups))
	for _, k := range order {
		out[k] = groups[k]
	}
	return out, nil
}

// biShell runs a shell command, expanding `${{ expr }}` templates in the
// command text against the current scope before invoking it, and returns
// its trimmed stdout.
func biShell(ev *Evaluator, input any, args []Expr, named map[string]Expr) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exprlang: shell requires exactly one command-string argument")
	}
	v, err := ev.Eval(args[0])
	if err != nil {
		return nil, err
	}
	cmdText, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("exprlang: shell argument must be a string")
	}
	expanded, err := expandShellTemplate(ev, cmdText)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("sh", "-c", expanded)
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindShellFailed, err,
			"shell(%q) failed (stdout=%q stderr=%q)", expanded, out.String(), errBuf.String())
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// expandShellTemplate replaces every `${{ expr }}` occurrence in s with the
// string form of expr evaluated against ev.
func expandShellTemplate(ev *Evaluator, s string) (string, error) {
	var sb strings.Builder
	i := 0
	for {
		start := strings.Index(s[i:], "${{")
		if start == -1 {
			sb.WriteString(s[i:])
			break
		}
		start += i
		sb.WriteString(s[i:start])
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", fmt.Errorf("exprlang: unterminated ${{ template in %q", s)
		}
		end += start
		inner := strings.TrimSpace(s[start+3 : end])
		val, err := ev.EvalString(inner)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(val))
		i = end + 2
	}
	return sb.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !valuesEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
