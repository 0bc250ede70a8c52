package loader

import (
	"strings"

	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/symbol"
	"gopkg.in/yaml.v3"
)

// valueTemplate converts a YAML value node into a symbol.ValueTemplate.
// String scalars are parsed as expressions when they are wrapped in
// `${{ ... }}`; any other string, a bare identifier included, is
// preserved as a literal. Sequences and mappings recurse element-wise.
func valueTemplate(n *yaml.Node) (symbol.ValueTemplate, error) {
	if n == nil {
		return symbol.Lit(nil), nil
	}
	resolved := n
	if resolved.Kind == yaml.AliasNode {
		resolved = resolved.Alias
	}
	switch resolved.Kind {
	case yaml.ScalarNode:
		return scalarValueTemplate(resolved)
	case yaml.SequenceNode:
		items := make([]symbol.ValueTemplate, 0, len(resolved.Content))
		for _, c := range resolved.Content {
			v, err := valueTemplate(c)
			if err != nil {
				return symbol.ValueTemplate{}, err
			}
			items = append(items, v)
		}
		return symbol.ListVal(items), nil
	case yaml.MappingNode:
		m := map[string]symbol.ValueTemplate{}
		order := make([]string, 0, len(resolved.Content)/2)
		for i := 0; i+1 < len(resolved.Content); i += 2 {
			key := resolved.Content[i].Value
			v, err := valueTemplate(resolved.Content[i+1])
			if err != nil {
				return symbol.ValueTemplate{}, err
			}
			m[key] = v
			order = append(order, key)
		}
		return symbol.MapValOf(m, order), nil
	default:
		return symbol.Lit(nil), nil
	}
}

func scalarValueTemplate(n *yaml.Node) (symbol.ValueTemplate, error) {
	switch n.Tag {
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return symbol.ValueTemplate{}, err
		}
		return symbol.Lit(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return symbol.ValueTemplate{}, err
		}
		return symbol.Lit(i), nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return symbol.ValueTemplate{}, err
		}
		return symbol.Lit(f), nil
	case "!!null":
		return symbol.Lit(nil), nil
	}

	var s string
	if err := n.Decode(&s); err != nil {
		return symbol.ValueTemplate{}, err
	}
	if !looksLikeExpr(s) {
		return symbol.Lit(s), nil
	}
	ast, err := exprlang.Parse(unwrapTemplate(s))
	if err != nil {
		// Not a valid expression after all; fall back to a literal
		// string rather than failing the whole load; only `${{ }}`-
		// wrapped text is required to parse as an expression.
		if !isTemplateWrapped(s) {
			return symbol.Lit(s), nil
		}
		return symbol.ValueTemplate{}, err
	}
	return symbol.ExprVal(ast), nil
}

// isTemplateWrapped reports whether s is exactly one `${{ ... }}` span
// with nothing else around it.
func isTemplateWrapped(s string) bool {
	return len(s) > 5 && s[:3] == "${{" && s[len(s)-2:] == "}}"
}

// looksLikeExpr reports whether a plain-string scalar should be parsed as
// an expression: only text fully wrapped in `${{ }}` is; bare identifiers,
// hierarchical identifiers and calls stay literal strings.
func looksLikeExpr(s string) bool {
	if isTemplateWrapped(s) {
		return true
	}
	return false
}

// unwrapTemplate strips a single `${{ ... }}` wrapper, returning the
// inner expression text.
func unwrapTemplate(s string) string {
	if isTemplateWrapped(s) {
		inner := s[3 : len(s)-2]
		return strings.TrimSpace(inner)
	}
	return s
}
