package loader

import (
	"github.com/dfateng/dfm/internal/dfmerr"
	"gopkg.in/yaml.v3"
)

// locOf converts a yaml.Node's position into a dfmerr.Loc attributed to
// path.
func locOf(path string, n *yaml.Node) dfmerr.Loc {
	if n == nil {
		return dfmerr.Loc{Path: path}
	}
	return dfmerr.Loc{Path: path, Line: n.Line, Col: n.Column}
}

// mapping unwraps a document/alias node down to its underlying mapping
// node, or returns nil if n is not (or does not resolve to) a mapping.
func mapping(n *yaml.Node) *yaml.Node {
	for n != nil && (n.Kind == yaml.DocumentNode || n.Kind == yaml.AliasNode) {
		if n.Kind == yaml.AliasNode {
			n = n.Alias
			continue
		}
		if len(n.Content) == 0 {
			return nil
		}
		n = n.Content[0]
	}
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	return n
}

// mapFields returns a mapping node's key->value pairs as an ordered slice,
// preserving declaration order (needed for deterministic param/task
// iteration and for srcinfo attribution).
type field struct {
	Key   string
	Value *yaml.Node
	KeyN  *yaml.Node
}

func mapFields(n *yaml.Node) []field {
	m := mapping(n)
	if m == nil {
		return nil
	}
	out := make([]field, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		out = append(out, field{Key: m.Content[i].Value, Value: m.Content[i+1], KeyN: m.Content[i]})
	}
	return out
}

// fieldValue looks up a single key in a mapping node.
func fieldValue(n *yaml.Node, key string) *yaml.Node {
	for _, f := range mapFields(n) {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// sequence unwraps to a sequence node's items, or nil if n isn't one.
func sequence(n *yaml.Node) []*yaml.Node {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	return n.Content
}

// scalarString decodes a scalar node as a string.
func scalarString(n *yaml.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	if n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	if n == nil || n.Kind != yaml.ScalarNode {
		return "", false
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return "", false
	}
	return s, true
}

// scalarBool decodes a scalar node as a bool.
func scalarBool(n *yaml.Node) (bool, bool) {
	if n == nil {
		return false, false
	}
	var b bool
	if err := n.Decode(&b); err != nil {
		return false, false
	}
	return b, true
}

// scalarInt decodes a scalar node as an int.
func scalarInt(n *yaml.Node) (int, bool) {
	if n == nil {
		return 0, false
	}
	var i int
	if err := n.Decode(&i); err != nil {
		return 0, false
	}
	return i, true
}

func errAt(path string, n *yaml.Node, format string, args ...any) error {
	return dfmerr.At(dfmerr.KindSchema, locOf(path, n), format, args...)
}

func requireString(path string, n *yaml.Node, what string) (string, error) {
	s, ok := scalarString(n)
	if !ok {
		return "", errAt(path, n, "expected a string for %s", what)
	}
	return s, nil
}
