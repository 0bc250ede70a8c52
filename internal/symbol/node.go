package symbol

import (
	"github.com/dfateng/dfm/internal/dfmerr"
)

// Node is implemented by both Task and Type: anything that can appear as
// a `uses` parent and contribute ParamDefs to a merged schema.
type Node interface {
	QualifiedName() string
	LocalParams() []ParamDef
	UsesNode() Node
}

// UsesChain walks n's `uses` pointer back to its root, returning the
// chain in base-to-leaf order (root first, n last) as required by the
// "outer-most override wins" merge rule. It fails with
// dfmerr.KindCycle if a node is revisited.
func UsesChain(n Node) ([]Node, error) {
	var chain []Node
	seen := map[string]bool{}
	cur := n
	for cur != nil {
		qn := cur.QualifiedName()
		if seen[qn] {
			return nil, dfmerr.New(dfmerr.KindCycle, "cycle in uses chain at %q", qn)
		}
		seen[qn] = true
		chain = append(chain, cur)
		cur = cur.UsesNode()
	}
	// reverse into base-to-leaf order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// CheckParamDecls walks a base-to-leaf chain verifying that every field
// mentioned in a local `with:` either declares a type or overrides a
// field some ancestor introduced. A bare override of a field nobody
// declared fails at the offending field's source location.
func CheckParamDecls(chain []Node) error {
	declared := map[string]bool{}
	for _, level := range chain {
		for _, p := range level.LocalParams() {
			if p.Declared {
				declared[p.Name] = true
				continue
			}
			if !declared[p.Name] {
				return dfmerr.At(dfmerr.KindSchema, p.Loc,
					"parameter %q overrides nothing: no ancestor declares it and it has no type", p.Name)
			}
		}
	}
	return nil
}

// MergeParamDefs merges a base-to-leaf chain's ParamDefs per the
// "outer-most override wins" rule: walking base to leaf, each level's
// mention of a field replaces the prior value (except append/prepend
// directives, which concatenate onto the inherited Default instead of
// replacing it); fields introduced partway through the chain become
// visible to every subsequent (more-derived) level.
func MergeParamDefs(chain []Node) []ParamDef {
	order := make([]string, 0, 8)
	byName := map[string]ParamDef{}
	for _, level := range chain {
		for _, p := range level.LocalParams() {
			prior, exists := byName[p.Name]
			if !exists {
				order = append(order, p.Name)
				byName[p.Name] = p
				continue
			}
			merged := p
			switch {
			case p.Append && prior.Default != nil && p.Default != nil:
				c := Concat(*prior.Default, *p.Default)
				merged.Default = &c
			case p.Prepend && prior.Default != nil && p.Default != nil:
				c := Concat(*p.Default, *prior.Default)
				merged.Default = &c
			case p.PathAppend && prior.Default != nil && p.Default != nil:
				c := ConcatPath(*prior.Default, *p.Default)
				merged.Default = &c
			case p.PathPrepend && prior.Default != nil && p.Default != nil:
				c := ConcatPath(*p.Default, *prior.Default)
				merged.Default = &c
			}
			byName[p.Name] = merged
		}
	}
	out := make([]ParamDef, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}
