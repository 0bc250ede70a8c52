package builder

import (
	"fmt"
	"io"
	"sort"
)

// WriteDOT renders the DAG reachable from root as Graphviz dot, for
// debugging. Nodes are visited once each regardless of how many paths
// reach them.
func WriteDOT(root Node, w io.Writer) error {
	visited := map[string]bool{}
	var edges []string
	var walk func(n Node)
	walk = func(n Node) {
		if visited[n.Name()] {
			return
		}
		visited[n.Name()] = true
		for _, ne := range n.Needs() {
			style := ""
			if ne.Block {
				style = " [style=dashed]"
			}
			edges = append(edges, fmt.Sprintf("  %q -> %q%s;", n.Name(), ne.Node.Name(), style))
			walk(ne.Node)
		}
		if cn, ok := n.(*CompoundNode); ok {
			edges = append(edges, fmt.Sprintf("  %q -> %q [style=dotted];", n.Name(), cn.Input.Name()))
			walk(cn.Input)
			for _, c := range cn.Children {
				edges = append(edges, fmt.Sprintf("  %q -> %q [style=dotted];", n.Name(), c.Name()))
				walk(c)
			}
		}
	}
	walk(root)
	sort.Strings(edges)

	if _, err := fmt.Fprintln(w, "digraph dfm {"); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
