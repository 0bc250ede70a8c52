package dataitem

import "sort"

// TopoSort performs a Kahn's-algorithm topological sort of depM (node name
// -> names it depends on), grouped into levels the way Python's `toposort`
// library does: each returned slice is a set of nodes with no remaining
// unsatisfied dependency once every prior level has been emitted. Within a
// level, names are sorted so the order is deterministic across runs
// given the same graph.
//
// A cycle in depM is a builder/runner invariant violation, not a
// recoverable condition here; TopoSort breaks out once no further
// progress is possible and appends whatever remains as a final level
// rather than looping forever.
func TopoSort(depM map[string][]string) [][]string {
	// normalize: every referenced name gets an entry, even if it has no
	// recorded dependencies of its own.
	deps := make(map[string]map[string]bool, len(depM))
	ensure := func(name string) map[string]bool {
		if d, ok := deps[name]; ok {
			return d
		}
		d := map[string]bool{}
		deps[name] = d
		return d
	}
	for name, ds := range depM {
		d := ensure(name)
		for _, dep := range ds {
			d[dep] = true
			ensure(dep)
		}
	}

	var levels [][]string
	remaining := deps
	for len(remaining) > 0 {
		var level []string
		for name, ds := range remaining {
			ready := true
			for dep := range ds {
				if _, stillThere := remaining[dep]; stillThere && dep != name {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			// Cycle: emit whatever is left, sorted, as a final level
			// rather than spinning forever.
			for name := range remaining {
				level = append(level, name)
			}
			sort.Strings(level)
			levels = append(levels, level)
			break
		}
		sort.Strings(level)
		levels = append(levels, level)
		for _, name := range level {
			delete(remaining, name)
		}
	}
	return levels
}

// Flatten concatenates TopoSort's levels into a single ordered name list.
func Flatten(levels [][]string) []string {
	var out []string
	for _, l := range levels {
		out = append(out, l...)
	}
	return out
}
