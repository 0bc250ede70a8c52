package runner

import (
	"context"

	"github.com/dfateng/dfm/internal/builder"
	"github.com/dfateng/dfm/internal/dataitem"
)

// runCompound executes a compound node: the synthetic Input node runs
// first (it only propagates its own needs'
// outputs), then every child runs as the scheduler naturally sees them
// (their needs already include Input and/or siblings per
// builder.wireCompoundChildren); the compound's own result is the union
// of its terminal children's outputs, with the compound's own
// consumes/passthrough applied once more at the boundary.
func (r *Runner) runCompound(ctx context.Context, n *builder.CompoundNode) (*NodeResult, error) {
	inputRes, err := r.ensure(ctx, n.Input)
	if err != nil {
		return nil, err
	}

	terminals := builder.TerminalChildren(n)
	results := make([]*NodeResult, len(terminals))
	for i, child := range terminals {
		res, err := r.ensure(ctx, child)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}

	depM := map[string][]string{}
	changed := inputRes.Changed
	status := StatusOK
	seen := map[[2]any]bool{}
	var bodyOutput []*dataitem.Item
	names := make([]string, len(terminals))
	for i, child := range terminals {
		names[i] = child.Name()
		for k, v := range results[i].DepM {
			depM[k] = v
		}
		if results[i].Changed {
			changed = true
		}
		if results[i].Status > status {
			status = results[i].Status
		}
		for _, it := range results[i].Output {
			key := [2]any{it.Src, it.Seq}
			if seen[key] {
				continue
			}
			seen[key] = true
			bodyOutput = append(bodyOutput, it)
		}
	}
	depM[n.Name()] = names

	// The body's sink outputs are the compound's own outputs. The
	// consumes/passthrough boundary governs the items that arrived from
	// the compound's external needs (the input node's propagated set),
	// exactly as a leaf treats its upstream items.
	upstream := inputRes.Output
	delivered := applyConsumes(n.Consumes(), upstream)
	forwarded := applyPassthrough(n.Passthrough(), upstream, delivered)

	output := make([]*dataitem.Item, 0, len(forwarded)+len(bodyOutput))
	for _, it := range forwarded {
		key := [2]any{it.Src, it.Seq}
		if seen[key] {
			continue
		}
		seen[key] = true
		output = append(output, it)
	}
	output = append(output, bodyOutput...)

	return &NodeResult{
		Status:  status,
		Changed: changed,
		DepM:    depM,
		Output:  output,
	}, nil
}
