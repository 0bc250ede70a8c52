package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dfateng/dfm/internal/builder"
	"github.com/dfateng/dfm/internal/dataitem"
	"github.com/dfateng/dfm/internal/dfmerr"
)

// execDataSummary is the shape serialized to `<taskname>.exec_data.json`:
// name, status, changed, resolved params, forwarded inputs, outputs,
// memento, markers.
type execDataSummary struct {
	Name    string          `json:"name"`
	Status  string          `json:"status"`
	Changed bool            `json:"changed"`
	Params  map[string]any  `json:"params"`
	Inputs  []map[string]any `json:"inputs"`
	Outputs []map[string]any `json:"outputs"`
	Memento json.RawMessage `json:"memento,omitempty"`
	Markers []dfmerr.Marker `json:"markers,omitempty"`
}

// writeExecData atomically writes the per-task execution summary: write
// to a temp file under the rundir, then rename over the final path.
func writeExecData(n *builder.LeafNode, in TaskDataInput, nr *NodeResult) error {
	summary := execDataSummary{
		Name:    n.Name(),
		Status:  nr.Status.String(),
		Changed: nr.Changed,
		Params:  in.Params,
		Inputs:  itemMaps(in.Inputs),
		Outputs: itemMaps(nr.Output),
		Memento: nr.Memento,
		Markers: nr.Markers,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return dfmerr.Wrap(dfmerr.KindIOError, err, "marshaling exec_data for %q", n.Name())
	}

	finalPath := filepath.Join(n.Rundir(), sanitize(n.Name())+".exec_data.json")
	tmp, err := os.CreateTemp(n.Rundir(), ".exec_data-*.tmp")
	if err != nil {
		return dfmerr.Wrap(dfmerr.KindIOError, err, "creating temp exec_data file for %q", n.Name())
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return dfmerr.Wrap(dfmerr.KindIOError, err, "writing exec_data for %q", n.Name())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return dfmerr.Wrap(dfmerr.KindIOError, err, "closing exec_data for %q", n.Name())
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return dfmerr.Wrap(dfmerr.KindIOError, err, "renaming exec_data for %q", n.Name())
	}
	return nil
}

func itemMaps(items []*dataitem.Item) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = it.AsMap()
	}
	return out
}

func sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
