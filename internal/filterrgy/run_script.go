package filterrgy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
)

const scriptTimeout = 10 * time.Second

// scriptRunner abstracts script execution so tests can substitute a fake
// without spawning real processes.
type scriptRunner interface {
	Run(ctx context.Context, shell, body string, stdin []byte, env []string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, shell, body string, stdin []byte, env []string) ([]byte, []byte, error) {
	var cmd *exec.Cmd
	switch shell {
	case "python", "python3":
		cmd = exec.CommandContext(ctx, shell, "-c", body+"\n"+pythonFilterBootstrap)
	default:
		if shell == "" {
			shell = "sh"
		}
		cmd = exec.CommandContext(ctx, shell, "-c", body)
	}
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(stdin)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// pythonFilterBootstrap is appended to a python/python3 run body so that
// the user-supplied `filter(input_data, **params)` callable can be driven
// from stdin/stdout JSON, matching the non-python shell contract.
const pythonFilterBootstrap = `
import json, sys, os
_params = json.loads(os.environ.get("DFM_FILTER_PARAMS", "{}"))
_input = json.loads(sys.stdin.read() or "null")
_result = filter(_input, **_params)
sys.stdout.write(json.dumps(_result))
`

// runScript invokes f's run-mode body: for python/python3 the body defines a `filter(input_data, **params)`
// callable; for any other shell the piped value arrives as canonical JSON
// on stdin, params arrive as uppercased environment variables, and the
// script's stdout is parsed as JSON. A 10s timeout applies either way.
func (f *FilterDef) runScript(ev *exprlang.Evaluator, input any, params map[string]any) (any, error) {
	runner := f.runner
	if runner == nil {
		runner = execRunner{}
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("filterrgy: marshaling input for filter %q: %w", f.QualifiedName(), err)
	}

	env := os.Environ()
	if f.RunShell == "python" || f.RunShell == "python3" {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("filterrgy: marshaling params for filter %q: %w", f.QualifiedName(), err)
		}
		env = append(env, "DFM_FILTER_PARAMS="+string(paramsJSON))
	} else {
		for k, v := range params {
			env = append(env, strings.ToUpper(k)+"="+stringifyParam(v))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	stdout, stderr, err := runner.Run(ctx, f.RunShell, f.RunBody, inputJSON, env)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, dfmerr.At(dfmerr.KindTimeout, f.Loc, "filter %q timed out after %s", f.QualifiedName(), scriptTimeout)
	}
	if err != nil {
		return nil, dfmerr.At(dfmerr.KindShellFailed, f.Loc, "filter %q failed: %v (stdout=%q stderr=%q)",
			f.QualifiedName(), err, stdout, stderr)
	}

	var result any
	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(stdout, &result); err != nil {
		return nil, dfmerr.At(dfmerr.KindShellFailed, f.Loc, "filter %q produced non-JSON stdout: %v", f.QualifiedName(), err)
	}
	return result, nil
}

func stringifyParam(v any) string {
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
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
