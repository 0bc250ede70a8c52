// Package taskexec launches the OS subprocess backing a shell-implemented
// leaf TaskNode: placeholder expansion, environment assembly, a merged
// stdout+stderr capture file, and PID-based kill with SIGTERM-then-
// SIGKILL escalation.
package taskexec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dfateng/dfm/internal/dfmerr"
)

// killGrace is how long a SIGTERM'd subprocess gets before SIGKILL.
const killGrace = 5 * time.Second

var placeholderRe = regexp.MustCompile(`\$\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Spec describes one subprocess invocation: the task's shell body plus
// everything needed to assemble its environment and rundir.
type Spec struct {
	TaskName string
	Shell    string // interpreter, e.g. "sh", "bash"; defaults to "sh"
	RunBody  string // may be multi-line
	Srcdir   string
	Rundir   string
	Params   map[string]any
	// UpstreamEnv carries any std.Env items forwarded from dependencies,
	// oldest-first (later entries win on key collision), overlaid onto
	// the inherited process environment.
	UpstreamEnv []map[string]string
	// Makeflags, when non-empty, is exported so a sub-make invoked by
	// the task body joins this run's jobserver pool.
	Makeflags string
	Timeout   time.Duration

	Logger *slog.Logger
}

// Result is what the runner needs back from a completed subprocess run.
// Output data items can only come from a registered Go callable, not a
// shell body, so they are absent here.
type Result struct {
	ExitCode   int
	OutputPath string
	Duration   time.Duration
}

// Run expands placeholders in spec.RunBody, materializes a multi-line
// body as a script file under Rundir (a single-line body is passed to
// the shell with -c), assembles the environment, and executes it,
// honoring ctx cancellation with SIGTERM-then-SIGKILL escalation.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	log := spec.Logger
	if log == nil {
		log = slog.Default()
	}
	if spec.Shell == "" {
		spec.Shell = "sh"
	}
	if err := os.MkdirAll(spec.Rundir, 0o755); err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "taskexec: mkdir rundir %q", spec.Rundir)
	}

	expanded, err := ExpandPlaceholders(spec.RunBody, spec.Rundir, spec.Srcdir, spec.Params)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindSchema, err, "taskexec: expanding %q body", spec.TaskName)
	}

	// A multi-line body is materialized as an executable script with a
	// shebang matching the task's shell; a single-line body goes to the
	// shell directly.
	var cmdArgs []string
	if strings.ContainsRune(expanded, '\n') {
		scriptPath := filepath.Join(spec.Rundir, sanitizeFilename(spec.TaskName)+"_cmd.sh")
		script := "#!/usr/bin/env " + spec.Shell + "\nset -e\n" + expanded + "\n"
		if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
			return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "taskexec: writing script %q", scriptPath)
		}
		cmdArgs = []string{scriptPath}
	} else {
		cmdArgs = []string{"-c", expanded}
	}

	outPath := filepath.Join(spec.Rundir, sanitizeFilename(spec.TaskName)+".log")
	outFile, err := os.Create(outPath)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "taskexec: creating output file %q", outPath)
	}
	defer outFile.Close()

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Shell, cmdArgs...)
	cmd.Dir = spec.Rundir
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	cmd.Env = AssembleEnv(spec)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindShellFailed, err, "taskexec: starting %q", spec.TaskName)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return resultFromWait(spec.TaskName, outPath, time.Since(start), err)
	case <-runCtx.Done():
		killWithEscalation(cmd.Process.Pid, log)
		<-done
		return &Result{ExitCode: -1, OutputPath: outPath, Duration: time.Since(start)},
			dfmerr.Wrap(dfmerr.KindTimeout, runCtx.Err(), "taskexec: %q cancelled", spec.TaskName)
	}
}

func resultFromWait(name, outPath string, dur time.Duration, err error) (*Result, error) {
	if err == nil {
		return &Result{ExitCode: 0, OutputPath: outPath, Duration: dur}, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &Result{ExitCode: exitErr.ExitCode(), OutputPath: outPath, Duration: dur},
			dfmerr.At(dfmerr.KindShellFailed, dfmerr.Loc{}, "task %q exited %d", name, exitErr.ExitCode())
	}
	return &Result{ExitCode: -1, OutputPath: outPath, Duration: dur},
		dfmerr.Wrap(dfmerr.KindShellFailed, err, "task %q failed to run", name)
}

// killWithEscalation sends SIGTERM, polls for up to killGrace, then
// SIGKILLs; ESRCH (already exited) is not an error.
func killWithEscalation(pid int, log *slog.Logger) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err != syscall.ESRCH {
			log.Warn("taskexec: SIGTERM failed", "pid", pid, "error", err)
		}
		return
	}
	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			log.Warn("taskexec: SIGKILL failed", "pid", pid, "error", err)
		}
	}
}

// ExpandPlaceholders replaces `${{ rundir }}`, `${{ srcdir }}`, and
// `${{ <param> }}` occurrences in body with their string forms. This is
// a second pass, applied after the expression evaluator has already
// resolved every param value to a concrete Go value.
func ExpandPlaceholders(body, rundir, srcdir string, params map[string]any) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		switch name {
		case "rundir":
			return rundir
		case "srcdir":
			return srcdir
		default:
			v, ok := params[name]
			if !ok {
				if firstErr == nil {
					firstErr = dfmerr.New(dfmerr.KindNameNotFound, "placeholder %q not found in params", name)
				}
				return m
			}
			return stringify(v)
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// AssembleEnv builds the subprocess environment: the inherited process
// environment, overlaid with every upstream std.Env item oldest-first (so
// a later dependency's value wins on key collision), plus the fixed
// TASK_SRCDIR/TASK_RUNDIR/MAKEFLAGS keys.
func AssembleEnv(spec Spec) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for _, upstream := range spec.UpstreamEnv {
		for k, v := range upstream {
			merged[k] = v
		}
	}
	merged["TASK_SRCDIR"] = spec.Srcdir
	merged["TASK_RUNDIR"] = spec.Rundir
	if spec.Makeflags != "" {
		merged["MAKEFLAGS"] = spec.Makeflags
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func sanitizeFilename(name string) string {
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
