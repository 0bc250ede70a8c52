package taskexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandPlaceholdersSubstitutesRundirSrcdirAndParams(t *testing.T) {
	body := "cc -o ${{ rundir }}/out ${{ srcdir }}/main.c -DLEVEL=${{ level }}"
	out, err := ExpandPlaceholders(body, "/run/t", "/src/t", map[string]any{"level": float64(3)})
	if err != nil {
		t.Fatalf("ExpandPlaceholders: %v", err)
	}
	want := "cc -o /run/t/out /src/t/main.c -DLEVEL=3"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestExpandPlaceholdersErrorsOnUnknownParam(t *testing.T) {
	_, err := ExpandPlaceholders("${{ nope }}", "/run", "/src", map[string]any{})
	if err == nil {
		t.Fatalf("expected error for unknown placeholder")
	}
}

func TestAssembleEnvOverlaysUpstreamOldestFirst(t *testing.T) {
	spec := Spec{
		Srcdir: "/src", Rundir: "/run",
		UpstreamEnv: []map[string]string{
			{"FOO": "old"},
			{"FOO": "new", "BAR": "baz"},
		},
	}
	env := AssembleEnv(spec)
	m := map[string]string{}
	for _, kv := range env {
		i := strings.IndexByte(kv, '=')
		m[kv[:i]] = kv[i+1:]
	}
	if m["FOO"] != "new" {
		t.Fatalf("expected later upstream env to win, got %q", m["FOO"])
	}
	if m["BAR"] != "baz" || m["TASK_SRCDIR"] != "/src" || m["TASK_RUNDIR"] != "/run" {
		t.Fatalf("missing expected env keys: %+v", m)
	}
}

func TestRunExecutesScriptAndCapturesOutput(t *testing.T) {
	rundir := t.TempDir()
	res, err := Run(context.Background(), Spec{
		TaskName: "hello",
		RunBody:  "echo hi-${{ name }}",
		Rundir:   rundir,
		Srcdir:   rundir,
		Params:   map[string]any{"name": "world"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	data, err := os.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(data), "hi-world") {
		t.Fatalf("output = %q, want substring hi-world", data)
	}
}

func TestRunNonZeroExitIsReportedAsError(t *testing.T) {
	rundir := t.TempDir()
	_, err := Run(context.Background(), Spec{
		TaskName: "fails",
		RunBody:  "exit 3",
		Rundir:   rundir,
		Srcdir:   rundir,
	})
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
}

func TestRunCancellationKillsSubprocess(t *testing.T) {
	rundir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, Spec{
			TaskName: "sleeper",
			RunBody:  "sleep 30",
			Rundir:   rundir,
			Srcdir:   rundir,
		})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}

func TestSanitizeFilenameStripsUnsafeChars(t *testing.T) {
	got := sanitizeFilename("pkg/task.name")
	if strings.ContainsAny(got, "/.") {
		t.Fatalf("expected sanitized name, got %q", got)
	}
}

func TestRunWritesScriptWithShebangForMultilineBody(t *testing.T) {
	rundir := t.TempDir()
	if _, err := Run(context.Background(), Spec{
		TaskName: "script",
		RunBody:  "true\ntrue",
		Rundir:   rundir,
		Srcdir:   rundir,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	scriptPath := filepath.Join(rundir, "script_cmd.sh")
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("reading script: %v", err)
	}
	if !strings.HasPrefix(string(data), "#!/usr/bin/env sh") {
		t.Fatalf("script missing shebang: %q", data)
	}
}

func TestRunSingleLineBodySkipsScriptFile(t *testing.T) {
	rundir := t.TempDir()
	if _, err := Run(context.Background(), Spec{
		TaskName: "oneliner",
		RunBody:  "true",
		Rundir:   rundir,
		Srcdir:   rundir,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rundir, "oneliner_cmd.sh")); !os.IsNotExist(err) {
		t.Fatalf("expected no script file for single-line body")
	}
}
