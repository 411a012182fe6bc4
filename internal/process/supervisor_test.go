package process_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/process"
)

func startShell(t *testing.T, script string, spec process.Spec) *process.Handle {
	t.Helper()
	spec.Path = "/bin/sh"
	spec.Args = []string{"-c", script}
	if spec.GraceWindow == 0 {
		spec.GraceWindow = 100 * time.Millisecond
	}
	h, err := process.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.Terminate(time.Second) })
	return h
}

func TestStartSpawnError(t *testing.T) {
	_, err := process.Start(context.Background(), process.Spec{
		Path:        filepath.Join(t.TempDir(), "no-such-binary"),
		GraceWindow: 50 * time.Millisecond,
	})
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want SpawnError", err)
	}
}

func TestStartEarlyExit(t *testing.T) {
	_, err := process.Start(context.Background(), process.Spec{
		Path:        "/bin/sh",
		Args:        []string{"-c", "exit 3"},
		GraceWindow: time.Second,
	})
	var exitErr *process.EarlyExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want EarlyExitError", err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", exitErr.ExitCode)
	}
}

func TestStartPipesWired(t *testing.T) {
	h := startShell(t, `read line; echo "got $line"; echo "oops" >&2`, process.Spec{})

	if _, err := io.WriteString(h.Stdin, "hello\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	out := bufio.NewScanner(h.Stdout)
	if !out.Scan() {
		t.Fatalf("read stdout: %v", out.Err())
	}
	if out.Text() != "got hello" {
		t.Errorf("stdout = %q, want %q", out.Text(), "got hello")
	}
	errs := bufio.NewScanner(h.Stderr)
	if !errs.Scan() {
		t.Fatalf("read stderr: %v", errs.Err())
	}
	if errs.Text() != "oops" {
		t.Errorf("stderr = %q, want %q", errs.Text(), "oops")
	}
}

func TestConfigArtifactLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.json")
	h := startShell(t, "sleep 5", process.Spec{
		ConfigPath: path,
		Config:     map[string]string{"server": "localhost", "database": "sales"},
	})

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if len(bs) == 0 {
		t.Fatal("artifact is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("artifact mode = %o, want 600", perm)
	}

	if err := h.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact still present after Terminate: %v", err)
	}
}

func TestEarlyExitRemovesArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.json")
	_, err := process.Start(context.Background(), process.Spec{
		Path:        "/bin/sh",
		Args:        []string{"-c", "exit 1"},
		ConfigPath:  path,
		Config:      map[string]string{"server": "localhost"},
		GraceWindow: time.Second,
	})
	var exitErr *process.EarlyExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want EarlyExitError", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact still present after early exit: %v", err)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	h := startShell(t, "sleep 5", process.Spec{})

	if err := h.Terminate(time.Second); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if err := h.Terminate(time.Second); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if h.Alive() {
		t.Error("child still alive after Terminate")
	}
}

func TestTerminateKillsStubbornChild(t *testing.T) {
	// The child traps SIGTERM and keeps running, so Terminate has to
	// escalate to SIGKILL after the grace window.
	h := startShell(t, `trap "" TERM; sleep 30`, process.Spec{})

	start := time.Now()
	if err := h.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Terminate took %v", elapsed)
	}

	select {
	case <-h.Exited():
	case <-time.After(time.Second):
		t.Error("Exited channel never closed")
	}
}

func TestEnvPassedToChild(t *testing.T) {
	h := startShell(t, `echo "$AGENT_TEST_VALUE"; sleep 5`, process.Spec{
		Env: []string{"AGENT_TEST_VALUE=orange"},
	})

	out := bufio.NewScanner(h.Stdout)
	if !out.Scan() {
		t.Fatalf("read stdout: %v", out.Err())
	}
	if out.Text() != "orange" {
		t.Errorf("env value = %q, want orange", out.Text())
	}
}
