// Package process owns the tool server child process lifecycle: it writes
// the ephemeral connection config artifact, spawns the child with piped
// standard streams, watches for early exits, and tears the process down
// again. Nothing in this package parses protocol traffic; it only hands
// the raw pipes to the caller.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// SpawnError reports that the child executable could not be launched at
// all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EarlyExitError reports that the child exited within the startup grace
// window, before the protocol handshake could begin.
type EarlyExitError struct {
	Path     string
	ExitCode int
}

func (e *EarlyExitError) Error() string {
	return fmt.Sprintf("%s exited early with code %d", e.Path, e.ExitCode)
}

// Spec describes the child process to start.
type Spec struct {
	// Path is the executable to launch.
	Path string
	// Args are passed verbatim after the executable name.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// ConfigPath, when non-empty, receives Config as a JSON file before
	// the spawn. The file is removed on Terminate regardless of how the
	// process ended.
	ConfigPath string
	// Config is the payload written to ConfigPath.
	Config any
	// GraceWindow is how long Start watches for an early exit before
	// handing the process over. Defaults to 2 seconds.
	GraceWindow time.Duration

	Logger *slog.Logger
}

const defaultGraceWindow = 2 * time.Second

// Handle is a running child process. It is safe to call Terminate from a
// goroutine other than the one that called Start, and more than once.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd        *exec.Cmd
	configPath string
	logger     *slog.Logger

	exited chan struct{}

	terminateOnce sync.Once
	terminateErr  error
}

// Start launches the child described by spec. It fails with SpawnError if
// the executable cannot be launched and with EarlyExitError if the
// process dies within the grace window.
func Start(ctx context.Context, spec Spec) (*Handle, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := spec.GraceWindow
	if grace == 0 {
		grace = defaultGraceWindow
	}

	if spec.ConfigPath != "" {
		bs, err := json.MarshalIndent(spec.Config, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config artifact: %w", err)
		}
		if err := os.WriteFile(spec.ConfigPath, bs, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write config artifact: %w", err)
		}
		logger.Debug("wrote config artifact", "path", spec.ConfigPath)
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		removeArtifact(spec.ConfigPath, logger)
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeArtifact(spec.ConfigPath, logger)
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeArtifact(spec.ConfigPath, logger)
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		removeArtifact(spec.ConfigPath, logger)
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	h := &Handle{
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		cmd:        cmd,
		configPath: spec.ConfigPath,
		logger:     logger,
		exited:     make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()

	// The child gets a short window to prove it came up at all. A crash
	// inside the window is a startup failure, not a session error.
	select {
	case <-h.exited:
		removeArtifact(spec.ConfigPath, logger)
		return nil, &EarlyExitError{Path: spec.Path, ExitCode: cmd.ProcessState.ExitCode()}
	case <-time.After(grace):
	}

	logger.Debug("child process started", "path", spec.Path, "pid", cmd.Process.Pid)
	return h, nil
}

// Exited is closed once the child process has exited.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Alive reports whether the child is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Terminate stops the child: it closes stdin, sends SIGTERM, waits up to
// grace, then force-kills. The config artifact is removed no matter how
// the process ended. Terminate is idempotent; later calls return the
// first result.
func (h *Handle) Terminate(grace time.Duration) error {
	h.terminateOnce.Do(func() {
		defer removeArtifact(h.configPath, h.logger)

		_ = h.Stdin.Close()

		select {
		case <-h.exited:
			return
		default:
		}

		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Raced with the exit; nothing left to stop.
			if errors.Is(err, os.ErrProcessDone) {
				return
			}
			h.terminateErr = fmt.Errorf("failed to signal child: %w", err)
		}

		select {
		case <-h.exited:
		case <-time.After(grace):
			h.logger.Warn("child ignored SIGTERM, killing", "pid", h.cmd.Process.Pid)
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.terminateErr = fmt.Errorf("failed to kill child: %w", err)
				return
			}
			<-h.exited
		}
	})
	return h.terminateErr
}

func removeArtifact(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove config artifact", "path", path, "err", err)
	}
}
