// Package proc supervises the external tools of a test run: spawn with
// output redirected to a log file, wait, stop on the shared halt signal,
// and report an exit code with optional masking.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hil-tools/dutctl/internal/halt"
)

// Spec describes one supervised process.
type Spec struct {
	// Name identifies the process in logs and error messages.
	Name string
	// Argv is the full command line; Argv[0] is the binary.
	Argv []string
	// OutputPath receives the combined stdout+stderr, truncated on start.
	// Parent directories are created as needed.
	OutputPath string
	// PollPeriod drives the liveness heartbeat in the debug log. Must be
	// positive.
	PollPeriod time.Duration
	// StopSignal is sent when the halt signal asserts; nil means SIGTERM.
	StopSignal os.Signal
	// MaskExit, when non-nil, remaps that observed exit code to 0. This
	// absorbs the expected exit code produced by the stop signal for
	// specific tools.
	MaskExit *int
}

// Supervise runs one process to completion. A process that cannot be
// spawned is a fatal error for the whole run and is returned as such; an
// exited process always yields its (possibly masked) exit code.
//
// Propagation rule: if the process exits before the halt signal is set,
// Supervise asserts the signal so sibling tasks unwind.
func Supervise(ctx context.Context, sig *halt.Signal, spec Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, fmt.Errorf("process %s: empty argv", spec.Name)
	}
	if spec.PollPeriod <= 0 {
		return 0, fmt.Errorf("process %s: poll period must be positive", spec.Name)
	}

	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return 0, fmt.Errorf("process %s: creating log directory: %w", spec.Name, err)
	}
	out, err := os.Create(spec.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("process %s: creating output log: %w", spec.Name, err)
	}
	defer func() {
		_ = out.Close()
	}()

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("process %s: spawning %q: %w", spec.Name, spec.Argv[0], err)
	}
	slog.InfoContext(ctx, "process started",
		"name", spec.Name, "pid", cmd.Process.Pid, "log", spec.OutputPath)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	heartbeat := time.NewTicker(spec.PollPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case werr := <-waitCh:
			// Exited on its own; first to finish asserts for everyone.
			if !sig.IsSet() {
				slog.InfoContext(ctx, "process ended, terminating run", "name", spec.Name)
				sig.Assert()
			}
			return reportExit(ctx, spec, cmd, werr)
		case <-sig.Done():
			stop := spec.StopSignal
			if stop == nil {
				stop = syscall.SIGTERM
			}
			slog.InfoContext(ctx, "stopping process",
				"name", spec.Name, "signal", fmt.Sprint(stop))
			if err := cmd.Process.Signal(stop); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.ErrorContext(ctx, "stopping process failed",
					"name", spec.Name, "error", err)
			}
			return reportExit(ctx, spec, cmd, <-waitCh)
		case <-heartbeat.C:
			slog.DebugContext(ctx, "process alive", "name", spec.Name, "pid", cmd.Process.Pid)
		}
	}
}

func reportExit(ctx context.Context, spec Spec, cmd *exec.Cmd, werr error) (int, error) {
	var exitErr *exec.ExitError
	if werr != nil && !errors.As(werr, &exitErr) {
		return 0, fmt.Errorf("process %s: waiting: %w", spec.Name, werr)
	}

	code := exitCode(cmd.ProcessState)
	if spec.MaskExit != nil && code == *spec.MaskExit {
		slog.DebugContext(ctx, "masking expected exit code",
			"name", spec.Name, "code", code)
		code = 0
	}
	slog.InfoContext(ctx, "process exited", "name", spec.Name, "code", code)
	return code, nil
}

// exitCode mirrors the POSIX shell convention extended with negative codes
// for signal deaths, so a SIGTERM kill reports -15 and can be masked.
func exitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
