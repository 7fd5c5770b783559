package process

import (
	"errors"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/parser"
)

// ErrForceKilled is returned by Terminate when the worker ignored SIGTERM
// for the whole grace period and had to be killed.
var ErrForceKilled = errors.New("process did not exit gracefully")

// killWait bounds how long Terminate waits for a SIGKILLed process to be reaped.
const killWait = 5 * time.Second

// Handle is a running worker process. It is created by Launcher.Launch and
// owned by whoever records it in the fleet registry.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startTime time.Time

	stdout *parser.Pipeline
	stderr *parser.Pipeline

	done     chan struct{}
	exitCode int
	waitErr  error
	uptime   time.Duration

	terminating atomic.Bool
}

// wait reaps the process. Runs once per handle.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.waitErr = err
	h.exitCode = extractExitCode(err)
	h.uptime = time.Since(h.startTime)
	close(h.done)
}

// Name returns the worker name.
func (h *Handle) Name() string { return h.name }

// Pid returns the process id.
func (h *Handle) Pid() int { return h.pid }

// Stdout returns the stdout line pipeline.
func (h *Handle) Stdout() *parser.Pipeline { return h.stdout }

// Stderr returns the stderr line pipeline.
func (h *Handle) Stderr() *parser.Pipeline { return h.stderr }

// Done is closed when the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited, without blocking.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, 128+N for death by signal N.
// Only meaningful after Done is closed.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Err returns the error from waiting on the process, nil on a clean exit.
func (h *Handle) Err() error {
	<-h.done
	return h.waitErr
}

// Uptime returns how long the process ran, or has been running so far.
func (h *Handle) Uptime() time.Duration {
	if h.Exited() {
		return h.uptime
	}
	return time.Since(h.startTime)
}

// TerminationRequested reports whether Terminate has been called, which
// separates requested stops from the worker exiting on its own.
func (h *Handle) TerminationRequested() bool {
	return h.terminating.Load()
}

// Terminate sends SIGTERM to the worker's process group and waits up to
// grace for it to exit, then sends SIGKILL. Safe to call concurrently and
// after the process has already exited.
func (h *Handle) Terminate(grace time.Duration) error {
	h.terminating.Store(true)

	if h.Exited() {
		return nil
	}
	h.signal(unix.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.signal(unix.SIGKILL)

	select {
	case <-h.done:
	case <-time.After(killWait):
	}
	return ErrForceKilled
}

// signal delivers sig to the worker's process group. Launch starts every
// worker with Setpgid, so the group id is the pid and needs no lookup.
// If the group is already gone only the process itself is tried;
// os.Process refuses to signal a reaped child.
func (h *Handle) signal(sig syscall.Signal) {
	if unix.Kill(-h.pid, sig) == nil {
		return
	}
	_ = h.cmd.Process.Signal(sig)
}

// extractExitCode derives an exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	return 1
}

// ExitCategory groups exit codes for reporting: "success", "signal" or "error".
func ExitCategory(code int) string {
	switch {
	case code == 0:
		return "success"
	case code > 128:
		return "signal"
	default:
		return "error"
	}
}
