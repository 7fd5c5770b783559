// Package process launches and terminates worker processes.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/parser"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
)

// LaunchError reports that the OS refused to create a worker process.
type LaunchError struct {
	Worker  string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s (%s): %v", e.Worker, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	// Environ is the ambient environment workers inherit.
	// Nil means os.Environ() at launch time.
	Environ []string

	// Per-stream line buffering (see parser.NewPipeline).
	BufferSize    int
	DropThreshold float64
}

// Launcher starts worker processes from specs.
type Launcher struct {
	environ       []string
	bufferSize    int
	dropThreshold float64
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	return &Launcher{
		environ:       cfg.Environ,
		bufferSize:    cfg.BufferSize,
		dropThreshold: cfg.DropThreshold,
	}
}

// Command builds the command for a spec without starting it.
// Stdin is left unconnected. The child gets its own process group so the
// whole worker tree can be signalled together.
func (l *Launcher) Command(w spec.WorkerSpec) *exec.Cmd {
	base := l.environ
	if base == nil {
		base = os.Environ()
	}

	cmd := exec.Command(w.Command, w.Args...)
	cmd.Env = MergeEnv(base, w.Env)
	cmd.Dir = w.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// LaunchOption adjusts a worker's handle before its output is read.
type LaunchOption func(h *Handle)

// WatchStdout catches the first stdout line accepted by match ahead of the
// lossy buffer. See parser.Pipeline.Watch.
func WatchStdout(match func(line string) bool) LaunchOption {
	return func(h *Handle) {
		h.stdout.Watch(match)
	}
}

// Launch starts the worker described by w.
//
// Stdout and stderr are read through anonymous pipes into lossy line
// pipelines; the caller must consume Stdout().Lines() or let it drop.
// Exit is observed independently of the pipes and reported via Done().
// If the process cannot be created, a *LaunchError is returned and no
// handle exists.
func (l *Launcher) Launch(w spec.WorkerSpec, opts ...LaunchOption) (*Handle, error) {
	cmd := l.Command(w)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Worker: w.Name, Command: w.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &LaunchError{Worker: w.Name, Command: w.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()

	// The child owns its copies now. Closing ours makes EOF arrive when
	// the worker tree exits.
	stdoutW.Close()
	stderrW.Close()

	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, &LaunchError{Worker: w.Name, Command: w.Command, Err: startErr}
	}

	h := &Handle{
		name:      w.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startTime: time.Now(),
		stdout:    parser.NewPipeline(w.Name, "stdout", l.bufferSize, l.dropThreshold),
		stderr:    parser.NewPipeline(w.Name, "stderr", l.bufferSize, l.dropThreshold),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	go h.stdout.RunReader(stdoutR)
	go h.stderr.RunReader(stderrR)
	go h.wait()

	return h, nil
}
