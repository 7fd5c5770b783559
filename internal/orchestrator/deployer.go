package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/logging"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/metrics"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/parser"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/process"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/readiness"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/status"
)

// recentLines is how many lines per stream a failure report carries.
const recentLines = 5

// stderrSettle bounds the wait for a dead worker's stderr before its
// failure is logged.
const stderrSettle = 200 * time.Millisecond

// DeployerConfig holds the collaborators of a Deployer.
type DeployerConfig struct {
	Launcher *process.Launcher
	Detector *readiness.Detector
	Registry *fleet.Registry
	Run      *status.RunState
	Metrics  *metrics.Collector
	Shutdown *ShutdownCoordinator
	Logger   *slog.Logger

	// Verbose logs every worker output line instead of warnings only.
	Verbose bool

	// TerminateGrace is used for workers that turn ready after shutdown began.
	TerminateGrace time.Duration
}

// Deployer takes one worker from spec to settled outcome: launch, await
// readiness, then record the result. It implements Unit.
type Deployer struct {
	launcher *process.Launcher
	detector *readiness.Detector
	registry *fleet.Registry
	run      *status.RunState
	metrics  *metrics.Collector
	shutdown *ShutdownCoordinator
	logger   *slog.Logger
	verbose  bool
	grace    time.Duration

	// Per-worker readiness overrides, compiled up front.
	matchers map[string]readiness.Matcher
}

// NewDeployer creates a Deployer for table. It fails if a worker's ready
// pattern does not compile.
func NewDeployer(cfg DeployerConfig, table spec.Table) (*Deployer, error) {
	matchers := make(map[string]readiness.Matcher)
	for _, w := range table {
		if w.Ready == "" {
			continue
		}
		m, err := readiness.Regexp(w.Ready)
		if err != nil {
			return nil, fmt.Errorf("worker %q: %w", w.Name, err)
		}
		matchers[w.Name] = m
	}

	grace := cfg.TerminateGrace
	if grace <= 0 {
		grace = readiness.DefaultTerminateGrace
	}

	return &Deployer{
		launcher: cfg.Launcher,
		detector: cfg.Detector,
		registry: cfg.Registry,
		run:      cfg.Run,
		metrics:  cfg.Metrics,
		shutdown: cfg.Shutdown,
		logger:   cfg.Logger,
		verbose:  cfg.Verbose,
		grace:    grace,
		matchers: matchers,
	}, nil
}

// Deploy launches w and blocks until it is ready or has failed.
func (d *Deployer) Deploy(ctx context.Context, w spec.WorkerSpec) {
	detector := d.detectorFor(w.Name)
	h, err := d.launcher.Launch(w, process.WatchStdout(detector.Matcher().Match))
	if err != nil {
		d.fail(w, failure{reason: metrics.ReasonLaunchError, err: err})
		return
	}
	d.registry.MarkLaunching(w.Name)
	d.logger.Debug("worker_launched",
		"worker", w.Name,
		"pid", h.Pid(),
		"command", w.CommandString(),
	)

	stdout := logging.NewOutputHandler(w.Name, "stdout", d.logger, d.verbose)
	stderr := logging.NewOutputHandler(w.Name, "stderr", d.logger, d.verbose)
	go h.Stderr().RunParser(stderr)
	go d.recordStreams(h)

	res := detector.WithOnLine(stdout.ParseLine).Await(ctx, h)

	// Keep draining stdout for the rest of the worker's life.
	go h.Stdout().RunParser(stdout)

	if !res.Ready() {
		f := failure{
			reason:  reasonFor(res.Outcome),
			latency: res.Latency,
			pid:     h.Pid(),
			err:     res.Err,
			stdout:  stdout,
			stderr:  stderr,
		}
		if res.Outcome == readiness.OutcomeExited {
			code := res.ExitCode
			f.exitCode = &code
			select {
			case <-h.Stderr().Closed():
			case <-time.After(stderrSettle):
			}
		}
		d.fail(w, f)
		return
	}

	if err := d.registry.RecordReady(w.Name, h); err != nil {
		// Shutdown began while the worker was starting; nobody else will
		// stop it.
		if termErr := h.Terminate(d.grace); termErr != nil {
			d.logger.Warn("worker_terminate_error", "worker", w.Name, "error", termErr)
		}
		d.fail(w, failure{
			reason:  metrics.ReasonCancelled,
			latency: res.Latency,
			pid:     h.Pid(),
			err:     err,
		})
		return
	}

	d.metrics.RecordReady(res.Latency)
	d.run.Record(status.Result{
		Name:      w.Name,
		Outcome:   status.OutcomeReady,
		Pid:       h.Pid(),
		StartupMS: res.Latency.Milliseconds(),
	})
	d.logger.Info("worker_ready",
		"worker", w.Name,
		"pid", h.Pid(),
		"port", w.Port,
		"startup_ms", res.Latency.Milliseconds(),
		"line", res.Line,
	)

	d.shutdown.Track(w.Name, h)
}

// Skip records w as failed without launching it.
func (d *Deployer) Skip(w spec.WorkerSpec) {
	d.fail(w, failure{reason: metrics.ReasonCancelled, err: context.Canceled, skipped: true})
}

func (d *Deployer) detectorFor(name string) *readiness.Detector {
	if m, ok := d.matchers[name]; ok {
		return d.detector.WithMatcher(m)
	}
	return d.detector
}

type failure struct {
	reason   string
	latency  time.Duration
	pid      int
	exitCode *int
	err      error
	skipped  bool
	stdout   *logging.OutputHandler
	stderr   *logging.OutputHandler
}

func (d *Deployer) fail(w spec.WorkerSpec, f failure) {
	d.registry.RecordFailure(w.Name)
	d.metrics.RecordFailure(f.reason, f.latency)

	res := status.Result{
		Name:      w.Name,
		Outcome:   status.OutcomeFailed,
		Reason:    f.reason,
		Pid:       f.pid,
		StartupMS: f.latency.Milliseconds(),
		ExitCode:  f.exitCode,
	}
	if f.err != nil {
		res.Error = f.err.Error()
	}
	d.run.Record(res)

	attrs := []any{
		"worker", w.Name,
		"reason", f.reason,
		"command", w.CommandString(),
	}
	if f.err != nil {
		attrs = append(attrs, "error", f.err)
	}
	if f.exitCode != nil {
		attrs = append(attrs, "exit_code", *f.exitCode)
	}
	if f.stdout != nil {
		if lines := f.stdout.RecentLines(recentLines); len(lines) > 0 {
			attrs = append(attrs, "recent_stdout", lines)
		}
	}
	if f.stderr != nil {
		if lines := f.stderr.RecentLines(recentLines); len(lines) > 0 {
			attrs = append(attrs, "recent_stderr", lines)
		}
	}

	if f.skipped {
		d.logger.Info("worker_skipped", attrs...)
		return
	}
	d.logger.Error("worker_failed", attrs...)
}

// recordStreams adds a worker's line counts to the metrics once both of its
// streams have closed.
func (d *Deployer) recordStreams(h *process.Handle) {
	for _, p := range []*parser.Pipeline{h.Stdout(), h.Stderr()} {
		<-p.Closed()
		read, dropped, _ := p.Stats()
		d.metrics.RecordStream(p.Stream(), read, dropped)
	}
}

func reasonFor(o readiness.Outcome) string {
	switch o {
	case readiness.OutcomeTimedOut:
		return metrics.ReasonTimeout
	case readiness.OutcomeExited:
		return metrics.ReasonExited
	default:
		return metrics.ReasonCancelled
	}
}
