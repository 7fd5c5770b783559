package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/config"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/metrics"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/preflight"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/process"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/readiness"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/status"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/tui"
)

// shutdownSlack is added to the terminate grace to bound StopAll. It covers
// the wait after SIGKILL.
const shutdownSlack = 10 * time.Second

// Orchestrator deploys a fleet, reports the outcome and keeps the ready
// workers running until it is told to stop.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	specs   spec.Table
	version string
	out     io.Writer

	launcher      *process.Launcher
	detector      *readiness.Detector
	registry      *fleet.Registry
	scheduler     *BatchScheduler
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	reporter      *status.Reporter
	run           *status.RunState
	shutdown      *ShutdownCoordinator
	deployer      *Deployer

	dashboard *tea.Program
}

// New creates an Orchestrator for table. It fails if a readiness pattern
// does not compile.
func New(cfg *config.Config, table spec.Table, logger *slog.Logger, version string) (*Orchestrator, error) {
	matcher, err := fleetMatcher(cfg)
	if err != nil {
		return nil, err
	}

	names := table.Names()

	launcher := process.NewLauncher(process.LauncherConfig{
		BufferSize:    cfg.OutputBufferSize,
		DropThreshold: cfg.OutputDropThreshold,
	})
	detector := readiness.NewDetector(readiness.Config{
		Matcher:        matcher,
		Timeout:        cfg.StartupTimeout,
		TerminateGrace: cfg.TerminateGrace,
	})

	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version:   version,
		Workers:   len(table),
		BatchSize: cfg.BatchSize,
	})
	registry := fleet.NewRegistry(names)
	registry.OnChange(collector.ObserveFleet)

	o := &Orchestrator{
		config:    cfg,
		logger:    logger,
		specs:     table,
		version:   version,
		out:       os.Stdout,
		launcher:  launcher,
		detector:  detector,
		registry:  registry,
		scheduler: NewBatchScheduler(cfg.BatchSize, cfg.Cooldown),
		metrics:   collector,
		reporter:  status.NewReporter(cfg.StatusPath, cfg.StatusPromPath, collector.Registry(), logger),
		run:       status.NewRunState(names),
	}
	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, collector.Registry(), logger)
	}

	o.shutdown = NewShutdownCoordinator(registry, collector, logger, cfg.TerminateGrace, nil)

	o.deployer, err = NewDeployer(DeployerConfig{
		Launcher:       launcher,
		Detector:       detector,
		Registry:       registry,
		Run:            o.run,
		Metrics:        collector,
		Shutdown:       o.shutdown,
		Logger:         logger,
		Verbose:        cfg.Verbose,
		TerminateGrace: cfg.TerminateGrace,
	}, table)
	if err != nil {
		return nil, err
	}

	o.scheduler.OnBatch = o.onBatch
	return o, nil
}

func fleetMatcher(cfg *config.Config) (readiness.Matcher, error) {
	if cfg.ReadyPattern != "" {
		m, err := readiness.Regexp(cfg.ReadyPattern)
		if err != nil {
			return nil, fmt.Errorf("ready pattern: %w", err)
		}
		return m, nil
	}
	return readiness.Substrings(cfg.ReadyMarkers...), nil
}

// SetOutput redirects the preflight report and exit summary.
func (o *Orchestrator) SetOutput(w io.Writer) {
	o.out = w
}

// Run deploys the fleet, writes the status report and then waits for a
// signal on sigCh, the configured duration, the dashboard closing, or every
// ready worker exiting. All workers are stopped before it returns.
func (o *Orchestrator) Run(ctx context.Context, sigCh <-chan os.Signal) (*status.Report, error) {
	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.specs)
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return nil, fmt.Errorf("preflight checks failed (use --skip-preflight to override)")
		}
	}

	// Start metrics server
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer o.stopMetricsServer()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	o.shutdown.cancelRun = cancelRun

	stopTimeout := o.config.TerminateGrace + shutdownSlack
	go o.shutdown.Watch(ctx, sigCh, stopTimeout)

	var dashboardDone <-chan struct{}
	if o.config.TUIEnabled {
		dashboardDone = o.startDashboard()
		go func() {
			select {
			case <-dashboardDone:
				o.logger.Info("dashboard_closed")
				o.stopAll(stopTimeout)
			case <-o.shutdown.Stopped():
			}
		}()
	}

	o.logger.Info("deploy_starting",
		"workers", len(o.specs),
		"batch_size", o.scheduler.Size(),
		"batches", o.scheduler.BatchCount(len(o.specs)),
		"cooldown", o.scheduler.Cooldown().String(),
		"startup_timeout", o.detector.Timeout().String(),
		"estimated_cooldown_total", o.scheduler.EstimatedDuration(len(o.specs)).String(),
	)

	batches := o.scheduler.Run(runCtx, o.specs, o.deployer)

	report := o.run.Finalize(o.registry.Snapshot())
	o.metrics.MarkRunComplete()
	if err := o.reporter.Write(report); err != nil {
		o.logger.Error("status_report_lost", "error", err)
	}
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}
	o.sendDashboard(tui.PhaseMsg(tui.PhaseRunning))

	o.logger.Info("deploy_complete",
		"run_id", report.RunID,
		"batches", batches,
		"total", report.Total,
		"deployed", report.Deployed,
		"failed", report.Failed,
		"running", report.Running,
		"duration", time.Duration(report.Duration*float64(time.Second)).Round(time.Millisecond).String(),
	)
	o.printTally(report)

	o.wait(ctx, stopTimeout)
	o.stopAll(stopTimeout)

	if o.dashboard != nil {
		o.dashboard.Quit()
		<-dashboardDone
	}

	o.printExitSummary()
	return report, nil
}

// wait blocks until something ends the run's steady state.
func (o *Orchestrator) wait(ctx context.Context, stopTimeout time.Duration) {
	if o.registry.Counters().Running == 0 {
		o.logger.Info("no_running_workers")
		return
	}

	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		timer := time.NewTimer(o.config.Duration)
		defer timer.Stop()
		durationTimer = timer.C
	}

	select {
	case <-o.shutdown.Stopped():
	case <-o.shutdown.AllExited():
		o.logger.Info("all_workers_exited")
	case <-durationTimer:
		o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	}
}

func (o *Orchestrator) stopAll(timeout time.Duration) {
	o.sendDashboard(tui.PhaseMsg(tui.PhaseStopping))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	o.shutdown.StopAll(ctx)
}

func (o *Orchestrator) stopMetricsServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

func (o *Orchestrator) onBatch(index, count int, batch []spec.WorkerSpec) {
	o.metrics.BatchStarted(index, count)

	names := make([]string, len(batch))
	for i, w := range batch {
		names[i] = w.Name
	}
	o.logger.Info("batch_starting",
		"batch", index+1,
		"batches", count,
		"workers", names,
	)
	o.sendDashboard(tui.BatchMsg{Index: index, Count: count})
}

func (o *Orchestrator) startDashboard() <-chan struct{} {
	model := tui.New(tui.Config{
		Version:     o.version,
		Workers:     len(o.specs),
		BatchSize:   o.scheduler.Size(),
		Batches:     o.scheduler.BatchCount(len(o.specs)),
		MetricsAddr: o.config.MetricsAddr,
		StatusPath:  o.config.StatusPath,
		Fleet:       o.registry,
		Stats:       o.metrics,
	})
	o.dashboard = tea.NewProgram(model, tea.WithAltScreen())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := o.dashboard.Run(); err != nil {
			o.logger.Error("dashboard_error", "error", err)
		}
	}()
	return done
}

func (o *Orchestrator) sendDashboard(msg tea.Msg) {
	if o.dashboard != nil {
		o.dashboard.Send(msg)
	}
}

// printTally prints the post-deploy counts.
func (o *Orchestrator) printTally(rep *status.Report) {
	if o.dashboard != nil {
		return
	}
	fmt.Fprintln(o.out)
	fmt.Fprintf(o.out, "Deployed %d of %d workers (%d failed, %d running)\n",
		rep.Deployed, rep.Total, rep.Failed, rep.Running)
	fmt.Fprintf(o.out, "Status written to %s\n", o.reporter.Path())
	if rep.Running > 0 {
		fmt.Fprintln(o.out, "Press Ctrl+C to stop.")
	}
	fmt.Fprintln(o.out)
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()
	w := o.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                    fleet-orchestrator Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Workers:                %d\n", summary.Counters.Total)
	fmt.Fprintf(w, "Deployed:               %d\n", summary.Counters.Deployed)
	fmt.Fprintf(w, "Failed:                 %d\n", summary.Counters.Failed)
	fmt.Fprintf(w, "Batches:                %d\n", summary.Batches)
	fmt.Fprintf(w, "Peak Running:           %d\n", summary.PeakRunning)
	fmt.Fprintln(w)

	if summary.StartupSamples > 0 {
		fmt.Fprintln(w, "Startup Latency:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", summary.StartupP50.Round(time.Millisecond))
		fmt.Fprintf(w, "  P95:                  %s\n", summary.StartupP95.Round(time.Millisecond))
		fmt.Fprintf(w, "  P99:                  %s\n", summary.StartupP99.Round(time.Millisecond))
		fmt.Fprintf(w, "  Max:                  %s\n", summary.StartupMax.Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	if len(summary.FailReasons) > 0 {
		fmt.Fprintln(w, "Failures:")
		reasons := make([]string, 0, len(summary.FailReasons))
		for r := range summary.FailReasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(w, "  %-20s %d\n", r, summary.FailReasons[r])
		}
		fmt.Fprintln(w)
	}

	if len(summary.ExitCodes) > 0 {
		fmt.Fprintln(w, "Exit Codes:")
		codes := make([]int, 0, len(summary.ExitCodes))
		for code := range summary.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "  %3d %-16s %d\n", code, exitCodeLabel(code), summary.ExitCodes[code])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Status file:            %s\n", o.reporter.Path())
	if o.metricsServer != nil {
		fmt.Fprintf(w, "Metrics endpoint was:   http://%s/metrics\n", o.metricsServer.Addr())
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// Registry returns the fleet registry.
func (o *Orchestrator) Registry() *fleet.Registry {
	return o.registry
}

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Shutdown returns the shutdown coordinator.
func (o *Orchestrator) Shutdown() *ShutdownCoordinator {
	return o.shutdown
}
