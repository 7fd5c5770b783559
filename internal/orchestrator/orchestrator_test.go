package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/config"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/metrics"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/status"
)

const serverScript = `echo "booting"; echo "Server running on port $PORT"; exec sleep 30`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SkipPreflight = true
	cfg.MetricsAddr = ""
	cfg.StatusPath = filepath.Join(t.TempDir(), "fleet-status.json")
	cfg.Cooldown = 10 * time.Millisecond
	cfg.StartupTimeout = 2 * time.Second
	cfg.TerminateGrace = time.Second
	return cfg
}

func shellWorker(name string, port int, script string) spec.WorkerSpec {
	return spec.WorkerSpec{
		Name:    name,
		Port:    port,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Env:     map[string]string{"PORT": fmt.Sprint(port)},
	}
}

func serverTable(n int) spec.Table {
	table := make(spec.Table, n)
	for i := range table {
		table[i] = shellWorker(fmt.Sprintf("srv-%02d", i), 9000+i, serverScript)
	}
	return table
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, table spec.Table) *Orchestrator {
	t.Helper()
	o, err := New(cfg, table, discardLogger(), "test")
	require.NoError(t, err)
	o.SetOutput(io.Discard)
	return o
}

type runResult struct {
	report *status.Report
	err    error
}

// startRun runs o in the background.
func startRun(o *Orchestrator, sigCh <-chan os.Signal) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		rep, err := o.Run(context.Background(), sigCh)
		done <- runResult{rep, err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult, timeout time.Duration) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(timeout):
		t.Fatalf("Run did not return within %v", timeout)
		return runResult{}
	}
}

func waitSettled(t *testing.T, o *Orchestrator, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Registry().Counters().Settled() >= n
	}, 15*time.Second, 10*time.Millisecond)
}

func resultFor(rep *status.Report, name string) status.Result {
	for _, r := range rep.Results {
		if r.Name == name {
			return r
		}
	}
	return status.Result{}
}

// =============================================================================
// Deployment
// =============================================================================

func TestRun_DeploysFleetInBatches(t *testing.T) {
	cfg := testConfig(t)
	table := serverTable(25)
	o := newTestOrchestrator(t, cfg, table)

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)

	waitSettled(t, o, 25)
	sigCh <- syscall.SIGTERM
	r := waitRun(t, done, 15*time.Second)

	require.NoError(t, r.err)
	rep := r.report
	assert.Equal(t, fleet.Counters{Total: 25, Deployed: 25, Failed: 0, Running: 25}, rep.Counters)
	assert.Len(t, rep.Servers, 25)
	assert.Len(t, rep.Results, 25)
	assert.Equal(t, "srv-00", rep.Results[0].Name, "results keep table order")
	for _, res := range rep.Results {
		assert.Equal(t, status.OutcomeReady, res.Outcome, res.Name)
		assert.NotZero(t, res.Pid, res.Name)
	}

	assert.Equal(t, 0, o.Registry().Counters().Running)
	s := o.Metrics().GenerateSummary()
	assert.Equal(t, 3, s.Batches)
	assert.Equal(t, 25, s.StartupSamples)
	assert.Equal(t, 25, s.PeakRunning)
}

func TestRun_WritesStatusFile(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, serverTable(2))

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)
	waitSettled(t, o, 2)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.StatusPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	sigCh <- syscall.SIGINT
	r := waitRun(t, done, 10*time.Second)
	require.NoError(t, r.err)

	onDisk, err := status.Read(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, r.report.RunID, onDisk.RunID)
	assert.Equal(t, 2, onDisk.Deployed)
	assert.Equal(t, []string{"srv-00", "srv-01"}, onDisk.Servers)
}

func TestRun_NothingRunningReturnsImmediately(t *testing.T) {
	cfg := testConfig(t)
	table := spec.Table{
		{Name: "ghost", Command: "/nonexistent/fleet-worker"},
	}
	o := newTestOrchestrator(t, cfg, table)

	r := waitRun(t, startRun(o, nil), 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.report.Running)
}

// =============================================================================
// Failures
// =============================================================================

func TestRun_LaunchError(t *testing.T) {
	cfg := testConfig(t)
	table := spec.Table{
		shellWorker("good", 9000, serverScript),
		{Name: "missing", Port: 9001, Command: "/nonexistent/fleet-worker"},
	}
	o := newTestOrchestrator(t, cfg, table)

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)
	waitSettled(t, o, 2)
	sigCh <- syscall.SIGTERM
	r := waitRun(t, done, 10*time.Second)

	require.NoError(t, r.err)
	assert.Equal(t, 1, r.report.Deployed)
	assert.Equal(t, 1, r.report.Failed)
	assert.Equal(t, []string{"good"}, r.report.Servers)

	res := resultFor(r.report, "missing")
	assert.Equal(t, status.OutcomeFailed, res.Outcome)
	assert.Equal(t, metrics.ReasonLaunchError, res.Reason)
	assert.Zero(t, res.Pid)
	assert.NotEmpty(t, res.Error)

	s := o.Metrics().GenerateSummary()
	assert.Equal(t, int64(1), s.FailReasons[metrics.ReasonLaunchError])
	assert.Equal(t, 1, s.StartupSamples, "launch errors carry no latency sample")
}

func TestRun_StartupTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartupTimeout = 200 * time.Millisecond
	table := spec.Table{shellWorker("silent", 9000, "exec sleep 30")}
	o := newTestOrchestrator(t, cfg, table)

	r := waitRun(t, startRun(o, nil), 10*time.Second)
	require.NoError(t, r.err)

	assert.Equal(t, fleet.Counters{Total: 1, Failed: 1}, r.report.Counters)
	res := resultFor(r.report, "silent")
	assert.Equal(t, metrics.ReasonTimeout, res.Reason)
	assert.GreaterOrEqual(t, res.StartupMS, int64(200))
	require.NotZero(t, res.Pid)

	// A timed out worker is never left running.
	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(res.Pid, 0), syscall.ESRCH)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRun_ExitBeforeReady(t *testing.T) {
	cfg := testConfig(t)
	table := spec.Table{shellWorker("crash", 9000, `echo "loading config"; echo "bad config" >&2; exit 2`)}
	o := newTestOrchestrator(t, cfg, table)

	r := waitRun(t, startRun(o, nil), 10*time.Second)
	require.NoError(t, r.err)

	res := resultFor(r.report, "crash")
	assert.Equal(t, status.OutcomeFailed, res.Outcome)
	assert.Equal(t, metrics.ReasonExited, res.Reason)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 2, *res.ExitCode)
	assert.Equal(t, 0, r.report.Running)
}

func TestRun_ReadyLineThenExit(t *testing.T) {
	cfg := testConfig(t)
	table := spec.Table{shellWorker("flaky", 9000, `echo "Server running"; sleep 0.3; exit 3`)}
	o := newTestOrchestrator(t, cfg, table)

	var stops int
	o.Registry().OnChange(func(ev fleet.Event) {
		if ev.State == fleet.StateStopped {
			stops++
		}
	})

	// No signal: the run ends on its own once every ready worker exited.
	r := waitRun(t, startRun(o, make(chan os.Signal)), 10*time.Second)
	require.NoError(t, r.err)

	assert.Equal(t, 1, r.report.Deployed)
	assert.Equal(t, 1, stops, "exactly one stop recorded")
	assert.Equal(t, fleet.StateStopped, o.Registry().State("flaky"))
	assert.Equal(t, 0, o.Registry().Counters().Running)

	s := o.Metrics().GenerateSummary()
	assert.Equal(t, int64(1), s.ExitCodes[3])
}

// =============================================================================
// Shutdown
// =============================================================================

func TestRun_SignalDuringDeploy(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 1
	cfg.Cooldown = 300 * time.Millisecond
	o := newTestOrchestrator(t, cfg, serverTable(6))

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)

	require.Eventually(t, func() bool {
		return o.Registry().Counters().Deployed >= 1
	}, 10*time.Second, 5*time.Millisecond)
	sigCh <- syscall.SIGINT

	r := waitRun(t, done, 15*time.Second)
	require.NoError(t, r.err)

	c := r.report.Counters
	assert.Equal(t, 6, c.Total)
	assert.Equal(t, c.Total, c.Deployed+c.Failed, "every worker has an outcome")
	assert.Less(t, c.Deployed, 6)
	assert.Len(t, r.report.Results, 6)

	s := o.Metrics().GenerateSummary()
	assert.Equal(t, int64(c.Failed), s.FailReasons[metrics.ReasonCancelled])
	assert.Equal(t, 0, o.Registry().Counters().Running)
}

func TestRun_DurationStopsFleet(t *testing.T) {
	cfg := testConfig(t)
	cfg.Duration = 300 * time.Millisecond
	o := newTestOrchestrator(t, cfg, serverTable(2))

	start := time.Now()
	r := waitRun(t, startRun(o, make(chan os.Signal)), 15*time.Second)
	require.NoError(t, r.err)

	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, 2, r.report.Running)
	assert.Equal(t, 0, o.Registry().Counters().Running)

	s := o.Metrics().GenerateSummary()
	assert.Equal(t, int64(2), s.ExitCodes[143])
}

func TestRun_ContextCancelled(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(t, cfg, serverTable(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan runResult, 1)
	go func() {
		rep, err := o.Run(ctx, nil)
		done <- runResult{rep, err}
	}()

	waitSettled(t, o, 2)
	cancel()

	r := waitRun(t, done, 10*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 0, o.Registry().Counters().Running)
}

// =============================================================================
// Readiness rules
// =============================================================================

func TestRun_PerWorkerReadyPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartupTimeout = 500 * time.Millisecond

	custom := shellWorker("custom", 9000, `echo "warming up"; echo "accepting connections"; exec sleep 30`)
	custom.Ready = `^accepting connections$`

	// The fleet-wide marker alone no longer makes this one ready.
	strict := shellWorker("strict", 9001, serverScript)
	strict.Ready = `^never printed$`

	o := newTestOrchestrator(t, cfg, spec.Table{custom, strict})

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)
	waitSettled(t, o, 2)
	sigCh <- syscall.SIGTERM
	r := waitRun(t, done, 10*time.Second)
	require.NoError(t, r.err)

	assert.Equal(t, status.OutcomeReady, resultFor(r.report, "custom").Outcome)
	assert.Equal(t, metrics.ReasonTimeout, resultFor(r.report, "strict").Reason)
}

func TestRun_FleetReadyPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadyPattern = `listening on :\d+`
	table := spec.Table{shellWorker("api", 9000, `echo "listening on :$PORT"; exec sleep 30`)}
	o := newTestOrchestrator(t, cfg, table)

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)
	waitSettled(t, o, 1)
	sigCh <- syscall.SIGTERM
	r := waitRun(t, done, 10*time.Second)
	require.NoError(t, r.err)

	assert.Equal(t, 1, r.report.Deployed)
}

func TestRun_ReadyLineAfterOutputFlood(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartupTimeout = 10 * time.Second
	cfg.OutputBufferSize = 16
	table := spec.Table{shellWorker("noisy", 9000, `seq 1 300000; echo "Server running on port $PORT"; exec sleep 30`)}
	o := newTestOrchestrator(t, cfg, table)

	sigCh := make(chan os.Signal, 1)
	done := startRun(o, sigCh)
	waitSettled(t, o, 1)
	sigCh <- syscall.SIGTERM
	r := waitRun(t, done, 15*time.Second)
	require.NoError(t, r.err)

	assert.Equal(t, 1, r.report.Deployed)
	assert.Equal(t, status.OutcomeReady, resultFor(r.report, "noisy").Outcome)
}

func TestNew_InvalidPatterns(t *testing.T) {
	t.Run("fleet pattern", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.ReadyPattern = `(unclosed`
		_, err := New(cfg, serverTable(1), discardLogger(), "test")
		assert.Error(t, err)
	})

	t.Run("worker pattern", func(t *testing.T) {
		w := shellWorker("bad", 9000, serverScript)
		w.Ready = `[`
		_, err := New(testConfig(t), spec.Table{w}, discardLogger(), "test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"bad"`)
	})
}

func TestExitCodeLabel(t *testing.T) {
	assert.Equal(t, "(clean)", exitCodeLabel(0))
	assert.Equal(t, "(SIGTERM)", exitCodeLabel(143))
	assert.Equal(t, "(SIGKILL)", exitCodeLabel(137))
	assert.Equal(t, "", exitCodeLabel(42))
}
