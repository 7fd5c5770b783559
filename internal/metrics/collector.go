// Package metrics provides Prometheus metrics for fleet-orchestrator.
//
// Every Collector owns its registry, so several can coexist in one process
// (tests, or the status textfile rendering a snapshot).
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/process"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/timeseries"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "fleet"

// Failure reasons used as the "reason" label on failed workers.
const (
	ReasonLaunchError = "launch_error"
	ReasonTimeout     = "timeout"
	ReasonExited      = "exited"
	ReasonCancelled   = "cancelled"
)

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Namespace string
	Version   string
	Workers   int
	BatchSize int
}

// Collector manages all Prometheus metrics for one fleet run.
type Collector struct {
	registry *prometheus.Registry

	// --- Panel 1: Fleet Overview ---
	info     *prometheus.GaugeVec
	workers  *prometheus.GaugeVec
	complete prometheus.Gauge

	// --- Panel 2: Rollout ---
	batchesTotal  prometheus.Counter
	batchProgress prometheus.Gauge

	// --- Panel 3: Startup ---
	startupLatency *prometheus.HistogramVec
	startupP50     prometheus.Gauge
	startupP95     prometheus.Gauge
	startupP99     prometheus.Gauge
	failures       *prometheus.CounterVec

	// --- Panel 4: Lifecycle ---
	exits  *prometheus.CounterVec
	uptime prometheus.Histogram

	// --- Panel 5: Output Pipeline Health ---
	linesRead    *prometheus.CounterVec
	linesDropped *prometheus.CounterVec

	// For summary generation
	mu           sync.Mutex
	startTime    time.Time
	total        int
	batches      int
	peakRunning  int
	counters     fleet.Counters
	lastSeq      uint64
	failReasons  map[string]int64
	exitCodes    map[int]int64
	startup      *tdigest.TDigest
	startupCount int
	startupMax   time.Duration

	readyRate *timeseries.RateTracker
}

// NewCollector creates a collector with a fresh registry.
func NewCollector(cfg CollectorConfig) *Collector {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	c := &Collector{
		registry:    prometheus.NewRegistry(),
		startTime:   time.Now(),
		total:       cfg.Workers,
		failReasons: make(map[string]int64),
		exitCodes:   make(map[int]int64),
		startup:     tdigest.NewWithCompression(100),
		readyRate:   timeseries.NewRateTracker(),
	}

	c.info = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "info",
		Help:      "Information about the orchestrator (value always 1)",
	}, []string{"version"})

	c.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "workers",
		Help:      "Fleet counters: total, deployed, failed, running, pending",
	}, []string{"count"})

	c.complete = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "run_complete",
		Help:      "1 once every batch of the deployment run has settled",
	})

	c.batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "batches_total",
		Help:      "Batches started",
	})

	c.batchProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "batch_progress",
		Help:      "Fraction of batches started (0.0 to 1.0)",
	})

	c.startupLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "startup_latency_seconds",
		Help:      "Time from launch to readiness line",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	c.startupP50 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "startup_latency_p50_seconds",
		Help:      "Startup latency 50th percentile of ready workers",
	})
	c.startupP95 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "startup_latency_p95_seconds",
		Help:      "Startup latency 95th percentile of ready workers",
	})
	c.startupP99 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "startup_latency_p99_seconds",
		Help:      "Startup latency 99th percentile of ready workers",
	})

	c.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "worker_failures_total",
		Help:      "Workers that never became ready, by reason",
	}, []string{"reason"})

	c.exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "worker_exits_total",
		Help:      "Exits of ready workers by category",
	}, []string{"category"})

	c.uptime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "worker_uptime_seconds",
		Help:      "How long ready workers ran before exiting",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	c.linesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "output_lines_read_total",
		Help:      "Worker output lines read",
	}, []string{"stream"})

	c.linesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "output_lines_dropped_total",
		Help:      "Worker output lines dropped because the consumer fell behind",
	}, []string{"stream"})

	c.registry.MustRegister(
		// Panel 1
		c.info, c.workers, c.complete,
		// Panel 2
		c.batchesTotal, c.batchProgress,
		// Panel 3
		c.startupLatency, c.startupP50, c.startupP95, c.startupP99, c.failures,
		// Panel 4
		c.exits, c.uptime,
		// Panel 5
		c.linesRead, c.linesDropped,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version).Set(1)
	c.setCounters(fleet.Counters{Total: cfg.Workers})

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// Update Methods
// =============================================================================

// ObserveFleet mirrors a registry event. Register it with fleet.Registry.OnChange.
// Events older than the last one applied do not overwrite the counters.
func (c *Collector) ObserveFleet(ev fleet.Event) {
	if ev.State == fleet.StateReady {
		c.readyRate.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Seq != 0 && ev.Seq <= c.lastSeq {
		return
	}
	c.lastSeq = ev.Seq
	c.counters = ev.Counters
	if ev.Counters.Running > c.peakRunning {
		c.peakRunning = ev.Counters.Running
	}
	c.setCounters(ev.Counters)
}

func (c *Collector) setCounters(fc fleet.Counters) {
	c.workers.WithLabelValues("total").Set(float64(fc.Total))
	c.workers.WithLabelValues("deployed").Set(float64(fc.Deployed))
	c.workers.WithLabelValues("failed").Set(float64(fc.Failed))
	c.workers.WithLabelValues("running").Set(float64(fc.Running))
	c.workers.WithLabelValues("pending").Set(float64(fc.Pending()))
}

// BatchStarted records the start of batch index (0-based) out of count.
func (c *Collector) BatchStarted(index, count int) {
	c.batchesTotal.Inc()
	if count > 0 {
		c.batchProgress.Set(float64(index+1) / float64(count))
	}

	c.mu.Lock()
	c.batches++
	c.mu.Unlock()
}

// RecordReady records a worker reaching readiness after latency.
func (c *Collector) RecordReady(latency time.Duration) {
	c.startupLatency.WithLabelValues("ready").Observe(latency.Seconds())

	c.mu.Lock()
	c.startup.Add(latency.Seconds(), 1)
	c.startupCount++
	if latency > c.startupMax {
		c.startupMax = latency
	}
	p50 := c.startup.Quantile(0.50)
	p95 := c.startup.Quantile(0.95)
	p99 := c.startup.Quantile(0.99)
	c.mu.Unlock()

	c.startupP50.Set(p50)
	c.startupP95.Set(p95)
	c.startupP99.Set(p99)
}

// RecordFailure records a worker that never became ready.
// latency is ignored for launch errors and when zero.
func (c *Collector) RecordFailure(reason string, latency time.Duration) {
	c.failures.WithLabelValues(reason).Inc()
	if reason != ReasonLaunchError && latency > 0 {
		c.startupLatency.WithLabelValues(reason).Observe(latency.Seconds())
	}

	c.mu.Lock()
	c.failReasons[reason]++
	c.mu.Unlock()
}

// RecordExit records a ready worker's process exit.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	c.exits.WithLabelValues(process.ExitCategory(exitCode)).Inc()
	c.uptime.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// RecordStream adds one stream's final line counts.
func (c *Collector) RecordStream(stream string, read, dropped int64) {
	if read > 0 {
		c.linesRead.WithLabelValues(stream).Add(float64(read))
	}
	if dropped > 0 {
		c.linesDropped.WithLabelValues(stream).Add(float64(dropped))
	}
}

// MarkRunComplete flags the deployment run as finished.
func (c *Collector) MarkRunComplete() {
	c.complete.Set(1)
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration    time.Duration
	Counters    fleet.Counters
	Batches     int
	PeakRunning int
	FailReasons map[string]int64
	ExitCodes   map[int]int64

	StartupSamples int
	StartupP50     time.Duration
	StartupP95     time.Duration
	StartupP99     time.Duration
	StartupMax     time.Duration

	// Workers becoming ready per second.
	ReadyRate5s  float64
	ReadyRate60s float64
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := c.counters
	if counters.Total == 0 {
		counters.Total = c.total
	}

	s := &Summary{
		Duration:       time.Since(c.startTime),
		Counters:       counters,
		Batches:        c.batches,
		PeakRunning:    c.peakRunning,
		FailReasons:    make(map[string]int64, len(c.failReasons)),
		ExitCodes:      make(map[int]int64, len(c.exitCodes)),
		StartupSamples: c.startupCount,
		StartupMax:     c.startupMax,
	}
	for r, n := range c.failReasons {
		s.FailReasons[r] = n
	}
	for code, n := range c.exitCodes {
		s.ExitCodes[code] = n
	}

	c.readyRate.Sample()
	rate := c.readyRate.Stats()
	s.ReadyRate5s = rate.Rate5s
	s.ReadyRate60s = rate.Rate60s

	if c.startupCount > 0 {
		s.StartupP50 = seconds(c.startup.Quantile(0.50))
		s.StartupP95 = seconds(c.startup.Quantile(0.95))
		s.StartupP99 = seconds(c.startup.Quantile(0.99))
	}

	return s
}

// PeakRunning returns the highest running count seen.
func (c *Collector) PeakRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakRunning
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
