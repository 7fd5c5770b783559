package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/parser"
)

const (
	// DefaultTimeout is the startup deadline per worker.
	DefaultTimeout = 10 * time.Second

	// DefaultTerminateGrace is how long a failed worker gets between
	// SIGTERM and SIGKILL.
	DefaultTerminateGrace = 5 * time.Second
)

var (
	// ErrStartupTimeout means no readiness line arrived before the deadline.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrExitedBeforeReady means the worker exited before it was ready.
	ErrExitedBeforeReady = errors.New("exited before ready")
)

// Process is the part of a launched worker the detector observes.
// *process.Handle implements it.
type Process interface {
	Name() string
	Stdout() *parser.Pipeline
	Done() <-chan struct{}
	ExitCode() int
	Terminate(grace time.Duration) error
}

// Outcome is how a startup race was settled.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeTimedOut
	OutcomeExited
	OutcomeCancelled
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeExited:
		return "exited"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the single outcome of Await.
type Result struct {
	Outcome Outcome

	// Line is the stdout line that matched. Set only when Ready.
	Line string

	// Latency is the time from Await being called to the outcome.
	Latency time.Duration

	// ExitCode is set when the worker exited before becoming ready.
	ExitCode int

	// Err is nil when Ready.
	Err error
}

// Ready reports whether the worker started successfully.
func (r Result) Ready() bool {
	return r.Outcome == OutcomeReady
}

// Config configures a Detector.
type Config struct {
	// Matcher decides which line means ready. Nil means Substrings().
	Matcher Matcher

	// Timeout is the startup deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// TerminateGrace is passed to Terminate on timeout or cancellation.
	// Zero means DefaultTerminateGrace.
	TerminateGrace time.Duration

	// OnLine, if set, sees every stdout line consumed before the outcome.
	OnLine func(line string)
}

// Detector races a worker's readiness line against its startup deadline
// and its exit.
type Detector struct {
	matcher Matcher
	timeout time.Duration
	grace   time.Duration
	onLine  func(string)
}

// NewDetector creates a Detector, applying defaults for zero fields.
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		matcher: cfg.Matcher,
		timeout: cfg.Timeout,
		grace:   cfg.TerminateGrace,
		onLine:  cfg.OnLine,
	}
	if d.matcher == nil {
		d.matcher = Substrings()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.grace <= 0 {
		d.grace = DefaultTerminateGrace
	}
	return d
}

// WithMatcher returns a copy of d using m.
func (d *Detector) WithMatcher(m Matcher) *Detector {
	c := *d
	c.matcher = m
	return &c
}

// WithOnLine returns a copy of d that passes consumed lines to fn.
func (d *Detector) WithOnLine(fn func(line string)) *Detector {
	c := *d
	c.onLine = fn
	return &c
}

// Matcher returns the readiness rule. Pass its Match to
// process.WatchStdout so a marker line cannot be dropped before Await
// sees it.
func (d *Detector) Matcher() Matcher {
	return d.matcher
}

// Timeout returns the startup deadline.
func (d *Detector) Timeout() time.Duration {
	return d.timeout
}

// Await blocks until p prints a matching line, exits, runs out of time,
// or ctx is cancelled, and reports which happened first.
//
// Lines reach Await two ways: through the lossy line channel, and through
// the pipeline's Matched channel when a watch was installed at launch.
// Whichever reports a match first settles the race.
//
// A worker that has exited is never ready, even if its last line matched.
// On timeout and cancellation the worker is terminated before Await
// returns, so a failed worker is never left running.
func (d *Detector) Await(ctx context.Context, p Process) Result {
	start := time.Now()
	lines := p.Stdout().Lines()
	matched := p.Stdout().Matched()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Stdout closed; only exit or the deadline can settle it now.
				lines = nil
				continue
			}
			p.Stdout().MarkParsed()
			if d.onLine != nil {
				d.onLine(line)
			}
			if !d.matcher.Match(line) {
				continue
			}
			return d.ready(p, line, start)

		case line := <-matched:
			return d.ready(p, line, start)

		case <-p.Done():
			return d.exited(p, start)

		case <-timer.C:
			err := ErrStartupTimeout
			if termErr := p.Terminate(d.grace); termErr != nil {
				err = errors.Join(err, termErr)
			}
			return Result{
				Outcome: OutcomeTimedOut,
				Latency: time.Since(start),
				Err:     fmt.Errorf("%w after %v", err, d.timeout),
			}

		case <-ctx.Done():
			err := ctx.Err()
			if termErr := p.Terminate(d.grace); termErr != nil {
				err = errors.Join(err, termErr)
			}
			return Result{
				Outcome: OutcomeCancelled,
				Latency: time.Since(start),
				Err:     err,
			}
		}
	}
}

func (d *Detector) ready(p Process, line string, start time.Time) Result {
	select {
	case <-p.Done():
		return d.exited(p, start)
	default:
	}
	return Result{
		Outcome: OutcomeReady,
		Line:    line,
		Latency: time.Since(start),
	}
}

func (d *Detector) exited(p Process, start time.Time) Result {
	code := p.ExitCode()
	return Result{
		Outcome:  OutcomeExited,
		Latency:  time.Since(start),
		ExitCode: code,
		Err:      fmt.Errorf("%w (exit code %d)", ErrExitedBeforeReady, code),
	}
}
