package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/metrics"
)

// Worker is a ready worker the coordinator watches and stops.
// *process.Handle implements it.
type Worker interface {
	fleet.Process
	ExitCode() int
	Uptime() time.Duration
	TerminationRequested() bool
}

// ShutdownCoordinator stops every live worker exactly once and watches
// ready workers for exits it did not cause.
type ShutdownCoordinator struct {
	registry  *fleet.Registry
	metrics   *metrics.Collector
	logger    *slog.Logger
	grace     time.Duration
	cancelRun context.CancelFunc

	once    sync.Once
	stopped chan struct{}

	watchers sync.WaitGroup
}

// NewShutdownCoordinator creates a coordinator for reg. cancelRun, if set,
// is called when shutdown begins so no further batch starts.
func NewShutdownCoordinator(reg *fleet.Registry, collector *metrics.Collector, logger *slog.Logger, grace time.Duration, cancelRun context.CancelFunc) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		registry:  reg,
		metrics:   collector,
		logger:    logger,
		grace:     grace,
		cancelRun: cancelRun,
		stopped:   make(chan struct{}),
	}
}

// Track watches a ready worker until it exits. An exit that nobody asked
// for removes the worker from the live table and is logged as unexpected.
func (s *ShutdownCoordinator) Track(name string, w Worker) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		<-w.Done()

		code := w.ExitCode()
		s.metrics.RecordExit(code, w.Uptime())

		if !s.registry.RecordStopped(name) {
			return
		}
		if w.TerminationRequested() {
			s.logger.Debug("worker_stopped", "worker", name, "exit_code", code)
			return
		}
		s.logger.Warn("worker_exited_unexpectedly",
			"worker", name,
			"pid", w.Pid(),
			"exit_code", code,
			"uptime", w.Uptime().Round(time.Millisecond).String(),
		)
	}()
}

// StopAll closes the registry, cancels the run and terminates every live
// worker concurrently. Only the first call does anything; later calls
// block until it has finished. When ctx expires first, the remaining
// workers are still removed from the live table.
func (s *ShutdownCoordinator) StopAll(ctx context.Context) {
	s.once.Do(func() {
		defer close(s.stopped)
		s.stopAll(ctx)
	})
}

func (s *ShutdownCoordinator) stopAll(ctx context.Context) {
	s.registry.Close()
	if s.cancelRun != nil {
		s.cancelRun()
	}

	live := s.registry.Live()
	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)

	s.logger.Info("shutdown_initiated", "running", len(names))

	var wg sync.WaitGroup
	for _, name := range names {
		p := live[name]
		s.logger.Info("stopping_worker", "worker", name, "pid", p.Pid())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Terminate(s.grace); err != nil {
				s.logger.Warn("worker_force_killed", "worker", name, "pid", p.Pid(), "error", err)
			}
			s.registry.RecordStopped(name)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all_workers_stopped", "stopped", len(names))
	case <-ctx.Done():
		s.logger.Warn("shutdown_timeout", "error", ctx.Err())
		for _, name := range names {
			s.registry.RecordStopped(name)
		}
	}
}

// Stopped is closed once StopAll has finished.
func (s *ShutdownCoordinator) Stopped() <-chan struct{} {
	return s.stopped
}

// AllExited returns a channel that is closed once every tracked worker has
// exited. Call it only after the last Track.
func (s *ShutdownCoordinator) AllExited() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(ch)
	}()
	return ch
}

// Watch waits for a signal on sigCh and then stops the fleet, allowing
// timeout for termination. It returns the signal, or nil if ctx ended or
// the fleet was stopped some other way first.
func (s *ShutdownCoordinator) Watch(ctx context.Context, sigCh <-chan os.Signal, timeout time.Duration) os.Signal {
	select {
	case sig := <-sigCh:
		s.logger.Info("received_signal", "signal", sig.String())
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.StopAll(stopCtx)
		return sig
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return nil
	}
}
