// Package timeseries tracks a cumulative event count and derives rolling
// rates from it.
//
// Add is lock-free. Sample and Stats share a small ring buffer guarded by
// a read/write lock.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize bounds the sample history (5 minutes at 1 sample/sec).
	ringBufferSize = 300

	window5s  = 5 * time.Second
	window30s = 30 * time.Second
	window60s = 60 * time.Second
)

// Clock returns the current time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sample struct {
	at    time.Time
	count int64
}

// RateTracker counts events, such as workers becoming ready, and reports
// how fast they arrived over recent windows.
//
//	tracker := NewRateTracker()
//	tracker.Add(1)     // per event
//	tracker.Sample()   // periodically
//	stats := tracker.Stats()
type RateTracker struct {
	total atomic.Int64

	mu       sync.RWMutex
	samples  []sample
	writeIdx int
	start    time.Time

	clock Clock
}

// RateStats are the rates at one instant, in events per second.
type RateStats struct {
	Total int64

	Rate5s  float64
	Rate30s float64
	Rate60s float64

	Overall float64
}

// NewRateTracker creates a tracker on the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker on clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		samples: make([]sample, 0, ringBufferSize),
		start:   now,
		clock:   clock,
	}
	t.samples = append(t.samples, sample{at: now})
	return t
}

// Add counts n events. Non-positive n is ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Total returns the number of events counted so far.
func (t *RateTracker) Total() int64 {
	return t.total.Load()
}

// Sample records the current total. Once the buffer is full the oldest
// sample is overwritten.
func (t *RateTracker) Sample() {
	s := sample{at: t.clock.Now(), count: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringBufferSize
}

// Stats computes the current rates. Windows longer than the history use
// the oldest sample available.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	current := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := RateStats{Total: current}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		stats.Overall = float64(current) / elapsed
	}
	stats.Rate5s = t.rateOver(now, current, window5s)
	stats.Rate30s = t.rateOver(now, current, window30s)
	stats.Rate60s = t.rateOver(now, current, window60s)
	return stats
}

// rateOver must be called with mu held.
func (t *RateTracker) rateOver(now time.Time, current int64, window time.Duration) float64 {
	target := now.Add(-window)

	// The newest sample at or before the window start.
	var base *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.at.After(target) {
			continue
		}
		if base == nil || s.at.After(base.at) {
			base = s
		}
	}
	if base == nil {
		base = t.oldest()
	}
	if base == nil {
		return 0
	}

	elapsed := now.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-base.count) / elapsed
}

// oldest must be called with mu held.
func (t *RateTracker) oldest() *sample {
	switch {
	case len(t.samples) == 0:
		return nil
	case len(t.samples) < ringBufferSize:
		return &t.samples[0]
	default:
		return &t.samples[t.writeIdx]
	}
}

// SampleCount returns how many samples are buffered.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
