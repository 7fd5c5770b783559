// Package orchestrator deploys a fleet in batches and coordinates its shutdown.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/spec"
)

const (
	// DefaultBatchSize is the number of workers launched concurrently.
	DefaultBatchSize = 10

	// DefaultCooldown is the pause between consecutive batches.
	DefaultCooldown = 2 * time.Second
)

// Unit deploys single workers. Deploy must not return until the worker has
// an outcome. Skip records a worker that was never attempted.
type Unit interface {
	Deploy(ctx context.Context, w spec.WorkerSpec)
	Skip(w spec.WorkerSpec)
}

// BatchScheduler launches workers in fixed-size batches. Every worker in a
// batch is deployed concurrently and the next batch starts only after all
// of them have settled and the cooldown has passed.
type BatchScheduler struct {
	size     int
	cooldown time.Duration

	// OnBatch, if set, is called before each batch is deployed.
	OnBatch func(index, count int, batch []spec.WorkerSpec)
}

// NewBatchScheduler creates a scheduler. A size below one means
// DefaultBatchSize; a negative cooldown means none.
func NewBatchScheduler(size int, cooldown time.Duration) *BatchScheduler {
	if size < 1 {
		size = DefaultBatchSize
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &BatchScheduler{
		size:     size,
		cooldown: cooldown,
	}
}

// Size returns the batch size.
func (b *BatchScheduler) Size() int {
	return b.size
}

// Cooldown returns the pause between batches.
func (b *BatchScheduler) Cooldown() time.Duration {
	return b.cooldown
}

// BatchCount returns how many batches n workers need.
func (b *BatchScheduler) BatchCount(n int) int {
	return (n + b.size - 1) / b.size
}

// Partition splits specs into consecutive batches, preserving order.
// Only the last batch may be short.
func (b *BatchScheduler) Partition(specs []spec.WorkerSpec) [][]spec.WorkerSpec {
	batches := make([][]spec.WorkerSpec, 0, b.BatchCount(len(specs)))
	for start := 0; start < len(specs); start += b.size {
		end := min(start+b.size, len(specs))
		batches = append(batches, specs[start:end:end])
	}
	return batches
}

// EstimatedDuration returns the total cooldown time for n workers, which is
// the minimum run time when every worker is ready instantly.
func (b *BatchScheduler) EstimatedDuration(n int) time.Duration {
	count := b.BatchCount(n)
	if count < 2 {
		return 0
	}
	return time.Duration(count-1) * b.cooldown
}

// Run deploys specs batch by batch and returns the number of batches
// started. Once ctx is cancelled no further batch starts and every worker
// not yet attempted is passed to Skip.
func (b *BatchScheduler) Run(ctx context.Context, specs []spec.WorkerSpec, unit Unit) int {
	batches := b.Partition(specs)

	for i, batch := range batches {
		if ctx.Err() != nil {
			skipFrom(batches[i:], unit)
			return i
		}

		if b.OnBatch != nil {
			b.OnBatch(i, len(batches), batch)
		}

		var wg sync.WaitGroup
		for _, w := range batch {
			wg.Add(1)
			go func(w spec.WorkerSpec) {
				defer wg.Done()
				unit.Deploy(ctx, w)
			}(w)
		}
		wg.Wait()

		if i == len(batches)-1 || b.cooldown == 0 {
			continue
		}

		timer := time.NewTimer(b.cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			skipFrom(batches[i+1:], unit)
			return i + 1
		case <-timer.C:
		}
	}

	return len(batches)
}

func skipFrom(batches [][]spec.WorkerSpec, unit Unit) {
	for _, batch := range batches {
		for _, w := range batch {
			unit.Skip(w)
		}
	}
}
