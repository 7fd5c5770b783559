// Package parser provides lossy line pipelines for worker output streams.
//
// A worker that writes faster than the orchestrator reads must never block
// on a full pipe. Each stream therefore has two layers:
//
//	Layer 1 (Reader): scans lines fast, drops if the channel is full
//	Layer 2 (Consumer): readiness detection or a LineParser, at its own pace
//
// A line that must not be lost, such as a readiness marker, is caught in
// Layer 1 with Watch before the drop decision.
package parser

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// DefaultBufferSize is the per-stream channel capacity in lines.
	DefaultBufferSize = 1000

	// DefaultDropThreshold is the drop fraction above which a stream is degraded.
	DefaultDropThreshold = 0.01

	maxLineSize = 1024 * 1024
)

// LineParser consumes lines from a pipeline.
type LineParser interface {
	ParseLine(line string)
}

// LineParserFunc adapts a function to LineParser.
type LineParserFunc func(line string)

// ParseLine calls f(line).
func (f LineParserFunc) ParseLine(line string) { f(line) }

// Pipeline carries lines from one worker stream to one consumer.
type Pipeline struct {
	worker string
	stream string // "stdout" or "stderr"

	lineChan  chan string
	closeOnce sync.Once
	done      chan struct{}

	linesRead    atomic.Int64
	linesDropped atomic.Int64
	linesParsed  atomic.Int64

	dropThreshold float64

	watch   func(line string) bool
	matched chan string
	fired   atomic.Bool
}

// NewPipeline creates a pipeline for the named worker's stream.
// Non-positive sizes and thresholds fall back to the defaults.
func NewPipeline(worker, stream string, bufferSize int, dropThreshold float64) *Pipeline {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if dropThreshold <= 0 {
		dropThreshold = DefaultDropThreshold
	}

	return &Pipeline{
		worker:        worker,
		stream:        stream,
		lineChan:      make(chan string, bufferSize),
		done:          make(chan struct{}),
		dropThreshold: dropThreshold,
	}
}

// RunReader is Layer 1. It reads r until EOF, then closes r and the line
// channel. Must run in its own goroutine; never blocks on the channel.
func (p *Pipeline) RunReader(r io.ReadCloser) {
	defer p.CloseChannel()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		p.FeedLine(scanner.Text())
	}
}

// Watch installs a predicate checked against every line before it can be
// dropped. The first matching line is delivered once on Matched().
// Must be called before RunReader or FeedLine.
func (p *Pipeline) Watch(match func(line string) bool) {
	p.watch = match
	p.matched = make(chan string, 1)
}

// Matched receives the first line accepted by the Watch predicate. It is
// nil, and so never ready, when no predicate was installed.
func (p *Pipeline) Matched() <-chan string {
	return p.matched
}

// FeedLine queues a line. Returns false if it was dropped.
func (p *Pipeline) FeedLine(line string) bool {
	p.linesRead.Add(1)

	if p.watch != nil && !p.fired.Load() && p.watch(line) && p.fired.CompareAndSwap(false, true) {
		p.matched <- line
	}

	select {
	case p.lineChan <- line:
		return true
	default:
		p.linesDropped.Add(1)
		return false
	}
}

// CloseChannel closes the line channel. Idempotent.
func (p *Pipeline) CloseChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
		close(p.done)
	})
}

// Lines returns the receive side of the line channel. It is closed when the
// stream reaches EOF.
func (p *Pipeline) Lines() <-chan string {
	return p.lineChan
}

// Closed is closed once the reader has hit EOF. Buffered lines may remain.
func (p *Pipeline) Closed() <-chan struct{} {
	return p.done
}

// RunParser is Layer 2. It blocks until the channel is closed and drained.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		p.linesParsed.Add(1)
	}
}

// MarkParsed counts a line consumed directly from Lines().
func (p *Pipeline) MarkParsed() {
	p.linesParsed.Add(1)
}

// Stats returns lines read, dropped and parsed.
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return p.linesRead.Load(), p.linesDropped.Load(), p.linesParsed.Load()
}

// DropRate returns dropped/read, or 0 before any line was read.
func (p *Pipeline) DropRate() float64 {
	read := p.linesRead.Load()
	if read == 0 {
		return 0
	}
	return float64(p.linesDropped.Load()) / float64(read)
}

// IsDegraded reports whether the drop rate exceeds the threshold.
func (p *Pipeline) IsDegraded() bool {
	return p.DropRate() > p.dropThreshold
}

// Worker returns the worker name.
func (p *Pipeline) Worker() string {
	return p.worker
}

// Stream returns "stdout" or "stderr".
func (p *Pipeline) Stream() string {
	return p.stream
}
