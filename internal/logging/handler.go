package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the longest worker line kept before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per worker stream.
	MaxBufferedLines = 100
)

// OutputHandler receives lines a worker writes to stdout or stderr.
// It keeps the most recent lines for failure reports and logs each line
// at a level derived from its content.
type OutputHandler struct {
	worker  string
	stream  string
	logger  *slog.Logger
	verbose bool

	mu     sync.Mutex
	buffer []string
	bufIdx int
	count  int
}

// NewOutputHandler creates a handler for one worker stream.
// A nil logger only buffers.
func NewOutputHandler(worker, stream string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		worker:  worker,
		stream:  stream,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// ParseLine buffers and logs a line. Satisfies parser.LineParser.
func (h *OutputHandler) ParseLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.count++
	h.mu.Unlock()

	h.logLine(line)
}

func (h *OutputHandler) logLine(line string) {
	if h.logger == nil {
		return
	}

	level := ClassifyLine(line)

	// Quiet mode only surfaces warnings and errors.
	if !h.verbose && level < slog.LevelWarn {
		return
	}

	h.logger.Log(context.Background(), level, "worker_output",
		"worker", h.worker,
		"stream", h.stream,
		"line", line,
	)
}

// ClassifyLine picks a log level from the content of a worker line.
func ClassifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "eaddrinuse") ||
		strings.Contains(lower, "address already in use"):
		return slog.LevelError
	case strings.Contains(lower, "error") ||
		strings.Contains(lower, "exception") ||
		strings.Contains(lower, "[warn") ||
		strings.Contains(lower, "warning") ||
		strings.Contains(lower, "deprecat"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > h.count {
		n = h.count
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// LineCount returns the number of lines seen.
func (h *OutputHandler) LineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
