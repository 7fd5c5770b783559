// Package status records the outcome of a deployment run and persists it.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
)

// Outcome values for Result.Outcome.
const (
	OutcomeReady  = "ready"
	OutcomeFailed = "failed"
)

// Result is the outcome of one worker's deployment attempt.
type Result struct {
	Name      string `json:"name"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Pid       int    `json:"pid,omitempty"`
	StartupMS int64  `json:"startup_ms,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report is the finalized, immutable record of a run.
type Report struct {
	RunID string `json:"run_id"`
	fleet.Counters
	Timestamp string    `json:"timestamp"` // RFC 3339 completion time
	Duration  float64   `json:"duration"`  // seconds
	StartedAt time.Time `json:"started_at"`
	Servers   []string  `json:"servers"`
	Results   []Result  `json:"results"`
}

// RunState collects per-worker results while a run is in progress.
type RunState struct {
	id      string
	started time.Time
	order   map[string]int

	mu      sync.Mutex
	results map[string]Result
	final   *Report
}

// NewRunState starts a run over the named workers.
// Results are reported in the order of names.
func NewRunState(names []string) *RunState {
	order := make(map[string]int, len(names))
	for i, n := range names {
		order[n] = i
	}
	return &RunState{
		id:      uuid.NewString(),
		started: time.Now(),
		order:   order,
		results: make(map[string]Result, len(names)),
	}
}

// ID returns the run id.
func (r *RunState) ID() string {
	return r.id
}

// StartedAt returns when the run began.
func (r *RunState) StartedAt() time.Time {
	return r.started
}

// Record stores a worker's result. Later records for the same name replace
// earlier ones; records after Finalize are ignored.
func (r *RunState) Record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return
	}
	r.results[res.Name] = res
}

// Result returns the recorded result for name.
func (r *RunState) Result(name string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	return res, ok
}

// Finalize freezes the run with the registry snapshot taken at completion.
// Subsequent calls return the same report.
func (r *RunState) Finalize(snap fleet.Snapshot) *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return r.final
	}

	now := time.Now()
	results := make([]Result, 0, len(r.results))
	for _, res := range r.results {
		results = append(results, res)
	}
	sort.SliceStable(results, func(i, j int) bool {
		oi, iok := r.order[results[i].Name]
		oj, jok := r.order[results[j].Name]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return results[i].Name < results[j].Name
	})

	servers := make([]string, len(snap.Names))
	copy(servers, snap.Names)

	r.final = &Report{
		RunID:     r.id,
		Counters:  snap.Counters,
		Timestamp: now.UTC().Format(time.RFC3339),
		Duration:  now.Sub(r.started).Seconds(),
		StartedAt: r.started.UTC(),
		Servers:   servers,
		Results:   results,
	}
	return r.final
}
