package fleet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by RecordReady once shutdown has begun. The caller
// still owns the process and must stop it.
var ErrClosed = errors.New("fleet registry closed")

// Process is a live worker as seen by the registry.
// *process.Handle implements it.
type Process interface {
	Name() string
	Pid() int
	Done() <-chan struct{}
	Terminate(grace time.Duration) error
}

// Counters are the fleet-wide tallies.
// Invariant: Running <= Deployed <= Total and Deployed+Failed <= Total.
type Counters struct {
	Total    int `json:"total"`
	Deployed int `json:"deployed"`
	Failed   int `json:"failed"`
	Running  int `json:"running"`
}

// Settled returns how many workers have an outcome.
func (c Counters) Settled() int {
	return c.Deployed + c.Failed
}

// Pending returns how many workers have not settled yet.
func (c Counters) Pending() int {
	return c.Total - c.Settled()
}

// Snapshot is a copy of the registry's state at one instant.
type Snapshot struct {
	Counters

	// Names of live workers, sorted.
	Names []string `json:"servers"`

	// States of every worker the registry knows about.
	States map[string]State `json:"-"`
}

// Event describes one registry mutation.
type Event struct {
	// Seq increases by one per mutation, starting at 1.
	Seq      uint64
	Worker   string
	State    State
	Counters Counters
}

// Observer is called after every mutation, outside the registry lock.
// Observers see events one at a time in Seq order. They may read the
// registry but must not mutate it.
type Observer func(Event)

// Registry is the single owner of the live worker table and the counters.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	counters Counters
	live     map[string]Process
	states   map[string]State
	closed   bool
	seq      uint64

	// Events are delivered strictly in Seq order; delivered is the last
	// one handed to the observers.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	delivered  uint64
	observers  []Observer
}

// NewRegistry creates a registry for a fleet with the given worker names.
// Total is fixed at len(names).
func NewRegistry(names []string) *Registry {
	states := make(map[string]State, len(names))
	for _, n := range names {
		states[n] = StatePending
	}
	r := &Registry{
		counters: Counters{Total: len(names)},
		live:     make(map[string]Process, len(names)),
		states:   states,
	}
	r.notifyCond = sync.NewCond(&r.notifyMu)
	return r
}

// OnChange registers an observer. Register observers before the run starts.
func (r *Registry) OnChange(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// MarkLaunching records that a worker's process has been spawned.
func (r *Registry) MarkLaunching(name string) {
	r.mu.Lock()
	r.states[name] = StateLaunching
	r.publish(name, StateLaunching)
}

// RecordReady adds a ready worker to the live table.
//
// Recording the same name twice is a programming error and panics.
// After Close it returns ErrClosed and records nothing.
func (r *Registry) RecordReady(name string, p Process) error {
	r.mu.Lock()
	if _, exists := r.live[name]; exists || r.states[name].IsSettled() {
		r.mu.Unlock()
		panic(fmt.Sprintf("fleet: worker %q recorded twice", name))
	}
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	r.live[name] = p
	r.states[name] = StateReady
	r.counters.Deployed++
	r.counters.Running++
	r.publish(name, StateReady)
	return nil
}

// RecordFailure counts a worker that never became ready.
// Recording an outcome twice for the same name panics.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	if _, exists := r.live[name]; exists || r.states[name].IsSettled() {
		r.mu.Unlock()
		panic(fmt.Sprintf("fleet: worker %q recorded twice", name))
	}

	r.states[name] = StateFailed
	r.counters.Failed++
	r.publish(name, StateFailed)
}

// RecordStopped removes a worker from the live table. It returns false,
// and changes nothing, if the name is not live.
func (r *Registry) RecordStopped(name string) bool {
	r.mu.Lock()
	if _, exists := r.live[name]; !exists {
		r.mu.Unlock()
		return false
	}

	delete(r.live, name)
	r.states[name] = StateStopped
	r.counters.Running--
	r.publish(name, StateStopped)
	return true
}

// Close stops the registry from accepting new ready workers.
// It returns false if it was already closed.
func (r *Registry) Close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	return true
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Counters returns the current counters.
func (r *Registry) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// State returns a worker's lifecycle state. Unknown names are pending.
func (r *Registry) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

// Snapshot returns a copy of the counters, live names and states.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	sort.Strings(names)

	states := make(map[string]State, len(r.states))
	for n, s := range r.states {
		states[n] = s
	}

	return Snapshot{
		Counters: r.counters,
		Names:    names,
		States:   states,
	}
}

// Live returns a copy of the live table.
func (r *Registry) Live() map[string]Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[string]Process, len(r.live))
	for n, p := range r.live {
		live[n] = p
	}
	return live
}

// publish must be called with mu held. It releases mu, then delivers the
// event once every earlier event has been delivered.
func (r *Registry) publish(name string, state State) {
	r.seq++
	ev := Event{Seq: r.seq, Worker: name, State: state, Counters: r.counters}
	obs := r.observers
	r.mu.Unlock()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for r.delivered != ev.Seq-1 {
		r.notifyCond.Wait()
	}
	defer func() {
		r.delivered = ev.Seq
		r.notifyCond.Broadcast()
	}()

	for _, o := range obs {
		o(ev)
	}
}
