// Package fleet tracks which workers are live and owns the fleet counters.
package fleet

// State is where a worker is in its deployment lifecycle.
type State int

const (
	// StatePending means the worker has not been launched yet.
	StatePending State = iota

	// StateLaunching means the process was spawned and readiness is awaited.
	StateLaunching

	// StateReady means the worker reported ready and is tracked as live.
	StateReady

	// StateFailed means the worker never became ready.
	StateFailed

	// StateStopped means a ready worker has since exited or been stopped.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while the worker may have a live process.
func (s State) IsActive() bool {
	return s == StateLaunching || s == StateReady
}

// IsSettled returns true once the deployment attempt has an outcome.
func (s State) IsSettled() bool {
	return s == StateReady || s == StateFailed || s == StateStopped
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateStopped
}
