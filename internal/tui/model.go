package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
	"github.com/randomizedcoder/go-fleet-orchestrator/internal/metrics"
)

// =============================================================================
// Phases
// =============================================================================

// Phase is the orchestrator's coarse progress.
type Phase int

const (
	PhaseDeploying Phase = iota
	PhaseRunning
	PhaseStopping
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDeploying:
		return "Deploying"
	case PhaseRunning:
		return "Running"
	case PhaseStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// PhaseMsg reports a phase change.
type PhaseMsg Phase

// BatchMsg reports that batch Index (0-based) of Count has started.
type BatchMsg struct {
	Index int
	Count int
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// FleetSource provides the live fleet state. *fleet.Registry implements it.
type FleetSource interface {
	Snapshot() fleet.Snapshot
}

// StatsSource provides run statistics. *metrics.Collector implements it.
type StatsSource interface {
	GenerateSummary() *metrics.Summary
}

// Config holds TUI configuration.
type Config struct {
	Version     string
	Workers     int
	BatchSize   int
	Batches     int
	MetricsAddr string
	StatusPath  string
	Fleet       FleetSource
	Stats       StatsSource
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	version     string
	workers     int
	batchSize   int
	batches     int
	metricsAddr string
	statusPath  string

	// Current state
	snapshot     fleet.Snapshot
	summary      *metrics.Summary
	phase        Phase
	batch        int // batches started
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	fleet FleetSource
	stats StatsSource

	// Quit flag
	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	m := Model{
		version:     cfg.Version,
		workers:     cfg.Workers,
		batchSize:   cfg.BatchSize,
		batches:     cfg.Batches,
		metricsAddr: cfg.MetricsAddr,
		statusPath:  cfg.StatusPath,
		fleet:       cfg.Fleet,
		stats:       cfg.Stats,
		snapshot:    fleet.Snapshot{Counters: fleet.Counters{Total: cfg.Workers}},
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
	return m
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case PhaseMsg:
		m.phase = Phase(msg)
		m.refresh()
		return m, nil

	case BatchMsg:
		m.batch = msg.Index + 1
		if msg.Count > 0 {
			m.batches = msg.Count
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// refresh pulls the latest state from the sources.
func (m *Model) refresh() {
	if m.fleet != nil {
		m.snapshot = m.fleet.Snapshot()
	}
	if m.stats != nil {
		m.summary = m.stats.GenerateSummary()
	}
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && len(m.snapshot.States) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Counters returns the last seen fleet counters.
func (m Model) Counters() fleet.Counters {
	return m.snapshot.Counters
}

// Phase returns the current phase.
func (m Model) Phase() Phase {
	return m.phase
}

// DeployProgress returns the settled share of the fleet (0.0 to 1.0).
func (m Model) DeployProgress() float64 {
	c := m.snapshot.Counters
	if c.Total == 0 {
		return 0
	}
	return float64(c.Settled()) / float64(c.Total)
}

// FailureRate returns failed/settled, or 0 before anything settled.
func (m Model) FailureRate() float64 {
	c := m.snapshot.Counters
	if c.Settled() == 0 {
		return 0
	}
	return float64(c.Failed) / float64(c.Settled())
}
