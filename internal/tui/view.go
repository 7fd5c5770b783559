package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-fleet-orchestrator/internal/fleet"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main summary dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	// Header
	sections = append(sections, m.renderHeader())

	// Progress section
	sections = append(sections, m.renderProgress())

	// Counters and startup latency side by side
	sections = append(sections, m.renderFleetStats())

	// Failures section (only if there are failures)
	if m.hasFailures() {
		sections = append(sections, m.renderFailures())
	}

	// Footer
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-worker details.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderWorkerTable())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	c := m.Counters()

	header := fmt.Sprintf(
		" fleet-orchestrator %s │ %s │ Running: %d/%d │ Elapsed: %s ",
		m.version,
		PhaseLabel(m.phase),
		c.Running,
		c.Total,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.DeployProgress()
	c := m.Counters()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	switch {
	case m.phase == PhaseStopping:
		status = statusWarning.Render(fmt.Sprintf("Stopping %d workers...", c.Running))
	case progress >= 1.0:
		status = statusOK.Render(fmt.Sprintf("✓ Deployment complete: %d ready, %d failed", c.Deployed, c.Failed))
	default:
		status = statusInfo.Render(fmt.Sprintf("Deploying batch %d/%d... %d/%d settled",
			m.batch, m.batches, c.Settled(), c.Total))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Deployment Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Fleet Statistics
// =============================================================================

func (m Model) renderFleetStats() string {
	c := m.Counters()

	left := []string{
		sectionHeaderStyle.Render("Fleet"),
		RenderKeyValue("Total", fmt.Sprintf("%d", c.Total)),
		RenderKeyValue("Deployed", valueGoodStyle.Render(fmt.Sprintf("%d", c.Deployed))),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failed:"),
			GetFailureRateStyle(m.FailureRate()).Render(fmt.Sprintf("%d", c.Failed)),
			unitStyle.Render(fmt.Sprintf(" (%.1f%%)", m.FailureRate()*100)),
		),
		RenderKeyValue("Running", fmt.Sprintf("%d", c.Running)),
		RenderKeyValue("Pending", fmt.Sprintf("%d", c.Pending())),
	}
	if m.summary != nil {
		left = append(left, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Ready rate:"),
			valueStyle.Render(fmt.Sprintf("%.1f", m.summary.ReadyRate5s)),
			unitStyle.Render(fmt.Sprintf("/s (1m %.1f/s)", m.summary.ReadyRate60s)),
		))
	}

	right := []string{sectionHeaderStyle.Render("Startup Latency")}
	if m.summary == nil || m.summary.StartupSamples == 0 {
		right = append(right, dimStyle.Render("no workers ready yet"))
	} else {
		s := m.summary
		right = append(right,
			renderLatencyRow("P50 (median)", s.StartupP50),
			renderLatencyRow("P95", s.StartupP95),
			renderLatencyRow("P99", s.StartupP99),
			renderLatencyRow("Max", s.StartupMax),
			dimStyle.Render(fmt.Sprintf("* %d samples, peak running %d", s.StartupSamples, s.PeakRunning)),
		)
	}

	return boxStyle.Width(m.width - 2).Render(renderTwoColumns(left, right, m.width-2))
}

func renderLatencyRow(label string, d time.Duration) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(formatMsFromDuration(d)),
	)
}

// =============================================================================
// Failures
// =============================================================================

func (m Model) hasFailures() bool {
	return m.summary != nil && len(m.summary.FailReasons) > 0
}

func (m Model) renderFailures() string {
	reasons := make([]string, 0, len(m.summary.FailReasons))
	for r := range m.summary.FailReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	rows := []string{sectionHeaderStyle.Render("Failures")}
	for _, r := range reasons {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render(r+":"),
			valueBadStyle.Render(fmt.Sprintf("%d", m.summary.FailReasons[r])),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Worker Table
// =============================================================================

func (m Model) renderWorkerTable() string {
	names := make([]string, 0, len(m.snapshot.States))
	for name := range m.snapshot.States {
		names = append(names, name)
	}
	sort.Strings(names)

	nameWidth := 12
	for _, n := range names {
		if len(n)+2 > nameWidth {
			nameWidth = len(n) + 2
		}
	}
	if maxWidth := m.width / 2; nameWidth > maxWidth && maxWidth > 12 {
		nameWidth = maxWidth
	}

	header := tableHeaderStyle.Render(lipgloss.JoinHorizontal(lipgloss.Left,
		tableCellStyle.Width(nameWidth).Render("Worker"),
		tableCellStyle.Render("State"),
	))

	// Leave room for the header, footer and box borders.
	maxRows := m.height - 10
	if maxRows < 5 {
		maxRows = 5
	}

	counts := StateCounts(m.snapshot.States)
	var tally []string
	for _, st := range []fleet.State{fleet.StatePending, fleet.StateLaunching, fleet.StateReady, fleet.StateFailed, fleet.StateStopped} {
		if counts[st] > 0 {
			tally = append(tally, StateStyle(st).Render(fmt.Sprintf("%s %d", st, counts[st])))
		}
	}

	rows := []string{
		sectionHeaderStyle.Render("Workers"),
		strings.Join(tally, mutedStyle.Render(" │ ")),
		header,
	}
	for i, name := range names {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more", len(names)-maxRows)))
			break
		}
		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			rowStyle.Width(nameWidth).Render(truncate(name, nameWidth-1)),
			StateLabel(m.snapshot.States[name]),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// StateCounts tallies workers per lifecycle state.
func StateCounts(states map[string]fleet.State) map[fleet.State]int {
	counts := make(map[fleet.State]int)
	for _, s := range states {
		counts[s]++
	}
	return counts
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	var info []string
	if m.metricsAddr != "" {
		info = append(info, "Metrics: http://"+m.metricsAddr+"/metrics")
	}
	if m.statusPath != "" {
		info = append(info, "Status: "+m.statusPath)
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(strings.Join(info, " │ "))

	// Pad to fill width
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Formatting helpers
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	mins := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, mins, s)
}

func formatMsFromDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string, totalWidth int) string {
	separatorWidth := 3 // " │ "
	padding := 2        // Box padding
	availableWidth := totalWidth - separatorWidth - padding*2

	leftWidth := availableWidth / 2
	if leftWidth < 20 {
		leftWidth = 20
	}

	leftContent := lipgloss.NewStyle().Width(leftWidth).Render(lipgloss.JoinVertical(lipgloss.Left, left...))
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}
