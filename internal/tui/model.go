package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/randomizedcoder/go-abr-swarm/internal/metrics"
	"github.com/randomizedcoder/go-abr-swarm/internal/stats"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatsMsg carries updated statistics.
type StatsMsg struct {
	Stats  *stats.AggregatedStats
	Origin *metrics.OriginMetrics
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	targetSessions int
	urlSource      string
	policy         string
	metricsAddr    string

	// Current state
	stats        *stats.AggregatedStats
	origin       *metrics.OriginMetrics
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	statsSource  StatsSource
	originSource OriginSource

	quitting bool
}

// StatsSource provides aggregated statistics.
type StatsSource interface {
	GetAggregatedStats() *stats.AggregatedStats
}

// OriginSource provides the latest origin scrape. Optional; the origin
// panel is hidden when it is nil or returns nil.
type OriginSource interface {
	OriginMetrics() *metrics.OriginMetrics
}

// Config holds TUI configuration.
type Config struct {
	TargetSessions int
	URLSource      string // entry URL or URL list path
	Policy         string
	MetricsAddr    string
	StatsSource    StatsSource
	OriginSource   OriginSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		targetSessions: cfg.TargetSessions,
		urlSource:      cfg.URLSource,
		policy:         cfg.Policy,
		metricsAddr:    cfg.MetricsAddr,
		statsSource:    cfg.StatsSource,
		originSource:   cfg.OriginSource,
		startTime:      time.Now(),
		lastUpdate:     time.Now(),
		width:          80,
		height:         24,
	}
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
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case StatsMsg:
		m.stats = msg.Stats
		if msg.Origin != nil {
			m.origin = msg.Origin
		}
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh() {
	if m.statsSource != nil {
		if s := m.statsSource.GetAggregatedStats(); s != nil {
			m.stats = s
		}
	}
	if m.originSource != nil {
		m.origin = m.originSource.OriginMetrics()
	}
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && m.stats != nil && len(m.stats.PerSessionSummaries) > 0 {
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

// Elapsed returns the run time, preferring the aggregator's clock.
func (m Model) Elapsed() time.Duration {
	if m.stats != nil && m.stats.Elapsed > 0 {
		return m.stats.Elapsed
	}
	return time.Since(m.startTime)
}

// ActiveSessions returns the current active session count.
func (m Model) ActiveSessions() int {
	if m.stats == nil {
		return 0
	}
	return m.stats.ActiveSessions
}

// TargetSessions returns the target session count.
func (m Model) TargetSessions() int {
	return m.targetSessions
}

// RampProgress returns the ramp-up progress (0.0 to 1.0).
func (m Model) RampProgress() float64 {
	if m.targetSessions == 0 {
		return 0
	}
	return min(float64(m.ActiveSessions())/float64(m.targetSessions), 1)
}

// ErrorRate returns failed requests over all requests.
func (m Model) ErrorRate() float64 {
	if m.stats == nil {
		return 0
	}
	return m.stats.ErrorRate
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendStats sends a stats update to the TUI.
func SendStats(p *tea.Program, s *stats.AggregatedStats) {
	if p != nil {
		p.Send(StatsMsg{Stats: s})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatBitrate formats bits per second, e.g. "2.4 Mbps".
func formatBitrate(bps float64) string {
	if bps <= 0 {
		return "0 bps"
	}
	return humanize.SIWithDigits(bps, 1, "bps")
}

// formatByteRate formats bytes per second, e.g. "1.2 MB/s".
func formatByteRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// formatPercent formats a ratio as a percentage.
func formatPercent(ratio float64) string {
	if ratio < 0.0001 && ratio > 0 {
		return "<0.01%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}

// formatWindow formats a rate window label, e.g. "1s", "30s", "5m".
func formatWindow(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// truncateString truncates a string to maxLen, adding "..." if needed.
func truncateString(s string, maxLen int) string {
	if maxLen <= 3 {
		if len(s) <= maxLen {
			return s
		}
		return s[:maxLen]
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
