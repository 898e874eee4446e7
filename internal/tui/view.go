package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main summary dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())

	if m.stats != nil {
		sections = append(sections, m.renderRequestStats())
		sections = append(sections, m.renderABRStats())
		if m.stats.SegmentLatencyCount > 0 {
			sections = append(sections, m.renderLatencyStats())
		}
		if m.hasErrors() {
			sections = append(sections, m.renderErrorStats())
		}
	}

	if m.origin != nil {
		sections = append(sections, m.renderOriginStats())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-session details.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderSessionTable(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" abr-swarm │ %s │ Sessions: %d/%d │ Elapsed: %s ",
		GetHealthLabel(m.ErrorRate()),
		m.ActiveSessions(),
		m.targetSessions,
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.RampProgress()

	barWidth := max(m.width-30, 20)
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	if progress >= 1.0 {
		status = statusOK.Render("✓ All sessions running")
	} else {
		status = statusInfo.Render(fmt.Sprintf("Ramping up... %d/%d", m.ActiveSessions(), m.targetSessions))
	}

	lines := []string{
		sectionHeaderStyle.Render("Ramp Progress"),
		progressBar,
		status,
	}
	if m.stats != nil && len(m.stats.StateCounts) > 0 {
		lines = append(lines, mutedStyle.Render(formatStateCounts(m.stats.StateCounts)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// formatStateCounts renders e.g. "fetching_segment 3 · waiting 7".
func formatStateCounts(counts map[session.State]int) string {
	var parts []string
	for _, st := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s %d", st, counts[st]))
	}
	return strings.Join(parts, " · ")
}

// =============================================================================
// Request Statistics
// =============================================================================

func (m Model) renderRequestStats() string {
	s := m.stats

	rows := []string{
		renderStatRow("Manifest Requests", stats.FormatNumber(s.TotalManifestReqs), stats.FormatRate(s.ManifestReqRate)),
	}
	if s.TotalVariantReqs > 0 {
		rows = append(rows, renderStatRow("Variant Playlists", stats.FormatNumber(s.TotalVariantReqs), "-"))
	}
	rows = append(rows,
		renderStatRow("Segment Requests", stats.FormatNumber(s.TotalSegmentReqs), stats.FormatRate(s.SegmentReqRate)),
		renderStatRow("Total Bytes", stats.FormatBytes(s.TotalBytes), formatByteRate(s.ThroughputBytesPerSec)),
	)
	if len(s.ByteRates) > 0 {
		rows = append(rows, RenderKeyValue("Byte Rate", formatByteRates(s.ByteRates)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Request Statistics")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderStatRow(label, value, rate string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelWideStyle.Render(label+":"),
		valueStyle.Width(12).Render(value),
		mutedStyle.Render(" ("),
		valueStyle.Render(rate),
		mutedStyle.Render(")"),
	)
}

// formatByteRates renders the rolling windows shortest first,
// e.g. "1s 1.2 MB/s │ 30s 1.1 MB/s".
func formatByteRates(rates map[time.Duration]float64) string {
	var parts []string
	for _, w := range slices.Sorted(maps.Keys(rates)) {
		parts = append(parts, formatWindow(w)+" "+formatByteRate(rates[w]))
	}
	return strings.Join(parts, " │ ")
}

// =============================================================================
// Adaptive Bitrate
// =============================================================================

func (m Model) renderABRStats() string {
	s := m.stats

	var left []string
	if s.ThroughputCount > 0 {
		left = append(left,
			RenderKeyValue("Throughput P05", formatBitrate(s.ThroughputP05)),
			RenderKeyValue("Throughput P50", formatBitrate(s.ThroughputP50)),
			RenderKeyValue("Throughput P95", formatBitrate(s.ThroughputP95)),
			RenderKeyValue("Active Average", formatBitrate(s.AvgThroughput)),
		)
	} else {
		left = append(left, dimStyle.Render("No throughput samples yet"))
	}
	left = append(left, RenderKeyValue("Switches", stats.FormatNumber(s.TotalSwitches)))

	overTimeStyle := valueStyle
	if s.TotalOverTime > 0 {
		overTimeStyle = valueWarnStyle
	}
	left = append(left, lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Over-time Cycles:"),
		overTimeStyle.Render(stats.FormatNumber(s.TotalOverTime)),
	))

	right := []string{mutedStyle.Render("Representation mix")}
	right = append(right, renderRepresentationMix(s.RepresentationMix, s.ActiveSessions, 10)...)

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Adaptive Bitrate"),
		renderTwoColumns(left, right, m.width-2),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// renderRepresentationMix renders one bar per bandwidth, highest first,
// scaled against the number of active sessions.
func renderRepresentationMix(mix map[uint64]int, active int, barWidth int) []string {
	if len(mix) == 0 {
		return []string{dimStyle.Render("none selected")}
	}
	total := active
	if total == 0 {
		for _, n := range mix {
			total += n
		}
	}

	bandwidths := slices.Sorted(maps.Keys(mix))
	slices.Reverse(bandwidths)

	rows := make([]string, 0, len(bandwidths))
	for _, bw := range bandwidths {
		n := mix[bw]
		ratio := float64(n) / float64(total)
		rows = append(rows, fmt.Sprintf("%-10s %s %d",
			formatBitrate(float64(bw)),
			progressBarStyle.Render(renderMixBar(ratio, barWidth)),
			n,
		))
	}
	return rows
}

// renderMixBar renders a fixed-width bar using filled and empty circles.
func renderMixBar(ratio float64, width int) string {
	filled := int(ratio * float64(width))
	filled = min(max(filled, 0), width)
	return strings.Repeat("●", filled) + strings.Repeat("○", width-filled)
}

// =============================================================================
// Latency Statistics
// =============================================================================

func (m Model) renderLatencyStats() string {
	s := m.stats

	rows := []string{
		renderLatencyRow("P50 (median)", s.SegmentLatencyP50),
		renderLatencyRow("P95", s.SegmentLatencyP95),
		renderLatencyRow("P99", s.SegmentLatencyP99),
		renderLatencyRow("Max", s.SegmentLatencyMax),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Segment Latency")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderLatencyRow(label string, d time.Duration) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(stats.FormatMs(d)),
	)
}

// =============================================================================
// Errors and Terminations
// =============================================================================

func (m Model) hasErrors() bool {
	if m.stats == nil {
		return false
	}
	if len(m.stats.TotalHTTPErrors) > 0 || m.stats.TotalTransportErrors > 0 {
		return true
	}
	for kind := range m.stats.Terminations {
		if kind.IsFailure() {
			return true
		}
	}
	return false
}

func (m Model) renderErrorStats() string {
	s := m.stats

	var rows []string

	for _, code := range slices.Sorted(maps.Keys(s.TotalHTTPErrors)) {
		label := fmt.Sprintf("HTTP %d:", code)
		if code == 0 {
			label = "HTTP Other:"
		}
		rows = append(rows,
			lipgloss.JoinHorizontal(lipgloss.Left,
				labelStyle.Render(label),
				valueBadStyle.Render(fmt.Sprintf("%d", s.TotalHTTPErrors[code])),
			),
		)
	}

	if s.TotalTransportErrors > 0 {
		rows = append(rows,
			lipgloss.JoinHorizontal(lipgloss.Left,
				labelStyle.Render("Transport:"),
				valueBadStyle.Render(fmt.Sprintf("%d", s.TotalTransportErrors)),
			),
		)
	}

	rows = append(rows,
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Error Rate:"),
			GetErrorRateStyle(s.ErrorRate).Render(formatPercent(s.ErrorRate)),
		),
	)

	for _, kind := range session.Kinds {
		n, ok := s.Terminations[kind]
		if !ok {
			continue
		}
		style := valueStyle
		if kind.IsFailure() {
			style = valueWarnStyle
		}
		rows = append(rows,
			lipgloss.JoinHorizontal(lipgloss.Left,
				labelWideStyle.Render(kind.String()+":"),
				style.Render(fmt.Sprintf("%d", n)),
			),
		)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Errors & Terminations")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Origin
// =============================================================================

func (m Model) renderOriginStats() string {
	o := m.origin

	if !o.Healthy {
		msg := "waiting for first scrape"
		if o.Error != "" {
			msg = o.Error
		}
		content := lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render("Origin"),
			statusWarning.Render("● "+truncateString(msg, max(m.width-10, 20))),
		)
		return boxStyle.Width(m.width - 2).Render(content)
	}

	left := []string{
		RenderKeyValue("CPU", fmt.Sprintf("%.1f%%", o.CPUPercent)),
		RenderKeyValue("Memory", fmt.Sprintf("%s / %s", stats.FormatBytes(o.MemUsed), stats.FormatBytes(o.MemTotal))),
		RenderKeyValue("Net Out", formatByteRate(o.NetOutRate)),
		RenderKeyValue("Net In", formatByteRate(o.NetInRate)),
	}

	right := []string{
		RenderKeyValue("Connections", stats.FormatNumber(o.NginxConnections)),
		RenderKeyValue("Requests", stats.FormatRate(o.NginxReqRate)),
	}
	if o.NginxReqDuration > 0 {
		right = append(right, RenderKeyValue("Req Duration", stats.FormatMs(time.Duration(o.NginxReqDuration*float64(time.Second)))))
	}
	if o.NetWindowSeconds > 0 {
		right = append(right, RenderKeyValue(
			fmt.Sprintf("Out P50/Max %ds", o.NetWindowSeconds),
			formatByteRate(o.NetOutP50)+" / "+formatByteRate(o.NetOutMax),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Origin"),
		renderTwoColumns(left, right, m.width-2),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Session Table (Detailed View)
// =============================================================================

func (m Model) renderSessionTable() string {
	if m.stats == nil || len(m.stats.PerSessionSummaries) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No per-session data available. Press 'd' to toggle."),
		)
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-10s %-18s %-12s %-12s %-9s %-10s %-8s %-6s %s",
			"Session", "State", "Bandwidth", "Throughput", "Segments", "Bytes", "Switches", "Errors", "Headroom"),
	)

	maxRows := max(m.height-10, 5)

	summaries := m.stats.PerSessionSummaries
	var rows []string
	for i, s := range summaries {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more sessions", len(summaries)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		row := fmt.Sprintf("%-10s %-18s %-12s %-12s %-9d %-10s %-8d %-6d",
			truncateString(s.SessionID, 10),
			s.State,
			formatBitrate(float64(s.Bandwidth)),
			formatBitrate(s.Throughput),
			s.Segments,
			stats.FormatBytes(s.Bytes),
			s.Switches,
			s.Errors,
		)
		if s.Errors > 0 {
			rowStyle = valueBadStyle
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			rowStyle.Render(row),
			" ",
			GetHeadroomLabel(s.Throughput, s.Bandwidth),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Sessions"), header}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
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

	source := m.urlSource
	if m.policy != "" {
		source = m.policy + " │ " + source
	}
	if maxLen := m.width - 60; maxLen > 10 {
		source = truncateString(source, maxLen)
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(source)

	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Two-Column Layout Helper
// =============================================================================

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string, totalWidth int) string {
	const separatorWidth = 3 // " │ "
	const padding = 2
	leftWidth := max((totalWidth-separatorWidth-padding*2)/2, 20)

	leftContent := lipgloss.NewStyle().Width(leftWidth).Render(lipgloss.JoinVertical(lipgloss.Left, left...))
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}
