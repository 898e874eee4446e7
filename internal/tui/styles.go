// Package tui provides a live terminal dashboard for ABR load testing.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays real-time metrics including:
// - Session ramp-up progress
// - Request rates and throughput
// - Representation mix and switches
// - Segment latency percentiles
// - Errors and terminations
// - Origin server load, when exporters are configured
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Color Palette
// =============================================================================

// Colors based on a modern dark theme
var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	// Status colors
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	// Neutral colors
	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	// Box/panel styles
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder).
				MarginTop(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)

	labelWideStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(25)
)

// =============================================================================
// Progress Bar Styles
// =============================================================================

var (
	progressBarStyle = lipgloss.NewStyle().
				Foreground(colorPrimary)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(colorBorder)

	progressPercentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Bold(true)
)

// =============================================================================
// Table Styles
// =============================================================================

var (
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	tableRowEvenStyle = lipgloss.NewStyle().
				Foreground(colorText)

	tableRowOddStyle = lipgloss.NewStyle().
				Foreground(colorTextMuted)
)

// =============================================================================
// Swarm Health Indicator
// =============================================================================

// HealthStatus summarises the request error rate.
type HealthStatus int

const (
	HealthOK HealthStatus = iota
	HealthDegraded
	HealthFailing
)

// GetHealthStatus returns the status for an error rate (errors / requests).
func GetHealthStatus(errorRate float64) HealthStatus {
	switch {
	case errorRate > 0.10: // >10% of requests failed
		return HealthFailing
	case errorRate > 0.0:
		return HealthDegraded
	default:
		return HealthOK
	}
}

// GetHealthLabel returns a styled label for the header.
func GetHealthLabel(errorRate float64) string {
	switch GetHealthStatus(errorRate) {
	case HealthFailing:
		return statusError.Render("● Failing")
	case HealthDegraded:
		return statusWarning.Render("● Degraded")
	default:
		return statusOK.Render("● Healthy")
	}
}

// =============================================================================
// Throughput Headroom Indicator
// =============================================================================

// GetHeadroomStyle returns a style for the ratio of measured throughput to
// the declared bandwidth of the active representation. Below 1.0 the
// session cannot sustain what it plays.
func GetHeadroomStyle(ratio float64) lipgloss.Style {
	switch {
	case ratio >= 1.0:
		return valueGoodStyle
	case ratio >= 0.9:
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// GetHeadroomLabel returns a styled headroom value.
func GetHeadroomLabel(throughput float64, bandwidth uint64) string {
	if bandwidth == 0 || throughput == 0 {
		return dimStyle.Render("N/A")
	}
	ratio := throughput / float64(bandwidth)
	return GetHeadroomStyle(ratio).Render(fmt.Sprintf("%.2fx", ratio))
}

// =============================================================================
// Error Rate Indicator
// =============================================================================

// GetErrorRateStyle returns a style based on error rate.
func GetErrorRateStyle(errorRate float64) lipgloss.Style {
	switch {
	case errorRate == 0:
		return valueGoodStyle
	case errorRate < 0.01: // <1%
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	filled = min(max(filled, 0), width)

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
