// This file implements the exit summary formatter which displays the
// population statistics at program exit.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randomizedcoder/go-abr-swarm/internal/logging"
	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/throughput"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// TargetSessions is the number of concurrent sessions requested
	TargetSessions int

	// Duration is the total run duration
	Duration time.Duration

	// Policy is the profile selection policy name
	Policy string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// TotalRestarts is the number of respawned sessions
	TotalRestarts int

	// RecentFailures are the latest failed sessions, newest last
	RecentFailures []session.Record

	// TopErrors are the most frequent failure messages
	TopErrors []logging.ErrorCount
}

// FormatExitSummary formats aggregated stats for display at program exit.
func FormatExitSummary(stats *AggregatedStats, cfg SummaryConfig) string {
	if stats == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                           abr-swarm Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Target Sessions:        %d\n", cfg.TargetSessions)
	fmt.Fprintf(&b, "Peak Active Sessions:   %d\n", stats.PeakActiveSessions)
	if cfg.Policy != "" {
		fmt.Fprintf(&b, "Profile Selection:      %s\n", cfg.Policy)
	}
	b.WriteString("\n")

	// Request statistics
	writeSection(&b, "Request Statistics")

	perSession := int64(1)
	if stats.SessionsStarted > 0 {
		perSession = stats.SessionsStarted
	}

	fmt.Fprintf(&b, "  %-20s %12s %12s %12s\n", "Request Type", "Total", "Rate (/sec)", "Per Session")
	b.WriteString("  " + strings.Repeat("─", 58) + "\n")
	fmt.Fprintf(&b, "  %-20s %12s %12s %12d\n",
		"Manifest",
		FormatNumber(stats.TotalManifestReqs),
		"-",
		stats.TotalManifestReqs/perSession,
	)
	if stats.TotalVariantReqs > 0 {
		fmt.Fprintf(&b, "  %-20s %12s %12s %12d\n",
			"Variant playlist",
			FormatNumber(stats.TotalVariantReqs),
			"-",
			stats.TotalVariantReqs/perSession,
		)
	}
	fmt.Fprintf(&b, "  %-20s %12s %12.1f %12d\n",
		"Segment",
		FormatNumber(stats.TotalSegmentReqs),
		stats.SegmentReqRate,
		stats.TotalSegmentReqs/perSession,
	)
	fmt.Fprintf(&b, "\n  Total Bytes:          %s  (%s/s)\n\n",
		FormatBytes(stats.TotalBytes),
		FormatBytes(int64(stats.ThroughputBytesPerSec)),
	)

	// Segment latency
	if stats.SegmentLatencyCount > 0 {
		writeSection(&b, "Segment Latency")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(stats.SegmentLatencyP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(stats.SegmentLatencyP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(stats.SegmentLatencyP99))
		fmt.Fprintf(&b, "  Max:                  %s\n", FormatMs(stats.SegmentLatencyMax))
		fmt.Fprintf(&b, "  Over-time cycles:     %d\n\n", stats.TotalOverTime)
	}

	// ABR behaviour
	if stats.ThroughputCount > 0 || len(stats.Selections) > 0 {
		writeSection(&b, "Adaptive Bitrate")
		if stats.ThroughputCount > 0 {
			fmt.Fprintf(&b, "  Throughput P05:       %s\n", throughput.Format(stats.ThroughputP05))
			fmt.Fprintf(&b, "  Throughput P50:       %s\n", throughput.Format(stats.ThroughputP50))
			fmt.Fprintf(&b, "  Throughput P95:       %s\n", throughput.Format(stats.ThroughputP95))
		}
		fmt.Fprintf(&b, "  Switches:             %d\n", stats.TotalSwitches)
		if len(stats.Selections) > 0 {
			b.WriteString("\n  Selections by bandwidth:\n")
			for _, bw := range stats.SelectionBandwidths() {
				fmt.Fprintf(&b, "    %-16s %d\n", throughput.Format(float64(bw)), stats.Selections[bw])
			}
		}
		b.WriteString("\n")
	}

	// Lifecycle
	writeSection(&b, "Session Lifecycle")
	fmt.Fprintf(&b, "  Sessions Started:     %d\n", stats.SessionsStarted)
	fmt.Fprintf(&b, "  Sessions Terminated:  %d\n", stats.SessionsTerminated)
	if cfg.TotalRestarts > 0 {
		fmt.Fprintf(&b, "  Respawns:             %d\n", cfg.TotalRestarts)
	}
	if stats.LifetimeP50 > 0 {
		fmt.Fprintf(&b, "  Lifetime P50/P95/P99: %s / %s / %s\n",
			FormatDuration(stats.LifetimeP50),
			FormatDuration(stats.LifetimeP95),
			FormatDuration(stats.LifetimeP99),
		)
	}
	if len(stats.Terminations) > 0 {
		b.WriteString("\n")
		for _, kind := range session.Kinds {
			if n, ok := stats.Terminations[kind]; ok {
				fmt.Fprintf(&b, "  %-24s %d\n", kind.String(), n)
			}
		}
	}
	b.WriteString("\n")

	// Errors
	if len(stats.TotalHTTPErrors) > 0 || stats.TotalTransportErrors > 0 {
		writeSection(&b, "Errors")

		codes := make([]int, 0, len(stats.TotalHTTPErrors))
		for code := range stats.TotalHTTPErrors {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			count := stats.TotalHTTPErrors[code]
			if code == 0 {
				// Code 0 is the sentinel for "other" (non-standard HTTP error codes)
				fmt.Fprintf(&b, "  HTTP Other:           %d\n", count)
			} else {
				fmt.Fprintf(&b, "  HTTP %d:             %d\n", code, count)
			}
		}
		if stats.TotalTransportErrors > 0 {
			fmt.Fprintf(&b, "  Transport:            %d\n", stats.TotalTransportErrors)
		}
		fmt.Fprintf(&b, "  Error Rate:           %.4f%%\n\n", stats.ErrorRate*100)
	}

	// Recent failures (from the audit log)
	if len(cfg.RecentFailures) > 0 {
		writeSection(&b, "Recent Failures")
		for _, rec := range cfg.RecentFailures {
			fmt.Fprintf(&b, "  %s  %-20s %s\n", shortID(rec.SessionID), rec.Kind.String(), errorText(rec.Err))
		}
		b.WriteString("\n")
	}

	if len(cfg.TopErrors) > 0 {
		writeSection(&b, "Top Errors")
		for _, e := range cfg.TopErrors {
			fmt.Fprintf(&b, "  %6d  %s\n", e.Count, e.Message)
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

// formatBasicSummary formats a basic summary when stats are not available.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                           abr-swarm Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Target Sessions:        %d\n\n", cfg.TargetSessions)

	b.WriteString("(No sessions were started)\n\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	pad := (79 - len(title)) / 2
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight + "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 60 {
		return msg[:57] + "..."
	}
	return msg
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with SI suffixes.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
