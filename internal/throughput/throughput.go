// Package throughput turns a completed transfer into a bits-per-second sample.
package throughput

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrDegenerateMeasurement is returned for a transfer that took no
// measurable time. The caller keeps its previous estimate.
var ErrDegenerateMeasurement = errors.New("degenerate throughput measurement: zero elapsed time")

// Measure returns bytes*8 / (elapsedMillis/1000) in bits per second.
func Measure(bytes, elapsedMillis uint64) (float64, error) {
	if elapsedMillis == 0 {
		return 0, ErrDegenerateMeasurement
	}
	return float64(bytes) * 8 * 1000 / float64(elapsedMillis), nil
}

// FromTransfer measures a transfer with millisecond resolution, matching
// how response times are reported by the fetch layer.
func FromTransfer(bytes int64, elapsed time.Duration) (float64, error) {
	if bytes < 0 {
		return 0, fmt.Errorf("negative byte count %d", bytes)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return Measure(uint64(bytes), uint64(elapsed.Milliseconds()))
}

// Format renders a bits-per-second value for logs, e.g. "1.5 Mbps".
func Format(bps float64) string {
	return humanize.SIWithDigits(bps, 1, "bps")
}
