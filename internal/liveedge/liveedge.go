// Package liveedge locates the segment a live session should fetch: the
// newest one, or the one closest to a point behind it.
package liveedge

import (
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
)

// ErrNoSegments is returned for an empty segment list.
var ErrNoSegments = errors.New("segment list is empty")

// MissingTimestampError means a segment has no program date time, so the
// live edge cannot be established.
type MissingTimestampError struct {
	Index int
	URL   string
}

func (e *MissingTimestampError) Error() string {
	return fmt.Sprintf("segment %d (%s) has no program date time", e.Index, e.URL)
}

// Latest returns the segment with the greatest program date time. On equal
// timestamps the first one listed wins.
func Latest(segments []manifest.Segment) (manifest.Segment, error) {
	if len(segments) == 0 {
		return manifest.Segment{}, ErrNoSegments
	}
	if err := checkTimestamps(segments); err != nil {
		return manifest.Segment{}, err
	}

	best := 0
	for i := 1; i < len(segments); i++ {
		if segments[i].ProgramDateTime.After(segments[best].ProgramDateTime) {
			best = i
		}
	}
	return segments[best], nil
}

// Timeshifted returns the segment whose program date time is nearest to
// offset before the live edge. Ties go to the earlier segment. A zero or
// negative offset returns Latest.
func Timeshifted(segments []manifest.Segment, offset time.Duration) (manifest.Segment, error) {
	latest, err := Latest(segments)
	if err != nil {
		return manifest.Segment{}, err
	}
	if offset <= 0 {
		return latest, nil
	}

	target := latest.ProgramDateTime.Add(-offset)
	best := 0
	bestDist := distance(segments[0].ProgramDateTime, target)
	for i := 1; i < len(segments); i++ {
		d := distance(segments[i].ProgramDateTime, target)
		switch {
		case d < bestDist:
			best, bestDist = i, d
		case d == bestDist && segments[i].ProgramDateTime.Before(segments[best].ProgramDateTime):
			best = i
		}
	}
	return segments[best], nil
}

func checkTimestamps(segments []manifest.Segment) error {
	for i, s := range segments {
		if !s.HasProgramDateTime() {
			return &MissingTimestampError{Index: i, URL: s.URL}
		}
	}
	return nil
}

func distance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
