package manifest

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"
)

const (
	// DefaultDASHWindow is the live window used when an MPD carries no
	// timeShiftBufferDepth.
	DefaultDASHWindow = 60 * time.Second

	// DefaultMaxDASHSegments caps the expansion of one representation.
	DefaultMaxDASHSegments = 100000
)

// DASHParser turns an MPD into the manifest model. Segment lists are
// materialised from SegmentTemplate elements, so for dynamic presentations
// the result depends on the current time.
type DASHParser struct {
	Now         func() time.Time
	Window      time.Duration
	MaxSegments int
}

// NewDASHParser returns a parser using the wall clock and default limits.
func NewDASHParser() *DASHParser {
	return &DASHParser{
		Now:         time.Now,
		Window:      DefaultDASHWindow,
		MaxSegments: DefaultMaxDASHSegments,
	}
}

// Parse parses an MPD fetched from manifestURL. The video adaptation set is
// exposed as representations and the audio set, if any, as Audio. When the
// MPD has no video set, the first adaptation set with representations is
// used instead. Dynamic MPDs play the newest period that has started.
func (p *DASHParser) Parse(body []byte, manifestURL string) (*Manifest, error) {
	doc, err := m.ReadFromString(string(body))
	if err != nil {
		return nil, &MalformedManifestError{URL: manifestURL, Err: err}
	}

	man := &Manifest{
		Kind:             KindDASH,
		URL:              manifestURL,
		BaseURL:          baseOf(manifestURL),
		PresentationType: PresentationStatic,
	}
	if doc.Type != nil && *doc.Type == "dynamic" {
		man.PresentationType = PresentationDynamic
	}

	if len(doc.Periods) == 0 {
		return man, nil
	}

	tm, err := p.timingOf(doc, man.PresentationType)
	if err != nil {
		return nil, &MalformedManifestError{URL: manifestURL, Err: err}
	}

	period := doc.Periods[0]
	if man.PresentationType == PresentationDynamic {
		period = livePeriod(doc.Periods, tm.now.Sub(tm.availabilityStart))
	}
	if period == nil {
		return man, nil
	}
	if period.Start != nil {
		tm.periodStart = time.Duration(*period.Start)
	}
	if period.Duration != nil {
		tm.periodDuration = time.Duration(*period.Duration)
	}

	video, audio := splitAdaptationSets(period)
	if video == nil {
		return man, nil
	}

	man.Representations, err = p.representations(tm, video, manifestURL)
	if err != nil {
		return nil, err
	}
	if audio != nil {
		man.Audio, err = p.representations(tm, audio, manifestURL)
		if err != nil {
			return nil, err
		}
	}
	man.IsVariant = len(man.Representations) > 0
	if man.IsVariant && len(man.Representations[0].Segments) > 0 {
		man.TargetDuration = man.Representations[0].Segments[0].Interval()
	}
	return man, nil
}

func (p *DASHParser) representations(tm timing, as *m.AdaptationSetType, manifestURL string) ([]Representation, error) {
	var reps []Representation
	for _, rep := range as.Representations {
		if rep == nil {
			continue
		}
		r := Representation{
			ID:          rep.Id,
			Bandwidth:   uint64(rep.Bandwidth),
			Codecs:      splitCodecs(rep.Codecs),
			URL:         manifestURL,
			ContentType: string(as.ContentType),
		}
		if len(r.Codecs) == 0 {
			r.Codecs = splitCodecs(as.Codecs)
		}
		if r.ContentType == "" {
			r.ContentType, _, _ = strings.Cut(as.MimeType, "/")
		}
		if rep.Width > 0 && rep.Height > 0 {
			r.Resolution = fmt.Sprintf("%dx%d", rep.Width, rep.Height)
		}

		tmpl := rep.SegmentTemplate
		if tmpl == nil {
			tmpl = as.SegmentTemplate
		}
		if tmpl == nil {
			return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("representation %q has no SegmentTemplate", rep.Id)}
		}
		var err error
		r.Segments, err = p.expand(tm, tmpl, r, manifestURL)
		if err != nil {
			return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("representation %q: %w", rep.Id, err)}
		}
		reps = append(reps, r)
	}
	return reps, nil
}

// livePeriod returns the newest period that has started elapsed into the
// presentation. Periods announced ahead of time are skipped.
func livePeriod(periods []*m.Period, elapsed time.Duration) *m.Period {
	var current, first *m.Period
	for _, period := range periods {
		if period == nil {
			continue
		}
		if first == nil {
			first = period
		}
		if period.Start != nil && time.Duration(*period.Start) > elapsed {
			continue
		}
		current = period
	}
	if current == nil {
		return first
	}
	return current
}

// timing holds the clock values shared by all representations of a period.
type timing struct {
	dynamic           bool
	now               time.Time
	availabilityStart time.Time
	periodStart       time.Duration
	periodDuration    time.Duration // Period@duration, 0 if absent
	window            time.Duration
	presentation      time.Duration // static presentation length, 0 if unknown
}

// span is the playable length of a static period, 0 when unknown.
func (t timing) span() time.Duration {
	if t.periodDuration > 0 {
		return t.periodDuration
	}
	if t.presentation > t.periodStart {
		return t.presentation - t.periodStart
	}
	return 0
}

func (p *DASHParser) timingOf(doc *m.MPD, pt PresentationType) (timing, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	t := timing{
		dynamic: pt == PresentationDynamic,
		now:     now(),
		window:  p.Window,
	}
	if t.window <= 0 {
		t.window = DefaultDASHWindow
	}
	if doc.TimeShiftBufferDepth != nil && *doc.TimeShiftBufferDepth > 0 {
		t.window = time.Duration(*doc.TimeShiftBufferDepth)
	}
	if doc.MediaPresentationDuration != nil {
		t.presentation = time.Duration(*doc.MediaPresentationDuration)
	}
	if t.dynamic {
		if doc.AvailabilityStartTime == "" {
			return t, errors.New("dynamic MPD without availabilityStartTime")
		}
		secs, err := doc.AvailabilityStartTime.ConvertToSeconds()
		if err != nil {
			return t, fmt.Errorf("availabilityStartTime: %w", err)
		}
		t.availabilityStart = time.Unix(0, int64(secs*float64(time.Second))).UTC()
	}
	return t, nil
}

// splitAdaptationSets returns the video adaptation set and, when the period
// has one, the audio set played alongside it. Without a video set the first
// set with representations stands in and no audio set is returned.
func splitAdaptationSets(period *m.Period) (video, audio *m.AdaptationSetType) {
	var fallback *m.AdaptationSetType
	for _, as := range period.AdaptationSets {
		if as == nil || len(as.Representations) == 0 {
			continue
		}
		switch {
		case isContent(as, "video"):
			if video == nil {
				video = as
			}
		case isContent(as, "audio"):
			if audio == nil {
				audio = as
			}
		}
		if fallback == nil {
			fallback = as
		}
	}
	if video == nil {
		return fallback, nil
	}
	return video, audio
}

func isContent(as *m.AdaptationSetType, kind string) bool {
	return string(as.ContentType) == kind || strings.HasPrefix(as.MimeType, kind+"/")
}

func (p *DASHParser) maxSegments() int {
	if p.MaxSegments > 0 {
		return p.MaxSegments
	}
	return DefaultMaxDASHSegments
}

// segmentClock carries the SegmentTemplate values every segment of a
// representation is derived from.
type segmentClock struct {
	media       string
	timescale   uint64
	startNumber uint64
	pto         uint64 // presentationTimeOffset, in timescale units
}

// offset is the position of mediaTime within the period. Media times before
// the presentationTimeOffset yield a negative offset.
func (c segmentClock) offset(mediaTime uint64) time.Duration {
	if mediaTime >= c.pto {
		return mediaDuration(mediaTime-c.pto, c.timescale)
	}
	return -mediaDuration(c.pto-mediaTime, c.timescale)
}

func (p *DASHParser) expand(t timing, tmpl *m.SegmentTemplateType, rep Representation, manifestURL string) ([]Segment, error) {
	if tmpl.Media == "" {
		return nil, errors.New("SegmentTemplate without media attribute")
	}
	clk := segmentClock{
		media:       tmpl.Media,
		timescale:   uint64(tmpl.GetTimescale()),
		startNumber: 1,
	}
	if clk.timescale == 0 {
		clk.timescale = 1
	}
	if tmpl.StartNumber != nil {
		clk.startNumber = uint64(*tmpl.StartNumber)
	}
	if tmpl.PresentationTimeOffset != nil {
		clk.pto = *tmpl.PresentationTimeOffset
	}

	if tmpl.SegmentTimeline != nil {
		return p.expandTimeline(t, tmpl.SegmentTimeline.S, clk, rep, manifestURL)
	}
	if tmpl.Duration == nil || *tmpl.Duration == 0 {
		return nil, errors.New("SegmentTemplate has neither SegmentTimeline nor duration")
	}
	return p.expandNumbered(t, uint64(*tmpl.Duration), clk, rep, manifestURL)
}

func (p *DASHParser) expandNumbered(t timing, duration uint64, clk segmentClock, rep Representation, manifestURL string) ([]Segment, error) {
	segDur := mediaDuration(duration, clk.timescale)
	if segDur <= 0 {
		return nil, errors.New("segment duration rounds to zero")
	}

	var first, last uint64
	switch {
	case t.dynamic:
		elapsed := t.now.Sub(t.availabilityStart) - t.periodStart
		if elapsed < segDur {
			return nil, nil
		}
		last = clk.startNumber + uint64(elapsed/segDur) - 1
		count := uint64(t.window / segDur)
		if count == 0 {
			count = 1
		}
		first = clk.startNumber
		if last-clk.startNumber+1 > count {
			first = last - count + 1
		}
	case t.presentation > 0 || t.periodDuration > 0:
		span := t.span()
		if span <= 0 {
			return nil, nil
		}
		total := uint64(math.Ceil(float64(span) / float64(segDur)))
		first, last = clk.startNumber, clk.startNumber+total-1
	default:
		return nil, errors.New("static MPD without mediaPresentationDuration or Period@duration")
	}

	if last-first+1 > uint64(p.maxSegments()) {
		first = last - uint64(p.maxSegments()) + 1
	}

	segments := make([]Segment, 0, last-first+1)
	for n := first; n <= last; n++ {
		mediaTime := clk.pto + (n-clk.startNumber)*duration
		seg, err := newDASHSegment(t, clk, rep, n, mediaTime, duration, manifestURL)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (p *DASHParser) expandTimeline(t timing, entries []*m.S, clk segmentClock, rep Representation, manifestURL string) ([]Segment, error) {
	// horizon bounds open-ended repeats and live availability, in media time
	horizon := clk.pto
	switch {
	case t.dynamic:
		if elapsed := t.now.Sub(t.availabilityStart) - t.periodStart; elapsed > 0 {
			horizon += uint64(elapsed.Seconds() * float64(clk.timescale))
		}
	default:
		horizon += uint64(t.span().Seconds() * float64(clk.timescale))
	}

	var segments []Segment
	mediaTime := clk.pto
	number := clk.startNumber
	for i, s := range entries {
		if s == nil || s.D == 0 {
			continue
		}
		if s.T != nil {
			mediaTime = *s.T
		}
		repeat := int64(s.R)
		if repeat < 0 {
			end := horizon
			if i+1 < len(entries) && entries[i+1] != nil && entries[i+1].T != nil {
				end = *entries[i+1].T
			}
			repeat = 0
			if end > mediaTime {
				repeat = int64((end-mediaTime+s.D-1)/s.D) - 1
			}
		}
		for k := int64(0); k <= repeat; k++ {
			if t.dynamic && mediaTime+s.D > horizon {
				break
			}
			seg, err := newDASHSegment(t, clk, rep, number, mediaTime, s.D, manifestURL)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			mediaTime += s.D
			number++
		}
	}

	if t.dynamic {
		segments = trimWindow(segments, t.window)
	}
	if limit := p.maxSegments(); len(segments) > limit {
		segments = segments[len(segments)-limit:]
	}
	return segments, nil
}

// trimWindow keeps the segments that start within window of the newest one.
func trimWindow(segments []Segment, window time.Duration) []Segment {
	if len(segments) == 0 {
		return segments
	}
	edge := segments[len(segments)-1].ProgramDateTime.Add(-window)
	for i, s := range segments {
		if !s.ProgramDateTime.Before(edge) {
			return segments[i:]
		}
	}
	return segments
}

func newDASHSegment(t timing, clk segmentClock, rep Representation, number, mediaTime, duration uint64, manifestURL string) (Segment, error) {
	segURL, err := resolveURL(manifestURL, expandTemplate(clk.media, rep.ID, rep.Bandwidth, number, mediaTime))
	if err != nil {
		return Segment{}, err
	}
	seg := Segment{
		URL:      segURL,
		Duration: float64(duration) / float64(clk.timescale),
		Sequence: number,
	}
	if t.dynamic {
		seg.ProgramDateTime = t.availabilityStart.Add(t.periodStart + clk.offset(mediaTime))
	}
	return seg, nil
}

func mediaDuration(ticks, timescale uint64) time.Duration {
	return time.Duration(float64(ticks) / float64(timescale) * float64(time.Second))
}

var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(%0(\d+)d)?\$`)

// expandTemplate substitutes the SegmentTemplate identifiers of
// ISO/IEC 23009-1 5.3.9.4.4, including width formatting and $$ escapes.
func expandTemplate(tmpl, repID string, bandwidth, number, mediaTime uint64) string {
	out := templateIdentifier.ReplaceAllStringFunc(tmpl, func(match string) string {
		parts := templateIdentifier.FindStringSubmatch(match)
		var value string
		switch parts[1] {
		case "RepresentationID":
			return repID
		case "Number":
			value = strconv.FormatUint(number, 10)
		case "Time":
			value = strconv.FormatUint(mediaTime, 10)
		case "Bandwidth":
			value = strconv.FormatUint(bandwidth, 10)
		}
		if parts[3] != "" {
			width, _ := strconv.Atoi(parts[3])
			for len(value) < width {
				value = "0" + value
			}
		}
		return value
	})
	return strings.ReplaceAll(out, "$$", "$")
}
