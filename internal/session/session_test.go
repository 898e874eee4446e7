package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/selector"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

// fakeClock advances when a timer is requested or a fetch takes time.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	blocked bool // After never fires
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if c.blocked {
		return ch
	}
	c.Advance(d)
	ch <- c.Now()
	return ch
}

// route is one canned reply. Bytes overrides len(Body) when set.
type route struct {
	Status      int
	Body        string
	Bytes       int64
	Elapsed     time.Duration
	ContentType string
	Err         error
}

// fakeFetcher replies from routes keyed by URL without its query string.
// Each key's replies are consumed in order and the last one repeats.
// Unrouted media segments get 1000 bytes; anything else unrouted is a 404.
type fakeFetcher struct {
	mu     sync.Mutex
	clock  *fakeClock
	routes map[string][]route
	calls  []string
}

func newFakeFetcher(clock *fakeClock) *fakeFetcher {
	return &fakeFetcher{clock: clock, routes: map[string][]route{}}
}

func (f *fakeFetcher) on(url string, rs ...route) *fakeFetcher {
	f.routes[url] = append(f.routes[url], rs...)
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	key, _, _ := strings.Cut(req.URL, "?")
	rs := f.routes[key]
	var r route
	switch {
	case len(rs) == 0 && (strings.HasSuffix(key, ".ts") || strings.HasSuffix(key, ".m4s")):
		r = route{Bytes: 1000}
	case len(rs) == 0:
		r = route{Status: 404}
	case len(rs) == 1:
		r = rs[0]
	default:
		r = rs[0]
		f.routes[key] = rs[1:]
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &fetch.TransportError{URL: req.URL, Attempts: 1, Err: err}
	}
	if r.Err != nil {
		return nil, &fetch.TransportError{URL: req.URL, Attempts: 1, Err: r.Err}
	}

	elapsed := r.Elapsed
	if elapsed == 0 {
		elapsed = 10 * time.Millisecond
	}
	f.clock.Advance(elapsed)

	status := r.Status
	if status == 0 {
		status = 200
	}
	resp := &fetch.Response{
		URL:        req.URL,
		StatusCode: status,
		Header:     map[string][]string{},
		Bytes:      r.Bytes,
		Elapsed:    elapsed,
	}
	if r.ContentType != "" {
		resp.Header.Set("Content-Type", r.ContentType)
	}
	if !req.DiscardBody {
		resp.Body = []byte(r.Body)
	}
	if resp.Bytes == 0 {
		resp.Bytes = int64(len(r.Body))
	}
	return resp, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFetcher) countCalls(url string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == url {
			n++
		}
	}
	return n
}

type staticURL string

func (u staticURL) Pick() string { return string(u) }

// =============================================================================
// Fixtures
// =============================================================================

const (
	masterURL = "http://origin/live/master.m3u8"
	lowURL    = "http://origin/live/low/index.m3u8"
	highURL   = "http://origin/live/high/index.m3u8"
)

const master = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS="avc1.64001e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="hvc1.1.6.L93.B0,mp4a.40.2"
high/index.m3u8
`

const liveLow = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z
#EXTINF:2.000,
seg100.ts
#EXTINF:2.000,
seg101.ts
#EXTINF:2.000,
seg102.ts
`

const liveHigh = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:100
#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z
#EXTINF:2.000,
seg100.ts
#EXTINF:2.000,
seg101.ts
#EXTINF:2.000,
seg102.ts
`

const liveNoTimestamps = `#EXTM3U
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:2.000,
seg100.ts
#EXTINF:2.000,
seg101.ts
`

const vodLow = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.000,
seg0.ts
#EXTINF:4.000,
seg1.ts
#EXTINF:4.000,
seg2.ts
#EXT-X-ENDLIST
`

const dynamicMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011"
     availabilityStartTime="2024-01-01T00:00:00Z" timeShiftBufferDepth="PT20S" minimumUpdatePeriod="PT2S" minBufferTime="PT2S">
  <Period id="p0" start="PT0S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="$RepresentationID$/$Number%05d$.m4s" initialization="$RepresentationID$/init.mp4" duration="2000" timescale="1000" startNumber="1"/>
      <Representation id="v500" bandwidth="500000" codecs="avc1.64001e" width="640" height="360"/>
      <Representation id="v1000" bandwidth="1000000" codecs="avc1.64001f" width="1280" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>`

const staticMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-on-demand:2011"
     mediaPresentationDuration="PT10S" minBufferTime="PT2S">
  <Period id="p0">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="$RepresentationID$/seg-$Number$.m4s" initialization="$RepresentationID$/init.mp4" duration="2" startNumber="1"/>
      <Representation id="v1" bandwidth="800000" codecs="avc1.64001e"/>
    </AdaptationSet>
  </Period>
</MPD>`

func newTestSession(t *testing.T, clock *fakeClock, f *fakeFetcher, policy selector.Policy, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		ID:      "test-session",
		Policy:  policy,
		URLs:    staticURL(masterURL),
		Fetcher: f,
		Clock:   clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func segmentCalls(calls []string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasSuffix(c, ".ts") || strings.HasSuffix(c, ".m4s") {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// VOD
// =============================================================================

func TestRun_VODDrainsInOrder(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: vodLow})

	s := newTestSession(t, clock, f, selector.Minimum{}, nil)
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 3, rec.Cycles)
	assert.Equal(t, 0, rec.Switches)
	assert.Equal(t, []string{
		"http://origin/live/low/seg0.ts",
		"http://origin/live/low/seg1.ts",
		"http://origin/live/low/seg2.ts",
	}, segmentCalls(f.Calls()))
	assert.Equal(t, 1, f.countCalls(lowURL), "VOD playlist must not be refreshed")
	assert.Equal(t, "0", rec.Representation)
	assert.Equal(t, manifest.FormatHLS, rec.Format)
}

func TestRun_VODPacing(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: vodLow})

	s := newTestSession(t, clock, f, selector.Minimum{}, nil)
	rec := s.Run(context.Background())
	require.Equal(t, KindCompleted, rec.Kind)

	// three 4s segments paced from the first deadline, plus manifest time
	if rec.Duration < 12*time.Second || rec.Duration > 13*time.Second {
		t.Errorf("Duration = %v, want about 12s", rec.Duration)
	}
	assert.Equal(t, 0, rec.OverTime)
}

func TestRun_StaticDASH(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on("http://origin/vod/manifest.mpd", route{Body: staticMPD, ContentType: "application/dash+xml"})

	s := newTestSession(t, clock, f, selector.Maximum{}, func(c *Config) {
		c.URLs = staticURL("http://origin/vod/manifest.mpd")
	})
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, manifest.FormatDASH, rec.Format)
	segs := segmentCalls(f.Calls())
	require.Len(t, segs, 5)
	assert.Equal(t, "http://origin/vod/v1/seg-1.m4s", segs[0])
	assert.Equal(t, "http://origin/vod/v1/seg-5.m4s", segs[4])
}

// =============================================================================
// Live
// =============================================================================

func TestRun_LiveSwitchesOnThroughput(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master, Elapsed: 100 * time.Millisecond}).
		on(lowURL, route{Body: liveLow}).
		on(highURL, route{Body: liveHigh}).
		// 1 MB in 1s = 8 Mbps, enough for the 5 Mbps variant
		on("http://origin/live/low/seg102.ts", route{Bytes: 1_000_000, Elapsed: time.Second}).
		on("http://origin/live/high/seg102.ts", route{Bytes: 1_000_000, Elapsed: time.Second})

	var switches [][2]string
	s := newTestSession(t, clock, f, selector.Throughput{}, func(c *Config) {
		c.MaxCycles = 2
		c.Callbacks.OnSwitch = func(_ string, from, to manifest.Representation) {
			switches = append(switches, [2]string{from.ID, to.ID})
		}
	})
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, 2, rec.Cycles)
	assert.Equal(t, 1, rec.Switches)
	assert.Equal(t, [][2]string{{"", "0"}, {"0", "1"}}, switches)
	assert.Equal(t, []string{
		"http://origin/live/low/seg102.ts",
		"http://origin/live/high/seg102.ts",
	}, segmentCalls(f.Calls()))
	assert.Equal(t, 1, f.countCalls(lowURL), "first cycle must reuse the playlist fetched at selection")
	assert.Equal(t, 1, f.countCalls(highURL))
	assert.Equal(t, "1", rec.Representation)
	assert.InDelta(t, 8_000_000, rec.Throughput, 1)
}

func TestRun_LiveTimeshift(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: liveLow})

	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.MaxCycles = 1
		c.Timeshift = 4 * time.Second
	})
	s.Run(context.Background())

	assert.Equal(t, []string{"http://origin/live/low/seg100.ts"}, segmentCalls(f.Calls()))
}

func TestRun_LiveStreamEnds(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: liveLow}, route{Body: liveLow + "#EXT-X-ENDLIST\n"})

	s := newTestSession(t, clock, f, selector.Minimum{}, nil)
	rec := s.Run(context.Background())

	assert.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, 1, rec.Cycles)
	assert.Equal(t, 2, f.countCalls(lowURL))
}

func TestRun_OverTime(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: vodLow}).
		on("http://origin/live/low/seg0.ts", route{Bytes: 1000, Elapsed: 5 * time.Second}).
		on("http://origin/live/low/seg1.ts", route{Bytes: 1000, Elapsed: 5 * time.Second})

	var lateness []time.Duration
	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.MaxCycles = 2
		c.Callbacks.OnOverTime = func(_ string, d time.Duration) {
			lateness = append(lateness, d)
		}
	})
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind)
	assert.Equal(t, 2, rec.OverTime)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, lateness)
	assert.Len(t, segmentCalls(f.Calls()), 2, "a late session must not skip segments")
}

func TestRun_DynamicDASH(t *testing.T) {
	clock := newFakeClock(start)
	parser := manifest.NewDASHParser()
	parser.Now = func() time.Time { return start.Add(61 * time.Second) }

	const mpdURL = "http://origin/live/stream.mpd"
	f := newFakeFetcher(clock).
		on(mpdURL, route{Body: dynamicMPD, ContentType: "application/dash+xml"})

	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.URLs = staticURL(mpdURL)
		c.DASH = parser
		c.MaxCycles = 2
	})
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, "v500", rec.Representation)
	assert.Equal(t, 2, f.countCalls(mpdURL), "dynamic MPD is refreshed between cycles")
	segs := segmentCalls(f.Calls())
	require.Len(t, segs, 2)
	assert.Equal(t, "http://origin/live/v500/00030.m4s", segs[0])
}

// =============================================================================
// Table-Driven Tests: Termination Kinds
// =============================================================================

func TestRun_TerminationKinds(t *testing.T) {
	tests := []struct {
		name   string
		entry  string
		routes map[string][]route
		budget int
		want   Kind
		cycles int
	}{
		{
			name:  "unsupported format",
			entry: "http://origin/live/index.html",
			routes: map[string][]route{
				"http://origin/live/index.html": {{Body: "<html/>", ContentType: "text/html"}},
			},
			want: KindUnsupportedFormat,
		},
		{
			name:  "media playlist as entry",
			entry: lowURL,
			routes: map[string][]route{
				lowURL: {{Body: liveLow}},
			},
			want: KindNoRepresentations,
		},
		{
			name:  "master transport error",
			entry: masterURL,
			routes: map[string][]route{
				masterURL: {{Err: errors.New("connection refused")}},
			},
			want: KindTransport,
		},
		{
			name:  "master http error",
			entry: masterURL,
			routes: map[string][]route{
				masterURL: {{Status: 503}},
			},
			want: KindHTTPStatus,
		},
		{
			name:  "malformed master",
			entry: masterURL,
			routes: map[string][]route{
				masterURL: {{Body: "not a playlist"}},
			},
			want: KindMalformedManifest,
		},
		{
			name:  "missing timestamps on live",
			entry: masterURL,
			routes: map[string][]route{
				masterURL: {{Body: master}},
				lowURL:    {{Body: liveNoTimestamps}},
			},
			want: KindMissingTimestamp,
		},
		{
			name:  "segment error with zero budget",
			entry: masterURL,
			routes: map[string][]route{
				masterURL:                        {{Body: master}},
				lowURL:                           {{Body: vodLow}},
				"http://origin/live/low/seg0.ts": {{Bytes: 100}},
				"http://origin/live/low/seg1.ts": {{Status: 404}},
				"http://origin/live/low/seg2.ts": {{Bytes: 100}},
			},
			want:   KindHTTPStatus,
			cycles: 2,
		},
		{
			name:  "segment error within budget",
			entry: masterURL,
			routes: map[string][]route{
				masterURL:                        {{Body: master}},
				lowURL:                           {{Body: vodLow}},
				"http://origin/live/low/seg0.ts": {{Bytes: 100}},
				"http://origin/live/low/seg1.ts": {{Status: 404}},
				"http://origin/live/low/seg2.ts": {{Bytes: 100}},
			},
			budget: 1,
			want:   KindCompleted,
			cycles: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			f := newFakeFetcher(clock)
			for url, rs := range tt.routes {
				f.on(url, rs...)
			}
			s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
				c.URLs = staticURL(tt.entry)
				c.SegmentErrorBudget = tt.budget
			})
			rec := s.Run(context.Background())

			if rec.Kind != tt.want {
				t.Errorf("Kind = %v, want %v (err: %v)", rec.Kind, tt.want, rec.Err)
			}
			if rec.State != StateTerminated {
				t.Errorf("State = %v, want terminated", rec.State)
			}
			if tt.cycles > 0 && rec.Cycles != tt.cycles {
				t.Errorf("Cycles = %d, want %d", rec.Cycles, tt.cycles)
			}
		})
	}
}

// =============================================================================
// Audio Track
// =============================================================================

const audioURL = "http://origin/live/audio/index.m3u8"

const audioMaster = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="en",DEFAULT=YES,URI="audio/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS="avc1.64001e,mp4a.40.2",AUDIO="aac"
low/index.m3u8
`

const audioOnlyVariantMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS="avc1.64001e"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
audio/index.m3u8
`

const vodAudio = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.000,
seg0.ts
#EXTINF:4.000,
seg1.ts
#EXT-X-ENDLIST
`

func TestRun_LiveAudioRendition(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: audioMaster}).
		on(lowURL, route{Body: liveLow}).
		on(audioURL, route{Body: liveLow}).
		on("http://origin/live/low/seg102.ts", route{Bytes: 1_000_000, Elapsed: time.Second})

	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.MaxCycles = 2
	})
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, []string{
		"http://origin/live/low/seg102.ts",
		"http://origin/live/audio/seg102.ts",
		"http://origin/live/low/seg102.ts",
		"http://origin/live/audio/seg102.ts",
	}, segmentCalls(f.Calls()))
	assert.Equal(t, 2, f.countCalls(audioURL), "audio playlist is refreshed with the video playlist")
	assert.Equal(t, "aac/en", rec.AudioRepresentation)
	assert.InDelta(t, 8_000_000, rec.Throughput, 1, "audio segments must not replace the estimate")
}

func TestRun_AudioOnlyVariant(t *testing.T) {
	tests := []struct {
		name      string
		filter    string
		skipAudio bool
		want      []string
		audio     string
	}{
		{
			name:   "codec filter complement",
			filter: "avc1",
			want:   []string{"http://origin/live/low/seg102.ts", "http://origin/live/audio/seg102.ts"},
			audio:  "1",
		},
		{
			name:  "no filter",
			want:  []string{"http://origin/live/low/seg102.ts", "http://origin/live/audio/seg102.ts"},
			audio: "1",
		},
		{
			name:      "audio disabled",
			filter:    "avc1",
			skipAudio: true,
			want:      []string{"http://origin/live/low/seg102.ts"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			f := newFakeFetcher(clock).
				on(masterURL, route{Body: audioOnlyVariantMaster}).
				on(lowURL, route{Body: liveLow}).
				on(audioURL, route{Body: liveLow})

			s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
				c.CodecFilter = tt.filter
				c.SkipAudio = tt.skipAudio
				c.MaxCycles = 1
			})
			rec := s.Run(context.Background())

			require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
			assert.Equal(t, "0", rec.Representation, "the audio-only variant never plays as video")
			assert.Equal(t, tt.audio, rec.AudioRepresentation)
			assert.Equal(t, tt.want, segmentCalls(f.Calls()))
		})
	}
}

func TestRun_VODAudioPairedByPosition(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: audioMaster}).
		on(lowURL, route{Body: vodLow}).
		on(audioURL, route{Body: vodAudio})

	s := newTestSession(t, clock, f, selector.Minimum{}, nil)
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, 3, rec.Cycles)
	assert.Equal(t, []string{
		"http://origin/live/low/seg0.ts",
		"http://origin/live/audio/seg0.ts",
		"http://origin/live/low/seg1.ts",
		"http://origin/live/audio/seg1.ts",
		"http://origin/live/low/seg2.ts",
	}, segmentCalls(f.Calls()))
}

func TestRun_AudioSegmentErrorBudget(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: audioMaster}).
		on(lowURL, route{Body: liveLow}).
		on(audioURL, route{Body: liveLow}).
		on("http://origin/live/audio/seg102.ts", route{Status: 404})

	s := newTestSession(t, clock, f, selector.Minimum{}, nil)
	rec := s.Run(context.Background())

	assert.Equal(t, KindHTTPStatus, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, 1, rec.Cycles)
	assert.Equal(t, 1, rec.FailedCycles)
}

const dynamicAudioMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011"
     availabilityStartTime="2024-01-01T00:00:00Z" timeShiftBufferDepth="PT20S" minimumUpdatePeriod="PT2S" minBufferTime="PT2S">
  <Period id="p0" start="PT0S">
    <AdaptationSet contentType="audio" mimeType="audio/mp4">
      <SegmentTemplate media="$RepresentationID$/$Number$.m4s" duration="2000" timescale="1000" startNumber="1"/>
      <Representation id="a64" bandwidth="64000" codecs="mp4a.40.2"/>
      <Representation id="a128" bandwidth="128000" codecs="mp4a.40.2"/>
    </AdaptationSet>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="$RepresentationID$/$Number%05d$.m4s" duration="2000" timescale="1000" startNumber="1"/>
      <Representation id="v500" bandwidth="500000" codecs="avc1.64001e"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestRun_DynamicDASHAudio(t *testing.T) {
	clock := newFakeClock(start)
	parser := manifest.NewDASHParser()
	parser.Now = func() time.Time { return start.Add(61 * time.Second) }

	const mpdURL = "http://origin/live/stream.mpd"
	f := newFakeFetcher(clock).
		on(mpdURL, route{Body: dynamicAudioMPD, ContentType: "application/dash+xml"})

	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.URLs = staticURL(mpdURL)
		c.DASH = parser
		c.MaxCycles = 1
	})
	rec := s.Run(context.Background())

	require.Equal(t, KindCompleted, rec.Kind, "err: %v", rec.Err)
	assert.Equal(t, "v500", rec.Representation)
	assert.Equal(t, "a64", rec.AudioRepresentation, "the policy picks among audio representations")
	assert.Equal(t, []string{
		"http://origin/live/v500/00030.m4s",
		"http://origin/live/a64/30.m4s",
	}, segmentCalls(f.Calls()))
}

// =============================================================================
// Cancellation
// =============================================================================

func TestRun_CancelWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(start)
	clock.blocked = true
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: liveLow})

	waiting := make(chan struct{}, 1)
	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.Callbacks.OnStateChange = func(_ string, _, newState State) {
			if newState == StateWaiting {
				select {
				case waiting <- struct{}{}:
				default:
				}
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Record, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reached waiting state")
	}
	callsBefore := len(f.Calls())
	cancel()

	var rec Record
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, KindCancelled, rec.Kind)
	assert.Equal(t, StateTerminated, rec.State)
	assert.Equal(t, callsBefore, len(f.Calls()), "no request after cancellation")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).on(masterURL, route{Body: master})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := newTestSession(t, clock, f, selector.Minimum{}, nil).Run(ctx)

	assert.Equal(t, KindCancelled, rec.Kind)
	assert.Empty(t, f.Calls())
}

// =============================================================================
// Entry URL and filtering
// =============================================================================

func TestRun_TagsEntryURL(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: vodLow})

	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.UIDParam = "uid"
		c.MaxCycles = 1
	})
	rec := s.Run(context.Background())

	assert.Equal(t, masterURL+"?uid=test-session", f.Calls()[0])
	assert.Equal(t, masterURL+"?uid=test-session", rec.URL)
}

func TestRun_CodecFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{"hevc only", "hvc1", "1"},
		{"no match falls back to all", "av01", "0"},
		{"disabled", "", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			f := newFakeFetcher(clock).
				on(masterURL, route{Body: master}).
				on(lowURL, route{Body: vodLow}).
				on(highURL, route{Body: vodLow})

			s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
				c.CodecFilter = tt.filter
				c.MaxCycles = 1
			})
			rec := s.Run(context.Background())
			assert.Equal(t, tt.want, rec.Representation)
		})
	}
}

func TestRun_CallbacksAndRecord(t *testing.T) {
	clock := newFakeClock(start)
	f := newFakeFetcher(clock).
		on(masterURL, route{Body: master}).
		on(lowURL, route{Body: vodLow}).
		on("http://origin/live/low/seg0.ts", route{Bytes: 5000})

	var (
		events     []FetchEvent
		terminated []Record
		states     []State
	)
	s := newTestSession(t, clock, f, selector.Minimum{}, func(c *Config) {
		c.MaxCycles = 1
		c.Callbacks = Merge(
			Callbacks{OnFetch: func(ev FetchEvent) { events = append(events, ev) }},
			Callbacks{
				OnTerminated:  func(r Record) { terminated = append(terminated, r) },
				OnStateChange: func(_ string, _, n State) { states = append(states, n) },
			},
		)
	})
	rec := s.Run(context.Background())

	require.Len(t, events, 3)
	assert.Equal(t, ClassManifest, events[0].Class)
	assert.Equal(t, ClassVariant, events[1].Class)
	assert.Equal(t, ClassSegment, events[2].Class)
	assert.Equal(t, int64(5000), events[2].Bytes)

	require.Len(t, terminated, 1)
	assert.Equal(t, rec.SessionID, terminated[0].SessionID)
	assert.Equal(t, "min", rec.Policy)
	assert.Equal(t, int64(len(master)+len(vodLow)+5000), rec.Bytes)

	assert.Equal(t, StateFetchingManifest, states[0])
	assert.Equal(t, StateTerminated, states[len(states)-1])
}

// =============================================================================
// Table-Driven Tests: Classify and State
// =============================================================================

func TestClassify(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	bg := context.Background()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Kind
	}{
		{"nil", bg, nil, KindCompleted},
		{"ctx done wins", cancelled, &fetch.TransportError{URL: "u", Err: errors.New("x")}, KindCancelled},
		{"status", bg, &fetch.HTTPStatusError{URL: "u", StatusCode: 500}, KindHTTPStatus},
		{"transport", bg, &fetch.TransportError{URL: "u", Err: errors.New("reset")}, KindTransport},
		{"wrapped status", bg, errors.Join(errors.New("budget"), &fetch.HTTPStatusError{StatusCode: 404}), KindHTTPStatus},
		{"unsupported", bg, &manifest.UnsupportedFormatError{URL: "u"}, KindUnsupportedFormat},
		{"no reps", bg, &manifest.NoRepresentationsError{URL: "u"}, KindNoRepresentations},
		{"malformed", bg, &manifest.MalformedManifestError{URL: "u", Err: errors.New("x")}, KindMalformedManifest},
		{"unusable url", bg, &fetch.RequestError{URL: "%zz", Err: errors.New("invalid URL escape")}, KindMalformedManifest},
		{"invalid candidate", bg, &selector.InvalidCandidateError{Index: 1, Err: manifest.ErrMissingBandwidth}, KindInvalidCandidate},
		{"other", bg, errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.ctx, tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range Kinds {
		name := k.String()
		if seen[name] {
			t.Errorf("duplicate kind name %q", name)
		}
		seen[name] = true
	}
	assert.False(t, KindCompleted.IsFailure())
	assert.False(t, KindCancelled.IsFailure())
	assert.True(t, KindTransport.IsFailure())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		active   bool
		terminal bool
	}{
		{StateIdle, "idle", false, false},
		{StateFetchingManifest, "fetching_manifest", true, false},
		{StateFetchingSegment, "fetching_segment", true, false},
		{StateWaiting, "waiting", false, false},
		{StateTerminated, "terminated", false, true},
		{State(99), "unknown", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.state.IsActive(); got != tt.active {
				t.Errorf("IsActive() = %v, want %v", got, tt.active)
			}
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
