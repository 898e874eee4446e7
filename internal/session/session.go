package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/liveedge"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/scheduler"
	"github.com/randomizedcoder/go-abr-swarm/internal/selector"
	"github.com/randomizedcoder/go-abr-swarm/internal/throughput"
	"github.com/randomizedcoder/go-abr-swarm/internal/urllist"
)

// URLSource hands out entry URLs. *urllist.List implements it.
type URLSource interface {
	Pick() string
}

// Config configures a single session.
type Config struct {
	// ID identifies the session in logs, metrics and the uid query tag.
	// A random UUID is used when empty.
	ID string

	Policy  selector.Policy
	URLs    URLSource
	Fetcher fetch.Fetcher

	// DASH parses MPDs. NewDASHParser() is used when nil.
	DASH *manifest.DASHParser

	// Clock drives pacing. The real clock is used when nil.
	Clock scheduler.Clock

	// Timeshift is how far behind the live edge this session plays.
	Timeshift time.Duration

	// CodecFilter keeps representations with a codec starting with this
	// prefix. All are kept when none match.
	CodecFilter string

	// SkipAudio plays only the selected representation, never a separate
	// audio rendition.
	SkipAudio bool

	// UIDParam is the query parameter the session ID is added to on the
	// entry URL. Empty disables tagging.
	UIDParam string

	// MaxCycles stops the session after this many segment cycles. 0 means
	// unlimited.
	MaxCycles int

	// SegmentErrorBudget is how many consecutive segment HTTP errors are
	// tolerated before the session terminates.
	SegmentErrorBudget int

	Logger    *slog.Logger
	Callbacks Callbacks
}

// Playback is the mutable state a session owns between cycles.
type Playback struct {
	Format manifest.Format

	// Root is the entry document: an HLS master playlist or an MPD. For
	// DASH it is replaced on every refresh.
	Root *manifest.Manifest

	// Media is the current HLS media playlist. Nil for DASH.
	Media *manifest.Manifest

	Active    manifest.Representation
	HasActive bool

	// Audio is the rendition fetched next to Active each cycle. AudioMedia
	// is its HLS media playlist.
	Audio      manifest.Representation
	HasAudio   bool
	AudioMedia *manifest.Manifest

	Throughput    float64 // bits/s
	HasThroughput bool

	// FirstCycle is true until the first live segment has been fetched.
	// That cycle reuses the playlist fetched during selection.
	FirstCycle bool

	SegmentErrors int // consecutive
}

// Session is one simulated viewer.
type Session struct {
	cfg    Config
	logger *slog.Logger
	sched  *scheduler.Scheduler
	clock  scheduler.Clock
	pb     Playback

	stateMu sync.RWMutex
	state   State

	rec Record
}

// New creates a session. It does not start it.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.DASH == nil {
		cfg.DASH = manifest.NewDASHParser()
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.RealClock{}
	}
	if cfg.Policy == nil {
		cfg.Policy = selector.NewRandom()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("session_id", cfg.ID),
		sched:  scheduler.New(cfg.Clock),
		clock:  cfg.Clock,
		state:  StateIdle,
		pb:     Playback{FirstCycle: true},
		rec:    Record{SessionID: cfg.ID, Policy: cfg.Policy.Name()},
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.cfg.ID
}

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Deadline returns the next segment fetch deadline.
func (s *Session) Deadline() time.Time {
	return s.sched.Deadline()
}

func (s *Session) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if oldState == newState {
		return
	}
	if s.cfg.Callbacks.OnStateChange != nil {
		s.cfg.Callbacks.OnStateChange(s.cfg.ID, oldState, newState)
	}
}

// Run plays until the content ends, MaxCycles is reached, a fatal error
// occurs or ctx is done. It always returns the final record.
func (s *Session) Run(ctx context.Context) Record {
	s.rec.Started = s.clock.Now()
	s.logger.Info("session_started", "policy", s.cfg.Policy.Name(), "timeshift", s.cfg.Timeshift.String())

	err := s.run(ctx)
	return s.finish(ctx, err)
}

func (s *Session) run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	if err := s.selectVariant(ctx); err != nil {
		return err
	}
	if s.isVOD() {
		return s.drainVOD(ctx)
	}
	return s.followLive(ctx)
}

func (s *Session) finish(ctx context.Context, err error) Record {
	s.setState(StateTerminated)

	rec := s.rec
	rec.State = StateTerminated
	rec.Kind = Classify(ctx, err)
	rec.Err = err
	rec.Format = s.pb.Format
	rec.Throughput = s.pb.Throughput
	rec.Duration = s.clock.Now().Sub(rec.Started)
	if s.pb.HasActive {
		rec.Representation = s.pb.Active.ID
		rec.Bandwidth = s.pb.Active.Bandwidth
	}
	if s.pb.HasAudio {
		rec.AudioRepresentation = s.pb.Audio.ID
	}

	s.logger.Log(context.Background(), rec.LogLevel(), "session_terminated", rec.LogAttrs()...)
	if s.cfg.Callbacks.OnTerminated != nil {
		s.cfg.Callbacks.OnTerminated(rec)
	}
	return rec
}

// bootstrap fetches the entry manifest, seeds the throughput estimate and
// parses the document.
func (s *Session) bootstrap(ctx context.Context) error {
	entry := urllist.Tag(s.cfg.URLs.Pick(), s.cfg.UIDParam, s.cfg.ID)
	s.rec.URL = entry

	s.setState(StateFetchingManifest)
	resp, err := s.get(ctx, ClassManifest, entry, false)
	if err != nil {
		return err
	}
	s.measure(resp)

	s.pb.Format = manifest.Classify(entry, resp.ContentType())
	root, err := s.parse(s.pb.Format, entry, resp)
	if err != nil {
		return err
	}
	if !root.IsVariant || len(root.Representations) == 0 {
		return &manifest.NoRepresentationsError{URL: entry, Reason: "entry document lists no variants"}
	}
	s.pb.Root = root

	s.logger.Debug("manifest_loaded",
		"format", s.pb.Format.String(),
		"representations", len(root.Representations),
		"vod", root.IsVOD())
	return nil
}

func (s *Session) parse(format manifest.Format, url string, resp *fetch.Response) (*manifest.Manifest, error) {
	switch format {
	case manifest.FormatHLS:
		return manifest.ParseHLS(resp.Body, url)
	case manifest.FormatDASH:
		return s.cfg.DASH.Parse(resp.Body, url)
	default:
		return nil, &manifest.UnsupportedFormatError{URL: url, ContentType: resp.ContentType()}
	}
}

// selectVariant picks the initial representation and audio rendition and,
// for HLS, loads their media playlists.
func (s *Session) selectVariant(ctx context.Context) error {
	if err := s.choose(); err != nil {
		return err
	}
	s.chooseAudio()
	if s.pb.Format == manifest.FormatHLS {
		return s.loadPlaylists(ctx)
	}
	return nil
}

// choose runs the policy over the root's representations and records a
// switch when the choice differs from the active one.
func (s *Session) choose() error {
	candidates := s.filter(s.pb.Root.Representations)
	rep, err := selector.Select(s.cfg.Policy, candidates, manifest.BandwidthKey, s.pb.Throughput)
	if err != nil {
		return err
	}

	if s.pb.HasActive && sameRepresentation(s.pb.Active, rep) {
		s.pb.Active = rep
		return nil
	}

	from := s.pb.Active
	initial := !s.pb.HasActive
	s.pb.Active = rep
	s.pb.HasActive = true

	if initial {
		s.logger.Info("variant_selected",
			"representation", rep.ID,
			"bandwidth", rep.Bandwidth,
			"throughput", throughput.Format(s.pb.Throughput))
	} else {
		s.rec.Switches++
		s.logger.Info("variant_switched",
			"from", from.ID,
			"to", rep.ID,
			"from_bandwidth", from.Bandwidth,
			"to_bandwidth", rep.Bandwidth,
			"throughput", throughput.Format(s.pb.Throughput))
	}
	if s.cfg.Callbacks.OnSwitch != nil {
		s.cfg.Callbacks.OnSwitch(s.cfg.ID, from, rep)
	}
	return nil
}

func sameRepresentation(a, b manifest.Representation) bool {
	return a.ID == b.ID && a.URL == b.URL && a.Bandwidth == b.Bandwidth
}

// chooseAudio picks the audio rendition. The policy decides when every
// candidate declares a bandwidth; otherwise the default rendition is used.
func (s *Session) chooseAudio() {
	candidates := s.audioCandidates()
	if len(candidates) == 0 {
		s.pb.HasAudio = false
		return
	}
	rep, err := selector.Select(s.cfg.Policy, candidates, manifest.BandwidthKey, s.pb.Throughput)
	if err != nil {
		rep = defaultRendition(candidates)
	}
	if !s.pb.HasAudio || !sameRepresentation(s.pb.Audio, rep) {
		s.logger.Debug("audio_selected", "representation", rep.ID, "bandwidth", rep.Bandwidth)
	}
	s.pb.Audio = rep
	s.pb.HasAudio = true
}

// audioCandidates returns the document's audio renditions, or else the
// audio-only variants of an HLS master that also carries video.
func (s *Session) audioCandidates() []manifest.Representation {
	if s.cfg.SkipAudio {
		return nil
	}
	if len(s.pb.Root.Audio) > 0 {
		return s.pb.Root.Audio
	}
	_, audio := manifest.SplitAudioOnly(s.pb.Root.Representations)
	return audio
}

func defaultRendition(reps []manifest.Representation) manifest.Representation {
	for _, r := range reps {
		if r.Default {
			return r
		}
	}
	return reps[0]
}

// filter drops audio-only variants, which play as the audio track, then
// applies the codec filter.
func (s *Session) filter(reps []manifest.Representation) []manifest.Representation {
	reps, _ = manifest.SplitAudioOnly(reps)
	if s.cfg.CodecFilter == "" {
		return reps
	}
	var kept []manifest.Representation
	for _, r := range reps {
		if r.HasCodec(s.cfg.CodecFilter) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		s.logger.Debug("codec_filter_no_match", "codec", s.cfg.CodecFilter)
		return reps
	}
	return kept
}

// loadPlaylists fetches the media playlist of the active variant and, when
// there is one, of the audio rendition.
func (s *Session) loadPlaylists(ctx context.Context) error {
	s.setState(StateFetchingManifest)
	media, err := s.loadMediaPlaylist(ctx, s.pb.Active.URL)
	if err != nil {
		return err
	}
	s.pb.Media = media

	s.pb.AudioMedia = nil
	if !s.pb.HasAudio {
		return nil
	}
	audio, err := s.loadMediaPlaylist(ctx, s.pb.Audio.URL)
	if err != nil {
		return err
	}
	s.pb.AudioMedia = audio
	return nil
}

func (s *Session) loadMediaPlaylist(ctx context.Context, url string) (*manifest.Manifest, error) {
	resp, err := s.get(ctx, ClassVariant, url, false)
	if err != nil {
		return nil, err
	}
	media, err := manifest.ParseHLS(resp.Body, url)
	if err != nil {
		return nil, err
	}
	if media.Kind != manifest.KindVariantPlaylist {
		return nil, &manifest.MalformedManifestError{URL: url, Err: errors.New("variant URI points at another master playlist")}
	}
	return media, nil
}

// refresh reloads what the live loop reads segments from. HLS reselects
// from the master and then fetches the chosen media playlist. DASH
// fetches the MPD and then reselects from its fresh representations.
func (s *Session) refresh(ctx context.Context) error {
	if s.pb.Format == manifest.FormatHLS {
		if err := s.choose(); err != nil {
			return err
		}
		s.chooseAudio()
		return s.loadPlaylists(ctx)
	}

	s.setState(StateFetchingManifest)
	url := s.pb.Root.URL
	resp, err := s.get(ctx, ClassManifest, url, false)
	if err != nil {
		return err
	}
	root, err := s.cfg.DASH.Parse(resp.Body, url)
	if err != nil {
		return err
	}
	if len(root.Representations) == 0 {
		return &manifest.NoRepresentationsError{URL: url, Reason: "refreshed MPD lists no representations"}
	}
	s.pb.Root = root
	if err := s.choose(); err != nil {
		return err
	}
	s.chooseAudio()
	return nil
}

func (s *Session) segments() []manifest.Segment {
	if s.pb.Format == manifest.FormatDASH {
		return s.pb.Active.Segments
	}
	if s.pb.Media == nil {
		return nil
	}
	return s.pb.Media.Segments
}

func (s *Session) audioSegments() []manifest.Segment {
	if !s.pb.HasAudio {
		return nil
	}
	if s.pb.Format == manifest.FormatDASH {
		return s.pb.Audio.Segments
	}
	if s.pb.AudioMedia == nil {
		return nil
	}
	return s.pb.AudioMedia.Segments
}

func (s *Session) isVOD() bool {
	if s.pb.Format == manifest.FormatDASH {
		return s.pb.Root.IsVOD()
	}
	return s.pb.Media != nil && s.pb.Media.IsVOD()
}

func (s *Session) cyclesDone() bool {
	return s.cfg.MaxCycles > 0 && s.rec.Cycles >= s.cfg.MaxCycles
}

// drainVOD fetches every segment of the bootstrap representation in list
// order, one per cycle, then completes. The audio rendition's segments are
// fetched alongside by position.
func (s *Session) drainVOD(ctx context.Context) error {
	queue := append([]manifest.Segment(nil), s.segments()...)
	audioQueue := append([]manifest.Segment(nil), s.audioSegments()...)
	s.logger.Debug("vod_drain_started", "segments", len(queue), "audio_segments", len(audioQueue))

	for len(queue) > 0 {
		if s.cyclesDone() {
			return nil
		}
		seg := queue[0]
		queue = queue[1:]

		var audio *manifest.Segment
		if len(audioQueue) > 0 {
			audio = &audioQueue[0]
			audioQueue = audioQueue[1:]
		}
		if err := s.cycle(ctx, seg, audio); err != nil {
			return err
		}
	}
	return nil
}

// followLive fetches the segment nearest the session's timeshift target
// once per cycle, refreshing the manifest between cycles.
func (s *Session) followLive(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cyclesDone() {
			return nil
		}

		if !s.pb.FirstCycle {
			if err := s.refresh(ctx); err != nil {
				return err
			}
			if s.isVOD() {
				s.logger.Info("stream_ended")
				return nil
			}
		}
		s.pb.FirstCycle = false

		seg, err := liveedge.Timeshifted(s.segments(), s.cfg.Timeshift)
		if err != nil {
			return err
		}
		var audio *manifest.Segment
		if s.pb.HasAudio {
			a, err := liveedge.Timeshifted(s.audioSegments(), s.cfg.Timeshift)
			if err != nil {
				return err
			}
			audio = &a
		}
		if err := s.cycle(ctx, seg, audio); err != nil {
			return err
		}
	}
}

// cycle fetches one segment and, when given, the audio segment for the
// same position, updates throughput and waits for the next deadline. The
// deadline follows the main segment's duration.
func (s *Session) cycle(ctx context.Context, seg manifest.Segment, audio *manifest.Segment) error {
	s.sched.Schedule(seg.Interval())
	s.rec.Cycles++

	s.setState(StateFetchingSegment)
	failed, err := s.fetchSegment(ctx, seg, true)
	if err == nil && audio != nil {
		var audioFailed bool
		audioFailed, err = s.fetchSegment(ctx, *audio, false)
		failed = failed || audioFailed
	}
	if failed {
		s.rec.FailedCycles++
	} else if err == nil {
		s.pb.SegmentErrors = 0
	}
	if err != nil {
		return err
	}

	s.setState(StateWaiting)
	plan := s.sched.Plan()
	if plan.OverTime {
		s.rec.OverTime++
		s.logger.Warn("segment_over_time",
			"url", seg.URL,
			"lateness", plan.Lateness.String(),
			"duration", seg.Interval().String())
		if s.cfg.Callbacks.OnOverTime != nil {
			s.cfg.Callbacks.OnOverTime(s.cfg.ID, plan.Lateness)
		}
	}
	err = s.sched.Wait(ctx, plan.Wait)
	s.setState(StateIdle)
	return err
}

// fetchSegment fetches one segment. An HTTP error status is counted against
// the error budget and reported as failed; any other error ends the
// session. Only measured segments update the throughput estimate.
func (s *Session) fetchSegment(ctx context.Context, seg manifest.Segment, measured bool) (bool, error) {
	resp, err := s.get(ctx, ClassSegment, seg.URL, true)
	if err == nil {
		if measured {
			s.measure(resp)
		}
		return false, nil
	}

	var statusErr *fetch.HTTPStatusError
	if !errors.As(err, &statusErr) || ctx.Err() != nil {
		return false, err
	}
	s.pb.SegmentErrors++
	s.logger.Warn("segment_http_error",
		"url", seg.URL,
		"status", statusErr.StatusCode,
		"consecutive", s.pb.SegmentErrors)
	if s.pb.SegmentErrors > s.cfg.SegmentErrorBudget {
		return true, fmt.Errorf("segment error budget of %d exhausted: %w", s.cfg.SegmentErrorBudget, err)
	}
	return true, nil
}

// measure replaces the throughput estimate with the one from resp. A
// zero-elapsed transfer keeps the previous estimate, or counts as one
// millisecond when there is none yet.
func (s *Session) measure(resp *fetch.Response) {
	bytes := uint64(max(resp.ByteLength(), 0))
	bps, err := throughput.Measure(bytes, resp.ElapsedMillis())
	if err != nil {
		if s.pb.HasThroughput {
			s.logger.Debug("throughput_measurement_skipped", "url", resp.URL, "bytes", bytes)
			return
		}
		bps, _ = throughput.Measure(bytes, 1)
	}
	s.pb.Throughput = bps
	s.pb.HasThroughput = true
	if s.cfg.Callbacks.OnThroughput != nil {
		s.cfg.Callbacks.OnThroughput(s.cfg.ID, bps)
	}
}

// get issues one request, reports it and turns an error status into an
// error.
func (s *Session) get(ctx context.Context, class Class, url string, discard bool) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.cfg.Fetcher.Fetch(ctx, fetch.Request{URL: url, DiscardBody: discard})

	ev := FetchEvent{SessionID: s.cfg.ID, Class: class, URL: url}
	if err == nil {
		ev.StatusCode = resp.StatusCode
		ev.Bytes = resp.ByteLength()
		ev.Elapsed = resp.Elapsed
		s.rec.Bytes += resp.ByteLength()
		err = fetch.CheckStatus(resp)
	}
	ev.Err = err
	if s.cfg.Callbacks.OnFetch != nil {
		s.cfg.Callbacks.OnFetch(ev)
	}
	if err != nil {
		s.logger.Debug("fetch_failed", "class", string(class), "url", url, "error", err)
		return nil, err
	}
	return resp, nil
}
