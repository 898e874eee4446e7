// Package manifest models HLS playlists and DASH MPDs as the playback engine
// sees them: a root document, its selectable representations and the
// segments a session can fetch.
//
// Parsing is delegated to github.com/grafov/m3u8 and
// github.com/Eyevinn/dash-mpd; this package only adapts their output into
// one immutable model. A Manifest is never mutated after parse. Sessions
// replace it wholesale on every refresh.
package manifest

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// Kind identifies the root document type.
type Kind int

const (
	KindMasterPlaylist Kind = iota
	KindVariantPlaylist
	KindDASH
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindMasterPlaylist:
		return "master_playlist"
	case KindVariantPlaylist:
		return "variant_playlist"
	case KindDASH:
		return "dash_manifest"
	default:
		return "unknown"
	}
}

// PlaylistType is the HLS EXT-X-PLAYLIST-TYPE of a media playlist.
type PlaylistType int

const (
	PlaylistUnknown PlaylistType = iota
	PlaylistVOD
	PlaylistEvent
	PlaylistLive
)

// String returns the playlist type as written in logs.
func (p PlaylistType) String() string {
	switch p {
	case PlaylistVOD:
		return "VOD"
	case PlaylistEvent:
		return "EVENT"
	case PlaylistLive:
		return "LIVE"
	default:
		return "unknown"
	}
}

// PresentationType is the DASH MPD@type attribute.
type PresentationType int

const (
	PresentationUnset PresentationType = iota
	PresentationStatic
	PresentationDynamic
)

// String returns the MPD@type value.
func (p PresentationType) String() string {
	switch p {
	case PresentationStatic:
		return "static"
	case PresentationDynamic:
		return "dynamic"
	default:
		return ""
	}
}

// Manifest is one parsed root document.
type Manifest struct {
	Kind    Kind
	URL     string // absolute URL the document was fetched from
	BaseURL string // directory of URL, with trailing slash

	// IsVariant is true when the document lists selectable representations.
	IsVariant bool

	PlaylistType     PlaylistType     // HLS only
	PresentationType PresentationType // DASH only

	TargetDuration time.Duration

	Representations []Representation

	// Audio lists the audio renditions played alongside the selected
	// representation: EXT-X-MEDIA TYPE=AUDIO entries of an HLS master, or
	// the audio adaptation set of an MPD.
	Audio []Representation

	// Segments is set for HLS media playlists.
	Segments []Segment
}

// IsVOD reports whether the document describes finite, non-updating content.
func (m *Manifest) IsVOD() bool {
	if m.Kind == KindDASH {
		return m.PresentationType == PresentationStatic
	}
	return m.PlaylistType == PlaylistVOD
}

// Representation is one selectable quality tier.
type Representation struct {
	ID          string
	Bandwidth   uint64 // declared bits/s
	Resolution  string
	Codecs      []string
	URI         string // as written in the document
	URL         string // URI resolved against the manifest
	ContentType string // DASH adaptation set content type
	Default     bool   // EXT-X-MEDIA DEFAULT=YES

	// Segments is set for DASH representations, expanded from the
	// SegmentTemplate at parse time.
	Segments []Segment
}

// HasCodec reports whether any codec of r starts with prefix.
func (r Representation) HasCodec(prefix string) bool {
	for _, c := range r.Codecs {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// videoCodecs are the RFC 6381 sample entry prefixes of video codecs.
var videoCodecs = []string{"avc1", "avc3", "hvc1", "hev1", "dvh1", "dvhe", "av01", "vp08", "vp09", "mp4v"}

// IsAudioOnly reports whether r declares codecs and none of them is video.
func (r Representation) IsAudioOnly() bool {
	if len(r.Codecs) == 0 {
		return false
	}
	for _, prefix := range videoCodecs {
		if r.HasCodec(prefix) {
			return false
		}
	}
	return true
}

// SplitAudioOnly separates audio-only variants from the rest. When every
// variant is audio-only they are all returned as main and none as audio.
func SplitAudioOnly(reps []Representation) (main, audio []Representation) {
	for _, r := range reps {
		if r.IsAudioOnly() {
			audio = append(audio, r)
		} else {
			main = append(main, r)
		}
	}
	if len(main) == 0 {
		return reps, nil
	}
	return main, audio
}

// BandwidthKey is the declared-bandwidth selection key.
func BandwidthKey(r Representation) (float64, error) {
	if r.Bandwidth == 0 {
		return 0, ErrMissingBandwidth
	}
	return float64(r.Bandwidth), nil
}

// Segment is one fetchable media chunk.
type Segment struct {
	URL      string
	Duration float64 // seconds

	// ProgramDateTime is the wall-clock time of the first sample.
	// Zero when the document does not carry one.
	ProgramDateTime time.Time

	Sequence uint64
	Title    string
}

// Interval returns the segment duration as a time.Duration.
func (s Segment) Interval() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

// HasProgramDateTime reports whether the segment carries a wall-clock time.
func (s Segment) HasProgramDateTime() bool {
	return !s.ProgramDateTime.IsZero()
}

// baseOf returns the directory part of rawURL including the trailing slash.
func baseOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	dir := path.Dir(u.Path)
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	u.Path = dir
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// resolveURL resolves ref against base.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func splitCodecs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
