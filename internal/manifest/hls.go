package manifest

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/grafov/m3u8"
)

// ParseHLS parses an HLS master or media playlist fetched from manifestURL.
// Relative URIs are resolved against manifestURL.
func ParseHLS(body []byte, manifestURL string) (*Manifest, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, &MalformedManifestError{URL: manifestURL, Err: err}
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("unexpected playlist type %T", playlist)}
		}
		return parseMaster(master, manifestURL)
	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("unexpected playlist type %T", playlist)}
		}
		return parseMedia(media, manifestURL)
	default:
		return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("unknown list type %d", listType)}
	}
}

func parseMaster(master *m3u8.MasterPlaylist, manifestURL string) (*Manifest, error) {
	m := &Manifest{
		Kind:         KindMasterPlaylist,
		URL:          manifestURL,
		BaseURL:      baseOf(manifestURL),
		PlaylistType: PlaylistUnknown,
	}

	for i, v := range master.Variants {
		if v == nil {
			continue
		}
		// I-frame streams are not playable variants
		if v.Iframe {
			continue
		}
		variantURL, err := resolveURL(manifestURL, v.URI)
		if err != nil {
			return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("variant %d uri %q: %w", i, v.URI, err)}
		}
		m.Representations = append(m.Representations, Representation{
			ID:         strconv.Itoa(i),
			Bandwidth:  uint64(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     splitCodecs(v.Codecs),
			URI:        v.URI,
			URL:        variantURL,
		})
	}
	m.IsVariant = len(m.Representations) > 0

	audio, err := audioRenditions(master, manifestURL)
	if err != nil {
		return nil, err
	}
	m.Audio = audio
	return m, nil
}

// audioRenditions collects the EXT-X-MEDIA TYPE=AUDIO entries referenced by
// playable variants. Renditions without a URI are muxed into the variant
// and are skipped.
func audioRenditions(master *m3u8.MasterPlaylist, manifestURL string) ([]Representation, error) {
	var out []Representation
	seen := make(map[string]bool)
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		for _, alt := range v.Alternatives {
			if alt == nil || alt.Type != "AUDIO" || alt.URI == "" || seen[alt.URI] {
				continue
			}
			seen[alt.URI] = true
			altURL, err := resolveURL(manifestURL, alt.URI)
			if err != nil {
				return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("audio rendition %q uri %q: %w", alt.Name, alt.URI, err)}
			}
			id := alt.GroupId
			if alt.Name != "" {
				id += "/" + alt.Name
			}
			out = append(out, Representation{
				ID:          id,
				URI:         alt.URI,
				URL:         altURL,
				ContentType: "audio",
				Default:     alt.Default,
			})
		}
	}
	return out, nil
}

func parseMedia(media *m3u8.MediaPlaylist, manifestURL string) (*Manifest, error) {
	m := &Manifest{
		Kind:           KindVariantPlaylist,
		URL:            manifestURL,
		BaseURL:        baseOf(manifestURL),
		PlaylistType:   mediaPlaylistType(media),
		TargetDuration: time.Duration(media.TargetDuration * float64(time.Second)),
	}

	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		segURL, err := resolveURL(manifestURL, seg.URI)
		if err != nil {
			return nil, &MalformedManifestError{URL: manifestURL, Err: fmt.Errorf("segment %d uri %q: %w", seg.SeqId, seg.URI, err)}
		}
		m.Segments = append(m.Segments, Segment{
			URL:             segURL,
			Duration:        seg.Duration,
			ProgramDateTime: seg.ProgramDateTime,
			Sequence:        seg.SeqId,
			Title:           seg.Title,
		})
	}
	carryProgramDateTime(m.Segments)
	return m, nil
}

// carryProgramDateTime gives untagged segments the wall-clock time implied by
// the closest tagged segment before them. EXT-X-PROGRAM-DATE-TIME applies to
// the segment it precedes only, but many packagers write it once per playlist.
func carryProgramDateTime(segments []Segment) {
	for i := 1; i < len(segments); i++ {
		prev := segments[i-1]
		if segments[i].HasProgramDateTime() || !prev.HasProgramDateTime() {
			continue
		}
		segments[i].ProgramDateTime = prev.ProgramDateTime.Add(prev.Interval())
	}
}

// mediaPlaylistType maps EXT-X-PLAYLIST-TYPE. A playlist without the tag is
// live while it is open and VOD once EXT-X-ENDLIST has been written.
func mediaPlaylistType(media *m3u8.MediaPlaylist) PlaylistType {
	switch media.MediaType {
	case m3u8.VOD:
		return PlaylistVOD
	case m3u8.EVENT:
		return PlaylistEvent
	}
	if media.Closed {
		return PlaylistVOD
	}
	return PlaylistLive
}
