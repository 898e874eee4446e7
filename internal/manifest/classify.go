package manifest

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// Format is the streaming format of a fetched document.
type Format int

const (
	FormatUnknown Format = iota
	FormatHLS
	FormatDASH
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatHLS:
		return "hls"
	case FormatDASH:
		return "dash"
	default:
		return "unknown"
	}
}

var hlsContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

var dashContentTypes = map[string]bool{
	"application/dash+xml": true,
}

// Classify decides the format of a document from its URL extension first
// and its Content-Type header second. A document with neither a known
// extension nor a known content type is FormatUnknown.
func Classify(rawURL, contentType string) Format {
	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".m3u8", ".m3u":
			return FormatHLS
		case ".mpd":
			return FormatDASH
		}
	}

	if contentType == "" {
		return FormatUnknown
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatUnknown
	}
	mediaType = strings.ToLower(mediaType)
	switch {
	case hlsContentTypes[mediaType]:
		return FormatHLS
	case dashContentTypes[mediaType]:
		return FormatDASH
	}
	return FormatUnknown
}
