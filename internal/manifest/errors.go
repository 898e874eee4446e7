package manifest

import (
	"errors"
	"fmt"
)

// ErrMissingBandwidth is returned by BandwidthKey for a representation
// that declares no bandwidth.
var ErrMissingBandwidth = errors.New("representation declares no bandwidth")

// UnsupportedFormatError means the document is neither HLS nor DASH.
type UnsupportedFormatError struct {
	URL         string
	ContentType string
}

func (e *UnsupportedFormatError) Error() string {
	if e.ContentType == "" {
		return fmt.Sprintf("unsupported manifest format: %s (no content type)", e.URL)
	}
	return fmt.Sprintf("unsupported manifest format: %s (content type %q)", e.URL, e.ContentType)
}

// NoRepresentationsError means a root document lists nothing to play.
type NoRepresentationsError struct {
	URL    string
	Reason string
}

func (e *NoRepresentationsError) Error() string {
	return fmt.Sprintf("no representations in %s: %s", e.URL, e.Reason)
}

// MalformedManifestError wraps a parser failure.
type MalformedManifestError struct {
	URL string
	Err error
}

func (e *MalformedManifestError) Error() string {
	return fmt.Sprintf("malformed manifest %s: %v", e.URL, e.Err)
}

func (e *MalformedManifestError) Unwrap() error {
	return e.Err
}
