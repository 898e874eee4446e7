package session

import (
	"context"
	"errors"

	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/liveedge"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/selector"
	"github.com/randomizedcoder/go-abr-swarm/internal/throughput"
)

// Kind classifies why a session terminated.
type Kind int

const (
	KindCompleted Kind = iota
	KindCancelled
	KindTransport
	KindHTTPStatus
	KindUnsupportedFormat
	KindNoRepresentations
	KindMalformedManifest
	KindMissingTimestamp
	KindInvalidCandidate
	KindDegenerateMeasurement
	KindInternal
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{
	KindCompleted, KindCancelled, KindTransport, KindHTTPStatus,
	KindUnsupportedFormat, KindNoRepresentations, KindMalformedManifest,
	KindMissingTimestamp, KindInvalidCandidate, KindDegenerateMeasurement,
	KindInternal,
}

// String returns the snake_case kind used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindCancelled:
		return "cancelled"
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindNoRepresentations:
		return "no_representations"
	case KindMalformedManifest:
		return "malformed_manifest"
	case KindMissingTimestamp:
		return "missing_timestamp"
	case KindInvalidCandidate:
		return "invalid_candidate"
	case KindDegenerateMeasurement:
		return "degenerate_measurement"
	default:
		return "internal"
	}
}

// IsFailure returns true for kinds other than a clean finish or a stop.
func (k Kind) IsFailure() bool {
	return k != KindCompleted && k != KindCancelled
}

// Classify maps the error a session ended with to a Kind. A done ctx wins
// over the error itself, so an aborted in-flight request counts as a stop.
func Classify(ctx context.Context, err error) Kind {
	if err == nil {
		return KindCompleted
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var (
		statusErr      *fetch.HTTPStatusError
		transportErr   *fetch.TransportError
		requestErr     *fetch.RequestError
		unsupportedErr *manifest.UnsupportedFormatError
		noRepsErr      *manifest.NoRepresentationsError
		malformedErr   *manifest.MalformedManifestError
		missingErr     *liveedge.MissingTimestampError
		candidateErr   *selector.InvalidCandidateError
	)
	switch {
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &unsupportedErr):
		return KindUnsupportedFormat
	case errors.As(err, &noRepsErr):
		return KindNoRepresentations
	case errors.As(err, &malformedErr), errors.As(err, &requestErr), errors.Is(err, liveedge.ErrNoSegments):
		return KindMalformedManifest
	case errors.As(err, &missingErr):
		return KindMissingTimestamp
	case errors.As(err, &candidateErr), errors.Is(err, selector.ErrNoCandidates):
		return KindInvalidCandidate
	case errors.Is(err, throughput.ErrDegenerateMeasurement):
		return KindDegenerateMeasurement
	}
	return KindInternal
}
