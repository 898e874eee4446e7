// Package fetch performs the HTTP requests of a playback session and reports
// size and timing for throughput estimation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Request is one GET issued by a session.
type Request struct {
	URL    string
	Header http.Header // merged over the fetcher's default headers

	// DiscardBody counts the body bytes without keeping them. Used for
	// media segments, which are never inspected.
	DiscardBody bool
}

// Response is a completed exchange. Any status code is a Response; only
// failures to complete the exchange are errors.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Bytes      int64
	Elapsed    time.Duration // request start until the body was fully read
}

// ByteLength returns the number of body bytes received.
func (r *Response) ByteLength() int64 {
	return r.Bytes
}

// ContentType returns the Content-Type header, or "" when absent.
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// ElapsedMillis returns Elapsed in whole milliseconds.
func (r *Response) ElapsedMillis() uint64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return uint64(r.Elapsed.Milliseconds())
}

// Fetcher performs one request. Implementations must honour ctx
// cancellation for the whole exchange.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// TransportError means the exchange did not complete: DNS, connect, TLS,
// timeout or a broken body.
type TransportError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("transport error fetching %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport error fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RequestError means no request could be built, usually for a malformed
// URL. It never reaches the network and is not retried.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request for %q: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a response with status 400 or above.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s fetching %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// CheckStatus returns an *HTTPStatusError for status codes >= 400.
func CheckStatus(resp *Response) error {
	if resp.StatusCode >= http.StatusBadRequest {
		return &HTTPStatusError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return nil
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
