package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string

	// Headers are extra "Name: value" lines sent with every request.
	Headers []string

	// NoCache adds cache-busting request headers.
	NoCache bool

	// ResolveIP connects to this address instead of resolving the URL host.
	// The Host header and TLS server name keep the original host.
	ResolveIP string

	// InsecureTLS disables certificate verification. Required for ResolveIP.
	InsecureTLS bool

	// MaxIdleConnsPerHost sizes the keep-alive pool, typically the session count.
	MaxIdleConnsPerHost int
}

// DefaultHTTPConfig returns the defaults used by the CLI.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:             15 * time.Second,
		UserAgent:           "go-abr-swarm/1.0",
		MaxIdleConnsPerHost: 100,
	}
}

// HTTPFetcher is a Fetcher over net/http. Safe for concurrent use.
type HTTPFetcher struct {
	client *http.Client
	header http.Header
}

// NewHTTPFetcher builds a fetcher from cfg. Malformed header lines are an error.
func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	header, err := buildHeaders(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.Timeout,
		ForceAttemptHTTP2:   true,
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // --dangerous
	}
	if cfg.ResolveIP != "" {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(cfg.ResolveIP, port))
		}
	}

	return &HTTPFetcher{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		header: header,
	}, nil
}

// buildHeaders constructs the default request headers from configuration.
func buildHeaders(cfg HTTPConfig) (http.Header, error) {
	h := http.Header{}
	if cfg.UserAgent != "" {
		h.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.NoCache {
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
	}
	for _, line := range cfg.Headers {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: want \"Name: value\"", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// Fetch performs a GET and reads the whole body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &RequestError{URL: req.URL, Err: err}
	}
	for name, values := range f.header {
		httpReq.Header[name] = append([]string(nil), values...)
	}
	for name, values := range req.Header {
		httpReq.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{URL: req.URL, Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	out := &Response{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	if req.DiscardBody {
		out.Bytes, err = io.Copy(io.Discard, resp.Body)
	} else {
		out.Body, err = io.ReadAll(resp.Body)
		out.Bytes = int64(len(out.Body))
	}
	out.Elapsed = time.Since(start)
	if err != nil {
		return nil, &TransportError{URL: req.URL, Attempts: 1, Err: fmt.Errorf("reading body: %w", err)}
	}
	return out, nil
}
