package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Test Helpers
// =============================================================================

// exporter serves whatever body the test last set.
type exporter struct {
	mu     sync.Mutex
	body   string
	status int
}

func (e *exporter) set(body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.body = body
}

func (e *exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != 0 {
		w.WriteHeader(e.status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, e.body)
}

func nodeBody(idle, user, rx, tx float64) string {
	return fmt.Sprintf(`# TYPE node_cpu_seconds_total counter
node_cpu_seconds_total{cpu="0",mode="idle"} %g
node_cpu_seconds_total{cpu="0",mode="user"} %g
# TYPE node_memory_MemTotal_bytes gauge
node_memory_MemTotal_bytes 1000
# TYPE node_memory_MemAvailable_bytes gauge
node_memory_MemAvailable_bytes 250
# TYPE node_network_receive_bytes_total counter
node_network_receive_bytes_total{device="eth0"} %g
node_network_receive_bytes_total{device="lo"} 999999
# TYPE node_network_transmit_bytes_total counter
node_network_transmit_bytes_total{device="eth0"} %g
node_network_transmit_bytes_total{device="lo"} 999999
`, idle, user, rx, tx)
}

func nginxBody(active, requests float64) string {
	return fmt.Sprintf(`# TYPE nginx_connections_active gauge
nginx_connections_active %g
# TYPE nginx_http_requests_total counter
nginx_http_requests_total %g
`, active, requests)
}

// fakeNow is a settable clock for the scraper.
type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

// =============================================================================
// Tests: Construction
// =============================================================================

func TestNewOriginScraper_Disabled(t *testing.T) {
	if s := NewOriginScraper(OriginConfig{}, nil); s != nil {
		t.Fatal("NewOriginScraper() with no URLs should return nil")
	}

	// nil scraper is safe to use
	var s *OriginScraper
	if s.Snapshot() != nil {
		t.Error("nil Snapshot() should be nil")
	}
	s.Run(context.Background(), nil)
}

func TestNewOriginScraper_WindowClamp(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   time.Duration
	}{
		{0, 10 * time.Second},
		{5 * time.Second, 10 * time.Second},
		{30 * time.Second, 30 * time.Second},
		{time.Hour, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.window.String(), func(t *testing.T) {
			s := NewOriginScraper(OriginConfig{NodeExporterURL: "http://x", Window: tt.window}, nil)
			if s.cfg.Window != tt.want {
				t.Errorf("Window = %v, want %v", s.cfg.Window, tt.want)
			}
			if s.cfg.Interval != 2*time.Second {
				t.Errorf("Interval = %v, want 2s", s.cfg.Interval)
			}
		})
	}
}

// =============================================================================
// Tests: Scraping
// =============================================================================

func TestOriginScraper_NodeExporter(t *testing.T) {
	node := &exporter{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	clock := &fakeNow{t: time.Unix(1_000, 0)}
	s := NewOriginScraper(OriginConfig{NodeExporterURL: srv.URL, Window: 30 * time.Second}, nil)
	s.now = clock.now
	ctx := context.Background()

	node.set(nodeBody(900, 100, 10_000, 50_000))
	m := s.ScrapeOnce(ctx)
	if !m.Healthy {
		t.Fatalf("first scrape unhealthy: %s", m.Error)
	}
	if m.CPUPercent != 10 {
		t.Errorf("first CPUPercent = %v, want 10 (since boot)", m.CPUPercent)
	}
	if m.MemUsed != 750 || m.MemTotal != 1000 || m.MemPercent != 75 {
		t.Errorf("memory = %d/%d (%v%%), want 750/1000 (75%%)", m.MemUsed, m.MemTotal, m.MemPercent)
	}
	if m.NetInRate != 0 || m.NetOutRate != 0 {
		t.Errorf("first scrape has no baseline, got rates %v/%v", m.NetInRate, m.NetOutRate)
	}

	clock.advance(2 * time.Second)
	node.set(nodeBody(910, 140, 12_000, 250_000))
	m = s.ScrapeOnce(ctx)
	if m.CPUPercent != 80 {
		t.Errorf("CPUPercent = %v, want 80 (40 busy of 50)", m.CPUPercent)
	}
	if m.NetInRate != 1_000 {
		t.Errorf("NetInRate = %v, want 1000 (loopback excluded)", m.NetInRate)
	}
	if m.NetOutRate != 100_000 {
		t.Errorf("NetOutRate = %v, want 100000", m.NetOutRate)
	}
	if m.NetOutMax != 100_000 || m.NetWindowSeconds != 30 {
		t.Errorf("window max/seconds = %v/%d", m.NetOutMax, m.NetWindowSeconds)
	}
}

func TestOriginScraper_NginxExporter(t *testing.T) {
	nginx := &exporter{}
	srv := httptest.NewServer(nginx)
	defer srv.Close()

	clock := &fakeNow{t: time.Unix(1_000, 0)}
	s := NewOriginScraper(OriginConfig{NginxExporterURL: srv.URL}, nil)
	s.now = clock.now

	nginx.set(nginxBody(12, 1000))
	s.ScrapeOnce(context.Background())

	clock.advance(4 * time.Second)
	nginx.set(nginxBody(20, 1400))
	m := s.ScrapeOnce(context.Background())

	if m.NginxConnections != 20 {
		t.Errorf("NginxConnections = %d, want 20", m.NginxConnections)
	}
	if m.NginxReqRate != 100 {
		t.Errorf("NginxReqRate = %v, want 100", m.NginxReqRate)
	}
}

func TestOriginScraper_CounterReset(t *testing.T) {
	var c counterRate
	start := time.Unix(0, 0)

	if _, ok := c.update(100, start); ok {
		t.Error("first reading should have no rate")
	}
	if r, ok := c.update(300, start.Add(2*time.Second)); !ok || r != 100 {
		t.Errorf("rate = %v, %v; want 100, true", r, ok)
	}
	if _, ok := c.update(5, start.Add(3*time.Second)); ok {
		t.Error("counter reset should have no rate")
	}
	if r, ok := c.update(15, start.Add(4*time.Second)); !ok || r != 10 {
		t.Errorf("rate after reset = %v, %v; want 10, true", r, ok)
	}
}

func TestOriginScraper_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.Handler
		wantErr string
	}{
		{
			name:    "http status",
			handler: &exporter{status: http.StatusServiceUnavailable},
			wantErr: "http status 503",
		},
		{
			name: "garbage body",
			handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, "this is {not metrics\n")
			}),
			wantErr: "decode error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := NewOriginScraper(OriginConfig{NodeExporterURL: srv.URL}, nil)
			m := s.ScrapeOnce(context.Background())
			if m.Healthy {
				t.Fatal("scrape should be unhealthy")
			}
			if !strings.Contains(m.Error, "node_exporter: ") || !strings.Contains(m.Error, tt.wantErr) {
				t.Errorf("Error = %q, want node_exporter prefix and %q", m.Error, tt.wantErr)
			}
		})
	}
}

func TestOriginScraper_Run(t *testing.T) {
	nginx := &exporter{}
	nginx.set(nginxBody(3, 10))
	srv := httptest.NewServer(nginx)
	defer srv.Close()

	s := NewOriginScraper(OriginConfig{NginxExporterURL: srv.URL, Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *OriginMetrics, 16)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func(m *OriginMetrics) {
			select {
			case got <- m:
			default:
			}
		})
		close(done)
	}()

	select {
	case m := <-got:
		if m.NginxConnections != 3 {
			t.Errorf("NginxConnections = %d, want 3", m.NginxConnections)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no scrape delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =============================================================================
// Tests: Rolling Window
// =============================================================================

func TestRollingWindow(t *testing.T) {
	w := newRollingWindow(10 * time.Second)
	start := time.Unix(0, 0)

	if p50, mx := w.stats(start); p50 != 0 || mx != 0 {
		t.Errorf("empty stats = %v/%v, want 0/0", p50, mx)
	}

	for i := range 5 {
		w.add(float64(100*(i+1)), start.Add(time.Duration(i)*time.Second))
	}
	p50, mx := w.stats(start.Add(5 * time.Second))
	if mx != 500 {
		t.Errorf("max = %v, want 500", mx)
	}
	if p50 < 200 || p50 > 400 {
		t.Errorf("p50 = %v, want near 300", p50)
	}

	// everything up to t=3s has left the window at t=13s
	_, mx = w.stats(start.Add(13 * time.Second))
	if mx != 500 {
		t.Errorf("max after partial expiry = %v, want 500", mx)
	}
	if n := len(w.samples); n != 1 {
		t.Errorf("samples after expiry = %d, want 1", n)
	}

	if p50, mx := w.stats(start.Add(time.Minute)); p50 != 0 || mx != 0 {
		t.Errorf("fully expired stats = %v/%v, want 0/0", p50, mx)
	}
}

func TestOriginHostname(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://origin.example:9100/metrics", "origin.example"},
		{"http://10.0.0.5:9113/metrics", "10.0.0.5"},
		{"", "unknown"},
		{"::bad", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := OriginHostname(tt.url); got != tt.want {
				t.Errorf("OriginHostname(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
