package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// OriginMetrics is what the swarm learns about the origin under test from
// its node_exporter and nginx exporter.
type OriginMetrics struct {
	// node_exporter
	CPUPercent float64
	MemUsed    int64
	MemTotal   int64
	MemPercent float64
	NetInRate  float64 // bytes/sec since the previous scrape
	NetOutRate float64

	// Rolling window over NetInRate / NetOutRate
	NetInP50         float64
	NetInMax         float64
	NetOutP50        float64
	NetOutMax        float64
	NetWindowSeconds int

	// nginx exporter
	NginxConnections int64
	NginxReqRate     float64
	NginxReqDuration float64 // mean seconds, when the exporter has a histogram

	LastUpdate time.Time
	Healthy    bool
	Error      string
}

// OriginConfig configures an OriginScraper.
type OriginConfig struct {
	NodeExporterURL  string
	NginxExporterURL string
	Interval         time.Duration
	Window           time.Duration // rolling window for network percentiles
}

// OriginScraper periodically scrapes the origin's exporters. Reads are
// lock-free; scrapes run on the Run goroutine only.
type OriginScraper struct {
	cfg    OriginConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	latest atomic.Pointer[OriginMetrics]

	netIn, netOut   *rollingWindow
	rxRate, txRate  counterRate
	nginxReqs       counterRate
	lastCPUBusy     float64
	lastCPUTotal    float64
	haveCPUBaseline bool
}

// NewOriginScraper returns nil when no exporter URL is configured.
func NewOriginScraper(cfg OriginConfig, logger *slog.Logger) *OriginScraper {
	if cfg.NodeExporterURL == "" && cfg.NginxExporterURL == "" {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	cfg.Window = min(max(cfg.Window, 10*time.Second), 300*time.Second)
	if logger == nil {
		logger = slog.Default()
	}

	s := &OriginScraper{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		now:    time.Now,
		netIn:  newRollingWindow(cfg.Window),
		netOut: newRollingWindow(cfg.Window),
	}
	s.latest.Store(&OriginMetrics{Error: "not yet scraped"})
	return s
}

// Run scrapes immediately and then every interval until ctx is done. onScrape,
// when set, receives every new snapshot.
func (s *OriginScraper) Run(ctx context.Context, onScrape func(*OriginMetrics)) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		m := s.ScrapeOnce(ctx)
		if onScrape != nil {
			onScrape(m)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Snapshot returns the latest metrics with the rolling window applied.
func (s *OriginScraper) Snapshot() *OriginMetrics {
	if s == nil {
		return nil
	}
	m := *s.latest.Load()
	now := s.now()
	m.NetInP50, m.NetInMax = s.netIn.stats(now)
	m.NetOutP50, m.NetOutMax = s.netOut.stats(now)
	m.NetWindowSeconds = int(s.cfg.Window.Seconds())
	return &m
}

// ScrapeOnce scrapes every configured exporter and stores the result. Values
// from an exporter that failed are carried over from the previous scrape.
func (s *OriginScraper) ScrapeOnce(ctx context.Context) *OriginMetrics {
	prev := s.latest.Load()
	next := *prev
	next.LastUpdate = s.now()

	var errs []string
	if s.cfg.NodeExporterURL != "" {
		if err := s.scrapeNode(ctx, &next); err != nil {
			errs = append(errs, "node_exporter: "+err.Error())
			s.logger.Debug("node_exporter_scrape_error", "error", err)
		}
	}
	if s.cfg.NginxExporterURL != "" {
		if err := s.scrapeNginx(ctx, &next); err != nil {
			errs = append(errs, "nginx_exporter: "+err.Error())
			s.logger.Debug("nginx_exporter_scrape_error", "error", err)
		}
	}
	next.Healthy = len(errs) == 0
	next.Error = strings.Join(errs, "; ")

	s.latest.Store(&next)
	return s.Snapshot()
}

func (s *OriginScraper) scrapeNode(ctx context.Context, m *OriginMetrics) error {
	families, err := s.gather(ctx, s.cfg.NodeExporterURL)
	if err != nil {
		return err
	}
	now := s.now()

	m.CPUPercent = s.cpuPercent(families["node_cpu_seconds_total"])
	m.MemUsed, m.MemTotal, m.MemPercent = memory(families)

	notLoopback := func(labels map[string]string) bool { return labels["device"] != "lo" }
	rx := sumValues(families["node_network_receive_bytes_total"], notLoopback)
	tx := sumValues(families["node_network_transmit_bytes_total"], notLoopback)
	if rate, ok := s.rxRate.update(rx, now); ok {
		m.NetInRate = rate
		s.netIn.add(rate, now)
	}
	if rate, ok := s.txRate.update(tx, now); ok {
		m.NetOutRate = rate
		s.netOut.add(rate, now)
	}
	return nil
}

func (s *OriginScraper) scrapeNginx(ctx context.Context, m *OriginMetrics) error {
	families, err := s.gather(ctx, s.cfg.NginxExporterURL)
	if err != nil {
		return err
	}

	m.NginxConnections = int64(sumValues(families["nginx_connections_active"], nil))
	if rate, ok := s.nginxReqs.update(sumValues(families["nginx_http_requests_total"], nil), s.now()); ok {
		m.NginxReqRate = rate
	}

	if mf := families["nginx_http_request_duration_seconds"]; mf != nil {
		var sum, count float64
		for _, metric := range mf.GetMetric() {
			if h := metric.GetHistogram(); h != nil {
				sum += h.GetSampleSum()
				count += float64(h.GetSampleCount())
			}
		}
		if count > 0 {
			m.NginxReqDuration = sum / count
		}
	}
	return nil
}

// cpuPercent is busy share of CPU time between two scrapes. The first
// scrape has no baseline and falls back to the since-boot share.
func (s *OriginScraper) cpuPercent(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total, idle float64
	for _, metric := range mf.GetMetric() {
		v := metricValue(metric)
		total += v
		if labelMap(metric)["mode"] == "idle" {
			idle += v
		}
	}
	busy := total - idle

	dTotal, dBusy := total, busy
	if s.haveCPUBaseline {
		dTotal, dBusy = total-s.lastCPUTotal, busy-s.lastCPUBusy
	}
	s.lastCPUTotal, s.lastCPUBusy, s.haveCPUBaseline = total, busy, true

	if dTotal <= 0 {
		return 0
	}
	return dBusy / dTotal * 100
}

func memory(families map[string]*dto.MetricFamily) (used, total int64, percent float64) {
	totalMF := families["node_memory_MemTotal_bytes"]
	availMF := families["node_memory_MemAvailable_bytes"]
	if availMF == nil {
		availMF = families["node_memory_MemFree_bytes"]
	}
	if totalMF == nil || availMF == nil {
		return 0, 0, 0
	}

	t := sumValues(totalMF, nil)
	a := sumValues(availMF, nil)
	total, used = int64(t), int64(t-a)
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}
	return used, total, percent
}

// gather fetches and decodes a Prometheus text exposition.
func (s *OriginScraper) gather(ctx context.Context, rawURL string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", string(expfmt.FmtText))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	families := make(map[string]*dto.MetricFamily)
	decoder := expfmt.NewDecoder(resp.Body, expfmt.FmtText)
	for {
		mf := &dto.MetricFamily{}
		if err := decoder.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		families[mf.GetName()] = mf
	}
	return families, nil
}

// sumValues adds the counter, gauge or untyped value of every metric in mf
// that keep accepts (nil keeps all).
func sumValues(mf *dto.MetricFamily, keep func(map[string]string) bool) float64 {
	if mf == nil {
		return 0
	}
	var sum float64
	for _, metric := range mf.GetMetric() {
		if keep != nil && !keep(labelMap(metric)) {
			continue
		}
		sum += metricValue(metric)
	}
	return sum
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	return labels
}

// counterRate turns successive counter readings into a per-second rate.
type counterRate struct {
	last float64
	at   time.Time
}

// update returns false for the first reading, or when the counter reset.
func (c *counterRate) update(value float64, now time.Time) (float64, bool) {
	prev, prevAt := c.last, c.at
	c.last, c.at = value, now
	if prevAt.IsZero() || value < prev {
		return 0, false
	}
	secs := now.Sub(prevAt).Seconds()
	if secs <= 0 {
		return 0, false
	}
	return (value - prev) / secs, true
}

// rollingWindow keeps timestamped samples for a trailing window and a
// T-Digest over them, rebuilt when samples expire.
type rollingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []windowSample
	digest  *tdigest.TDigest
}

type windowSample struct {
	value float64
	at    time.Time
}

func newRollingWindow(window time.Duration) *rollingWindow {
	return &rollingWindow{
		window: window,
		digest: tdigest.NewWithCompression(digestCompression),
	}
}

const digestCompression = 100

func (w *rollingWindow) add(v float64, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, windowSample{value: v, at: now})
	w.digest.Add(v, 1)
	w.expire(now)
}

// stats returns the median and max over the window.
func (w *rollingWindow) stats(now time.Time) (p50, maxValue float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(now)
	if len(w.samples) == 0 {
		return 0, 0
	}
	for _, s := range w.samples {
		maxValue = max(maxValue, s.value)
	}
	return w.digest.Quantile(0.5), maxValue
}

func (w *rollingWindow) expire(now time.Time) {
	cutoff := now.Add(-w.window)
	keep := 0
	for keep < len(w.samples) && !w.samples[keep].at.After(cutoff) {
		keep++
	}
	if keep == 0 {
		return
	}
	w.samples = append(w.samples[:0], w.samples[keep:]...)
	w.digest = tdigest.NewWithCompression(digestCompression)
	for _, s := range w.samples {
		w.digest.Add(s.value, 1)
	}
}

// OriginHostname extracts the host for display, or "unknown".
func OriginHostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
