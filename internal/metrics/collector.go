// Package metrics provides Prometheus metrics for abr-swarm.
//
// Request, selection and termination metrics are fed directly by session
// callbacks. Population gauges (rates, rolling throughput, state mix) are
// refreshed once a second from stats.AggregatedStats.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/stats"
	"github.com/randomizedcoder/go-abr-swarm/internal/timeseries"
)

const namespace = "abr_swarm"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version        string
	TargetSessions int
	TestDuration   time.Duration
	URLSource      string // url-list path or the single entry URL
	Policy         string
}

// Collector manages all Prometheus metrics for the swarm.
type Collector struct {
	targetSessions int
	testDuration   time.Duration
	startTime      time.Time

	// --- Test overview ---
	info             *prometheus.GaugeVec
	targetGauge      prometheus.Gauge
	durationGauge    prometheus.Gauge
	activeSessions   prometheus.Gauge
	rampProgress     prometheus.Gauge
	elapsedSeconds   prometheus.Gauge
	remainingSeconds prometheus.Gauge

	// --- Requests (event driven) ---
	requestsTotal   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	httpErrorsTotal *prometheus.CounterVec
	transportErrors *prometheus.CounterVec

	// --- Rates (from aggregated stats) ---
	segmentRate     prometheus.Gauge
	manifestRate    prometheus.Gauge
	throughputBytes prometheus.Gauge
	throughputAvg   *prometheus.GaugeVec
	errorRate       prometheus.Gauge

	// --- ABR ---
	estimateBits     prometheus.Histogram
	switchesTotal    prometheus.Counter
	selectionsTotal  *prometheus.CounterVec
	sessionsByBW     *prometheus.GaugeVec
	overTimeTotal    prometheus.Counter
	latenessSeconds  prometheus.Histogram
	segmentLatencyPx *prometheus.GaugeVec

	// --- Lifecycle ---
	startsTotal       prometheus.Counter
	respawnsTotal     prometheus.Counter
	terminationsTotal *prometheus.CounterVec
	lifetimeSeconds   prometheus.Histogram
	sessionsByState   *prometheus.GaugeVec

	// --- Origin (only when an exporter URL is configured) ---
	originCPU        prometheus.Gauge
	originMemPercent prometheus.Gauge
	originNetIn      prometheus.Gauge
	originNetOut     prometheus.Gauge
	originConns      prometheus.Gauge
	originReqRate    prometheus.Gauge
	originUp         prometheus.Gauge

	// For summary generation
	mu            sync.Mutex
	peakActive    int
	totalStarts   int64
	totalRespawns int64
	terminations  map[session.Kind]int64
	bandwidths    map[uint64]struct{} // labels set on sessionsByBW
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	classes := []string{"class"}

	c := &Collector{
		targetSessions: cfg.TargetSessions,
		testDuration:   cfg.TestDuration,
		startTime:      time.Now(),
		terminations:   make(map[session.Kind]int64),
		bandwidths:     make(map[uint64]struct{}),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "info",
			Help: "Information about the load test (value always 1)",
		}, []string{"version", "url_source", "policy"}),
		targetGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_sessions",
			Help: "Target number of concurrent sessions",
		}),
		durationGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "test_duration_seconds",
			Help: "Configured test duration (0 = unlimited)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Sessions currently running",
		}),
		rampProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ramp_progress",
			Help: "Session ramp-up progress (0.0 to 1.0)",
		}),
		elapsedSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "test_elapsed_seconds",
			Help: "Seconds since test started",
		}),
		remainingSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "test_remaining_seconds",
			Help: "Seconds remaining until test ends (-1 = unlimited)",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Requests issued by class (manifest, variant, segment)",
		}, classes),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_downloaded_total",
			Help: "Response bytes received by class",
		}, classes),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "Request duration by class, completed exchanges only",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, classes),
		httpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_errors_total",
			Help: "Responses with status >= 400 by class and status code",
		}, []string{"class", "code"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_errors_total",
			Help: "Requests that failed without an HTTP response",
		}, classes),

		segmentRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "segment_requests_per_second",
			Help: "Current segment request rate",
		}),
		manifestRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "manifest_requests_per_second",
			Help: "Current manifest and variant playlist request rate",
		}),
		throughputBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throughput_bytes_per_second",
			Help: "Current download throughput",
		}),
		throughputAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throughput_avg_bytes_per_second",
			Help: "Download throughput averaged over a trailing window",
		}, []string{"window"}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "error_rate",
			Help: "Failed requests / total requests",
		}),

		estimateBits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "throughput_estimate_bits_per_second",
			Help:    "Per-measurement session throughput estimates",
			Buckets: prometheus.ExponentialBuckets(250_000, 2, 12),
		}),
		switchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "representation_switches_total",
			Help: "Representation changes after the initial selection",
		}),
		selectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "representation_selections_total",
			Help: "Representation choices by declared bandwidth, initial picks included",
		}, []string{"bandwidth"}),
		sessionsByBW: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_by_bandwidth",
			Help: "Live sessions by the declared bandwidth of their active representation",
		}, []string{"bandwidth"}),
		overTimeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "over_time_cycles_total",
			Help: "Segment cycles that finished after their deadline",
		}),
		latenessSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_lateness_seconds",
			Help:    "How far over-time cycles overran their deadline",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		segmentLatencyPx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "segment_latency_seconds",
			Help: "Segment download latency percentiles (T-Digest)",
		}, []string{"quantile"}),

		startsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_starts_total",
			Help: "Sessions started",
		}),
		respawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_respawns_total",
			Help: "Sessions started to replace a terminated one",
		}),
		terminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_terminations_total",
			Help: "Terminated sessions by kind",
		}, []string{"kind"}),
		lifetimeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_lifetime_seconds",
			Help:    "Session lifetime from start to termination",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		sessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_by_state",
			Help: "Live sessions by engine state",
		}, []string{"state"}),

		originCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "cpu_percent",
			Help: "Origin CPU utilisation from node_exporter",
		}),
		originMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "memory_percent",
			Help: "Origin memory utilisation from node_exporter",
		}),
		originNetIn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "network_receive_bytes_per_second",
			Help: "Origin network receive rate",
		}),
		originNetOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "network_transmit_bytes_per_second",
			Help: "Origin network transmit rate",
		}),
		originConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "nginx_connections_active",
			Help: "Active nginx connections from nginx_exporter",
		}),
		originReqRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "nginx_requests_per_second",
			Help: "nginx request rate",
		}),
		originUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "origin", Name: "scrape_up",
			Help: "1 when the last origin scrape succeeded",
		}),
	}

	registry.MustRegister(
		// Test overview
		c.info, c.targetGauge, c.durationGauge, c.activeSessions,
		c.rampProgress, c.elapsedSeconds, c.remainingSeconds,

		// Requests
		c.requestsTotal, c.bytesTotal, c.requestDuration,
		c.httpErrorsTotal, c.transportErrors,

		// Rates
		c.segmentRate, c.manifestRate, c.throughputBytes, c.throughputAvg, c.errorRate,

		// ABR
		c.estimateBits, c.switchesTotal, c.selectionsTotal, c.sessionsByBW,
		c.overTimeTotal, c.latenessSeconds, c.segmentLatencyPx,

		// Lifecycle
		c.startsTotal, c.respawnsTotal, c.terminationsTotal,
		c.lifetimeSeconds, c.sessionsByState,

		// Origin
		c.originCPU, c.originMemPercent, c.originNetIn, c.originNetOut,
		c.originConns, c.originReqRate, c.originUp,
	)

	// Set initial values
	c.info.WithLabelValues(cfg.Version, cfg.URLSource, cfg.Policy).Set(1)
	c.targetGauge.Set(float64(cfg.TargetSessions))
	c.durationGauge.Set(cfg.TestDuration.Seconds())
	c.remainingSeconds.Set(-1) // -1 = unlimited

	// Pre-create label values so dashboards see zeroes
	for _, class := range []session.Class{session.ClassManifest, session.ClassVariant, session.ClassSegment} {
		c.requestsTotal.WithLabelValues(string(class))
		c.bytesTotal.WithLabelValues(string(class))
	}
	for _, kind := range session.Kinds {
		c.terminationsTotal.WithLabelValues(kind.String())
	}

	return c
}

// =============================================================================
// Session Events
// =============================================================================

// Callbacks returns session callbacks that update the event-driven metrics.
func (c *Collector) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnFetch:      c.RecordFetch,
		OnThroughput: func(_ string, bps float64) { c.estimateBits.Observe(bps) },
		OnSwitch:     c.RecordSwitch,
		OnOverTime: func(_ string, lateness time.Duration) {
			c.overTimeTotal.Inc()
			c.latenessSeconds.Observe(lateness.Seconds())
		},
		OnTerminated: c.RecordTermination,
	}
}

// RecordFetch records one request.
func (c *Collector) RecordFetch(ev session.FetchEvent) {
	class := string(ev.Class)
	c.requestsTotal.WithLabelValues(class).Inc()
	if ev.Bytes > 0 {
		c.bytesTotal.WithLabelValues(class).Add(float64(ev.Bytes))
	}

	switch {
	case ev.StatusCode >= http.StatusBadRequest:
		c.httpErrorsTotal.WithLabelValues(class, strconv.Itoa(ev.StatusCode)).Inc()
		c.requestDuration.WithLabelValues(class).Observe(ev.Elapsed.Seconds())
	case ev.StatusCode > 0:
		c.requestDuration.WithLabelValues(class).Observe(ev.Elapsed.Seconds())
	case fetch.IsTransport(ev.Err) && !errors.Is(ev.Err, context.Canceled):
		c.transportErrors.WithLabelValues(class).Inc()
	}
}

// RecordSwitch records a representation choice. The initial pick has a
// zero from.
func (c *Collector) RecordSwitch(_ string, from, to manifest.Representation) {
	if from.ID != "" || from.URL != "" {
		c.switchesTotal.Inc()
	}
	c.selectionsTotal.WithLabelValues(strconv.FormatUint(to.Bandwidth, 10)).Inc()
}

// RecordTermination records a finished session.
func (c *Collector) RecordTermination(rec session.Record) {
	c.terminationsTotal.WithLabelValues(rec.Kind.String()).Inc()
	c.lifetimeSeconds.Observe(rec.Duration.Seconds())

	c.mu.Lock()
	c.terminations[rec.Kind]++
	c.mu.Unlock()
}

// SessionStarted records a session start.
func (c *Collector) SessionStarted() {
	c.startsTotal.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// SessionRespawned records a respawn.
func (c *Collector) SessionRespawned() {
	c.respawnsTotal.Inc()

	c.mu.Lock()
	c.totalRespawns++
	c.mu.Unlock()
}

// SetActiveCount updates the live session count.
func (c *Collector) SetActiveCount(count int) {
	c.activeSessions.Set(float64(count))

	c.mu.Lock()
	if count > c.peakActive {
		c.peakActive = count
	}
	c.mu.Unlock()
}

// SetRampProgress updates the ramp-up progress.
func (c *Collector) SetRampProgress(progress float64) {
	c.rampProgress.Set(progress)
}

// =============================================================================
// Periodic Updates
// =============================================================================

// RecordStats refreshes the population gauges from an aggregated snapshot.
func (c *Collector) RecordStats(s *stats.AggregatedStats) {
	elapsed := time.Since(c.startTime)
	c.elapsedSeconds.Set(elapsed.Seconds())
	if c.testDuration > 0 {
		remaining := c.testDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		c.remainingSeconds.Set(remaining.Seconds())
	}

	c.segmentRate.Set(s.InstantSegmentRate)
	c.manifestRate.Set(s.InstantManifestRate)
	c.throughputBytes.Set(s.InstantThroughputRate)
	for _, w := range timeseries.DefaultWindows {
		c.throughputAvg.WithLabelValues(w.String()).Set(s.ByteRates[w])
	}
	c.errorRate.Set(s.ErrorRate)

	if s.SegmentLatencyCount > 0 {
		c.segmentLatencyPx.WithLabelValues("0.5").Set(s.SegmentLatencyP50.Seconds())
		c.segmentLatencyPx.WithLabelValues("0.95").Set(s.SegmentLatencyP95.Seconds())
		c.segmentLatencyPx.WithLabelValues("0.99").Set(s.SegmentLatencyP99.Seconds())
	}

	for _, st := range []session.State{
		session.StateIdle, session.StateFetchingManifest,
		session.StateFetchingSegment, session.StateWaiting,
	} {
		c.sessionsByState.WithLabelValues(st.String()).Set(float64(s.StateCounts[st]))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Zero bandwidths no session holds any more, keep the label
	for bw := range c.bandwidths {
		if _, ok := s.RepresentationMix[bw]; !ok {
			c.sessionsByBW.WithLabelValues(strconv.FormatUint(bw, 10)).Set(0)
		}
	}
	for bw, n := range s.RepresentationMix {
		c.sessionsByBW.WithLabelValues(strconv.FormatUint(bw, 10)).Set(float64(n))
		c.bandwidths[bw] = struct{}{}
	}
}

// RecordOrigin publishes the latest origin scrape.
func (c *Collector) RecordOrigin(m *OriginMetrics) {
	if m == nil {
		return
	}
	c.originCPU.Set(m.CPUPercent)
	c.originMemPercent.Set(m.MemPercent)
	c.originNetIn.Set(m.NetInRate)
	c.originNetOut.Set(m.NetOutRate)
	c.originConns.Set(float64(m.NginxConnections))
	c.originReqRate.Set(m.NginxReqRate)
	if m.Healthy {
		c.originUp.Set(1)
	} else {
		c.originUp.Set(0)
	}
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the lifecycle counters for the exit summary.
type Summary struct {
	Duration           time.Duration
	TargetSessions     int
	PeakActiveSessions int
	TotalStarts        int64
	TotalRespawns      int64
	Terminations       map[session.Kind]int64
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:           time.Since(c.startTime),
		TargetSessions:     c.targetSessions,
		PeakActiveSessions: c.peakActive,
		TotalStarts:        c.totalStarts,
		TotalRespawns:      c.totalRespawns,
		Terminations:       make(map[session.Kind]int64, len(c.terminations)),
	}
	for kind, n := range c.terminations {
		s.Terminations[kind] = n
	}
	return s
}

// PeakActive returns the peak active session count.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// TotalRespawns returns the number of respawned sessions.
func (c *Collector) TotalRespawns() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRespawns
}
