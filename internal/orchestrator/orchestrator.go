package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-abr-swarm/internal/config"
	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/liveedge"
	"github.com/randomizedcoder/go-abr-swarm/internal/logging"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/metrics"
	"github.com/randomizedcoder/go-abr-swarm/internal/preflight"
	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/stats"
	"github.com/randomizedcoder/go-abr-swarm/internal/supervisor"
)

const (
	statsInterval   = time.Second
	shutdownTimeout = 10 * time.Second
)

// Options carries dependencies that are not configuration.
type Options struct {
	// Version is reported on the info metric.
	Version string

	// Registry receives the swarm's metrics. A new registry with the Go
	// and process collectors is used when nil.
	Registry *prometheus.Registry

	// Out receives preflight results and the exit summary. Defaults to
	// os.Stdout.
	Out io.Writer

	// Fetcher replaces the HTTP fetcher.
	Fetcher fetch.Fetcher

	// HandleSignals stops the run on SIGINT and SIGTERM.
	HandleSignals bool
}

// Orchestrator coordinates all components for an ABR load test.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	out    io.Writer

	factory       *sessionFactory
	sessions      *SessionManager
	rampScheduler *RampScheduler
	aggregator    *stats.Aggregator
	audit         *logging.AuditLog
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	origin        *metrics.OriginScraper
	originHost    string
	probe         preflight.EntryProbe

	handleSignals bool
	latest        atomic.Pointer[stats.AggregatedStats]
	startTime     time.Time
}

// New creates a new Orchestrator. It loads the URL list and builds the
// shared fetcher, so configuration errors surface here.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	urls, err := buildURLs(cfg)
	if err != nil {
		return nil, fmt.Errorf("url list: %w", err)
	}
	policy, err := buildPolicy(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		if fetcher, err = buildFetcher(cfg, logger); err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	aggregator := stats.NewAggregator()
	audit := logging.NewAuditLog()
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:        opts.Version,
		TargetSessions: cfg.Sessions,
		TestDuration:   cfg.Duration,
		URLSource:      cfg.URLSource(),
		Policy:         policy.Name(),
	}, registry)

	dash := manifest.NewDASHParser()

	ramp := NewRampScheduler(cfg.RampRate, cfg.RampJitter)
	if cfg.Seed != 0 {
		ramp = NewRampSchedulerWithSeed(cfg.RampRate, cfg.RampJitter, int64(cfg.Seed))
	}

	orch := &Orchestrator{
		config:        cfg,
		logger:        logger,
		out:           out,
		rampScheduler: ramp,
		aggregator:    aggregator,
		audit:         audit,
		registry:      registry,
		metrics:       collector,
		probe:         entryProbe(fetcher, urls, dash),
		handleSignals: opts.HandleSignals,
	}
	orch.factory = &sessionFactory{
		policy:             policy,
		urls:               urls,
		fetcher:            fetcher,
		dash:               dash,
		shifts:             liveedge.NewShiftSource(cfg.TimeshiftMean, cfg.Seed),
		callbacks:          session.Merge(aggregator.Callbacks(), collector.Callbacks(), audit.Callbacks()),
		logger:             logger,
		codecFilter:        cfg.CodecFilter,
		skipAudio:          cfg.NoAudio,
		uidParam:           cfg.UIDParam,
		maxCycles:          cfg.MaxCycles,
		segmentErrorBudget: cfg.SegmentErrorBudget,
	}

	orch.sessions = NewSessionManager(ManagerConfig{
		Factory: orch.factory.New,
		Logger:  logger,
		BackoffConfig: supervisor.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  0.4,
		},
		ConfigSeed:  int64(cfg.Seed),
		Respawn:     cfg.Respawn,
		MaxRestarts: cfg.MaxRestarts,
		Callbacks: ManagerCallbacks{
			OnSlotStateChange: orch.onStateChange,
			OnSessionStart:    orch.onStart,
			OnSessionRestart:  orch.onRestart,
		},
	})

	if cfg.MetricsAddr != "" {
		orch.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, orch.sessionSummaries, logger)
	}

	nodeURL, nginxURL := cfg.ResolveOriginMetricsURLs()
	orch.originHost = metrics.OriginHostname(nodeURL)
	if nodeURL == "" {
		orch.originHost = metrics.OriginHostname(nginxURL)
	}
	orch.origin = metrics.NewOriginScraper(metrics.OriginConfig{
		NodeExporterURL:  nodeURL,
		NginxExporterURL: nginxURL,
		Interval:         cfg.OriginMetricsInterval,
		Window:           cfg.OriginMetricsWindow,
	}, logger)

	return orch, nil
}

// Run executes the load test. It blocks until the duration elapses, a
// signal arrives, ctx is cancelled or every slot has stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	// Start metrics server first so /ready can report preflight
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer o.shutdownMetricsServer()
	}

	if !o.config.SkipPreflight {
		result := preflight.RunAll(ctx, o.config.Sessions, o.probe)
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to override)")
		}
	}
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sigCh chan os.Signal
	if o.handleSignals {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.statsLoop(ctx)
	}()

	if o.origin != nil {
		o.logger.Info("origin_metrics_enabled",
			"origin", o.originHost,
			"interval", o.config.OriginMetricsInterval.String(),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.origin.Run(ctx, o.metrics.RecordOrigin)
		}()
	}

	o.logger.Info("ramp_starting",
		"sessions", o.config.Sessions,
		"rate", o.config.RampRate,
		"estimated_duration", o.rampScheduler.EstimatedRampDuration(o.config.Sessions).String(),
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.rampUp(ctx)
		o.sessions.Close()
	}()

	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		timer := time.NewTimer(o.config.Duration)
		defer timer.Stop()
		durationTimer = timer.C
	}

	select {
	case sig := <-sigCh:
		o.logger.Info("received_signal", "signal", sig.String())
	case <-durationTimer:
		o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
	case <-o.sessions.Done():
		o.logger.Info("all_slots_stopped", "started", o.sessions.StartedCount())
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	}

	// Cancel context to stop all sessions
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := o.sessions.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	wg.Wait()

	final := o.snapshot()

	if o.config.MetricsDump != "" {
		if err := metrics.WriteFile(o.config.MetricsDump, o.registry); err != nil {
			o.logger.Warn("metrics_dump_failed", "path", o.config.MetricsDump, "error", err)
		} else {
			o.logger.Info("metrics_dumped", "path", o.config.MetricsDump)
		}
	}

	o.printExitSummary(final)
	return nil
}

// rampUp starts slots at the configured rate.
func (o *Orchestrator) rampUp(ctx context.Context) {
	for i := range o.config.Sessions {
		if ctx.Err() != nil {
			o.logger.Info("ramp_cancelled", "started", i, "target", o.config.Sessions)
			return
		}

		// Don't wait for the first slot
		if i > 0 {
			if err := o.rampScheduler.Schedule(ctx, i); err != nil {
				o.logger.Info("ramp_cancelled", "started", i, "target", o.config.Sessions)
				return
			}
		}

		o.sessions.StartSlot(ctx, i)
		o.metrics.SetRampProgress(float64(i+1) / float64(o.config.Sessions))

		// Log progress periodically
		if (i+1)%10 == 0 || i == o.config.Sessions-1 {
			o.logger.Info("ramp_progress",
				"started", i+1,
				"target", o.config.Sessions,
				"active", o.sessions.ActiveCount(),
			)
		}
	}

	o.logger.Info("ramp_complete",
		"sessions", o.config.Sessions,
		"active", o.sessions.ActiveCount(),
	)
}

// statsLoop refreshes the population metrics once per interval.
func (o *Orchestrator) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := o.snapshot()
			if o.config.Verbose {
				o.logger.Debug("stats",
					"active", s.ActiveSessions,
					"segments", s.TotalSegmentReqs,
					"bytes", s.TotalBytes,
					"error_rate", s.ErrorRate,
				)
			}
		}
	}
}

// snapshot samples and aggregates the population stats and publishes them
// to the collector and GetAggregatedStats.
func (o *Orchestrator) snapshot() *stats.AggregatedStats {
	o.aggregator.Sample()
	s := o.aggregator.Aggregate(o.config.TUIEnabled)
	o.metrics.RecordStats(s)
	o.metrics.SetActiveCount(o.sessions.ActiveCount())
	o.latest.Store(s)
	return s
}

// Callback handlers

func (o *Orchestrator) onStateChange(_ int, _, _ supervisor.State) {
	o.metrics.SetActiveCount(o.sessions.ActiveCount())
}

func (o *Orchestrator) onStart(slot int, sessionID string) {
	o.metrics.SessionStarted()
	o.logger.Debug("session_started", "slot", slot, "session_id", sessionID)
}

func (o *Orchestrator) onRestart(slot int, attempt int, delay time.Duration) {
	o.metrics.SessionRespawned()
	o.logger.Debug("session_restart_scheduled",
		"slot", slot,
		"attempt", attempt,
		"delay", delay.String(),
	)
}

func (o *Orchestrator) shutdownMetricsServer() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// printExitSummary prints a summary of the load test run.
func (o *Orchestrator) printExitSummary(s *stats.AggregatedStats) {
	lifecycle := o.metrics.GenerateSummary()
	fmt.Fprint(o.out, stats.FormatExitSummary(s, stats.SummaryConfig{
		TargetSessions: o.config.Sessions,
		Duration:       time.Since(o.startTime),
		Policy:         o.factory.policy.Name(),
		MetricsAddr:    o.config.MetricsAddr,
		TotalRestarts:  int(lifecycle.TotalRespawns),
		RecentFailures: o.audit.RecentFailures(10),
		TopErrors:      o.audit.TopErrors(5),
	}))
}

// sessionSummaries lists live sessions for the /sessions endpoint.
func (o *Orchestrator) sessionSummaries() []stats.Summary {
	now := time.Now()
	var list []stats.Summary
	o.aggregator.ForEachSession(func(_ string, s *stats.SessionStats) {
		list = append(list, s.GetSummary(now))
	})
	return list
}

// GetAggregatedStats returns the latest snapshot, or nil before the first
// one. Implements tui.StatsSource.
func (o *Orchestrator) GetAggregatedStats() *stats.AggregatedStats {
	return o.latest.Load()
}

// OriginMetrics returns the latest origin scrape, or nil when no exporter
// is configured. Implements tui.OriginSource.
func (o *Orchestrator) OriginMetrics() *metrics.OriginMetrics {
	return o.origin.Snapshot()
}

// Sessions returns the session manager for external access.
func (o *Orchestrator) Sessions() *SessionManager {
	return o.sessions
}

// Audit returns the termination audit log.
func (o *Orchestrator) Audit() *logging.AuditLog {
	return o.audit
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}
