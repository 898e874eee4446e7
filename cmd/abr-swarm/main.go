// Package main provides the abr-swarm CLI entry point.
//
// abr-swarm simulates a population of adaptive bitrate players against an
// HLS or DASH origin: each session fetches manifests, picks representations
// and downloads segments at playback pace.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-abr-swarm/internal/config"
	"github.com/randomizedcoder/go-abr-swarm/internal/logging"
	"github.com/randomizedcoder/go-abr-swarm/internal/orchestrator"
	"github.com/randomizedcoder/go-abr-swarm/internal/tui"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/abr-swarm
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("abr-swarm %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 1
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	// The dashboard owns the terminal, so logs are dropped while it runs
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.Discard()
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	if cfg.Check {
		logger.Info("check_mode_enabled", "sessions", cfg.Sessions, "duration", cfg.Duration)
	}

	logger.Info("starting",
		"version", version,
		"sessions", cfg.Sessions,
		"ramp_rate", cfg.RampRate,
		"url_source", cfg.URLSource(),
		"profile_selection", cfg.ProfileSelection,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(os.Stdout, cfg)
	}

	// With the dashboard up, preflight results and the exit summary are
	// held back until the terminal is released.
	var out io.Writer = os.Stdout
	var held bytes.Buffer
	if cfg.TUIEnabled {
		out = &held
	}

	orch, err := orchestrator.New(cfg, logger, orchestrator.Options{
		Version:       version,
		Out:           out,
		HandleSignals: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !cfg.TUIEnabled {
		if err := orch.Run(context.Background()); err != nil {
			logger.Error("orchestrator_failed", "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	err = runWithDashboard(orch, cfg)
	os.Stdout.Write(held.Bytes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runWithDashboard runs the orchestrator behind the live dashboard. Quitting
// the dashboard stops the run; the run ending closes the dashboard.
func runWithDashboard(orch *orchestrator.Orchestrator, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	program := tea.NewProgram(tui.New(tui.Config{
		TargetSessions: cfg.Sessions,
		URLSource:      cfg.URLSource(),
		Policy:         cfg.ProfileSelection,
		MetricsAddr:    cfg.MetricsAddr,
		StatsSource:    orch,
		OriginSource:   orch,
	}), tea.WithAltScreen())

	var (
		wg     sync.WaitGroup
		runErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = orch.Run(ctx)
		tui.SendQuit(program)
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		wg.Wait()
		return errors.Join(fmt.Errorf("dashboard: %w", err), runErr)
	}

	cancel()
	wg.Wait()
	return runErr
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                            abr-swarm                              ║")
	fmt.Fprintln(w, "║       Adaptive Bitrate HLS/DASH Playback Load Testing             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Target:      %d sessions at %d/sec\n", cfg.Sessions, cfg.RampRate)
	if cfg.URLList != "" {
		fmt.Fprintf(w, "  URL list:    %s\n", cfg.URLList)
	} else {
		fmt.Fprintf(w, "  Entry URL:   %s\n", cfg.StreamURL)
	}
	fmt.Fprintf(w, "  Selection:   %s\n", cfg.ProfileSelection)
	if cfg.TimeshiftMean > 0 {
		fmt.Fprintf(w, "  Time-shift:  %s mean behind the live edge\n", cfg.TimeshiftMean)
	}
	if cfg.Duration > 0 {
		fmt.Fprintf(w, "  Duration:    %s\n", cfg.Duration)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.NoCache {
		fmt.Fprintln(w, "  Cache:       BYPASS (no-cache headers)")
	}
	if cfg.ResolveIP != "" {
		fmt.Fprintf(w, "  Resolve:     %s (⚠️  TLS verification disabled)\n", cfg.ResolveIP)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
