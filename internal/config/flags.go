package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"

	"github.com/randomizedcoder/go-abr-swarm/internal/selector"
)

// EnvPrefix prefixes every flag's environment variable, e.g.
// ABRSWARM_PROFILE_SELECTION for -profile-selection.
const EnvPrefix = "ABRSWARM"

// headerList is a custom flag type for repeatable -header flags.
type headerList []string

func (h *headerList) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerList) Set(value string) error {
	*h = append(*h, value)
	return nil
}

// secondsValue is a duration flag that also accepts a bare number of
// seconds, so -timeshift-mean 30 and -timeshift-mean 30s agree.
type secondsValue time.Duration

func (v *secondsValue) String() string {
	return time.Duration(*v).String()
}

func (v *secondsValue) Set(value string) error {
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*v = secondsValue(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("want seconds or a duration: %w", err)
	}
	*v = secondsValue(d)
	return nil
}

// ParseFlags parses args (without the program name) into a Config.
// Precedence, highest first: command line, ABRSWARM_* environment (a .env
// file in the working directory is loaded into it), the -config file,
// defaults. A -h request returns flag.ErrHelp.
func ParseFlags(args []string) (*Config, error) {
	return parse(args, ".env", os.Stderr)
}

func parse(args []string, envFile string, output io.Writer) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	var headers headerList

	fset := flag.NewFlagSet("abr-swarm", flag.ContinueOnError)
	fset.SetOutput(output)
	fset.Usage = func() { printUsage(fset, output) }

	fset.String("config", "", "Config file of \"flag value\" lines")

	// Orchestration flags
	fset.IntVar(&cfg.Sessions, "sessions", cfg.Sessions, "Number of concurrent sessions")
	fset.IntVar(&cfg.RampRate, "ramp-rate", cfg.RampRate, "Sessions to start per second")
	fset.DurationVar(&cfg.RampJitter, "ramp-jitter", cfg.RampJitter, "Random jitter per session start")
	fset.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Run duration (0 = forever)")
	fset.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for URL draws, policies, time-shift and jitter (0 = random)")

	// Playback
	fset.StringVar(&cfg.URLList, "url-list", cfg.URLList, "CSV of url,weight rows to draw entry URLs from")
	fset.StringVar(&cfg.StreamURL, "url", cfg.StreamURL, "Single entry URL (same as the positional argument)")
	fset.StringVar(&cfg.ProfileSelection, "profile-selection", cfg.ProfileSelection,
		fmt.Sprintf("Representation policy: %s", strings.Join(selector.Names, ", ")))
	fset.StringVar(&cfg.CodecFilter, "codec-filter", cfg.CodecFilter, `Only pick representations whose codec starts with this (e.g. "avc1")`)
	fset.Var((*secondsValue)(&cfg.TimeshiftMean), "timeshift-mean", "Mean Poisson offset behind the live edge, in seconds or as a duration (0 = play the edge)")
	fset.BoolVar(&cfg.NoAudio, "no-audio", cfg.NoAudio, "Fetch only the selected representation, no separate audio rendition")
	fset.IntVar(&cfg.MaxCycles, "max-cycles", cfg.MaxCycles, "End each session cleanly after N segments (0 = unlimited)")
	fset.IntVar(&cfg.SegmentErrorBudget, "segment-error-budget", cfg.SegmentErrorBudget, "Consecutive segment HTTP errors tolerated before a session ends")
	fset.StringVar(&cfg.UIDParam, "uid-param", cfg.UIDParam, "Query parameter carrying the session id on entry URLs (empty = off)")

	// HTTP
	fset.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "HTTP User-Agent header")
	fset.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fset.IntVar(&cfg.Retries, "retries", cfg.Retries, "Transport error retries per request")
	fset.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "First retry delay, doubled per attempt")

	// Network / Testing
	fset.StringVar(&cfg.ResolveIP, "resolve", cfg.ResolveIP, "Connect to this IP (requires --dangerous)")
	fset.BoolVar(&cfg.NoCache, "no-cache", cfg.NoCache, "Add no-cache headers (bypass CDN cache)")
	fset.Var(&headers, "header", "Add custom HTTP header (can repeat)")

	// Safety & Diagnostics (double-dash convention)
	fset.BoolVar(&cfg.DangerousMode, "dangerous", cfg.DangerousMode, "Required for -resolve (disables TLS verification)")
	fset.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and run 1 session for 10 seconds")
	fset.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Restart policy
	fset.BoolVar(&cfg.Respawn, "respawn", cfg.Respawn, "Start a fresh session when one terminates")
	fset.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Respawns per slot (0 = unlimited)")
	fset.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First respawn delay")
	fset.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Longest respawn delay")
	fset.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Respawn delay growth per attempt")

	// Observability
	fset.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = off)")
	fset.StringVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Write final metrics in text format to this file")
	fset.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fset.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fset.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Origin Metrics
	fset.StringVar(&cfg.OriginMetricsURL, "origin-metrics", cfg.OriginMetricsURL,
		"Origin node_exporter URL (e.g., http://10.177.0.10:9100/metrics)")
	fset.StringVar(&cfg.NginxMetricsURL, "nginx-metrics", cfg.NginxMetricsURL,
		"Origin nginx_exporter URL (e.g., http://10.177.0.10:9113/metrics)")
	fset.StringVar(&cfg.OriginMetricsHost, "origin-metrics-host", cfg.OriginMetricsHost,
		"Origin host; builds exporter URLs from the default ports when they are not set")
	fset.IntVar(&cfg.OriginMetricsNodePort, "origin-metrics-node-port", cfg.OriginMetricsNodePort, "Node exporter port (with -origin-metrics-host)")
	fset.IntVar(&cfg.OriginMetricsNginxPort, "origin-metrics-nginx-port", cfg.OriginMetricsNginxPort, "Nginx exporter port (with -origin-metrics-host)")
	fset.DurationVar(&cfg.OriginMetricsInterval, "origin-metrics-interval", cfg.OriginMetricsInterval, "Interval for scraping origin metrics")
	fset.DurationVar(&cfg.OriginMetricsWindow, "origin-metrics-window", cfg.OriginMetricsWindow,
		"Rolling window for network rate percentiles (10s-300s)")

	err := ff.Parse(fset, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return nil, err
	}

	cfg.Headers = headers

	// Positional argument: entry URL
	if rest := fset.Args(); len(rest) >= 1 {
		cfg.StreamURL = rest[0]
	}

	return cfg, nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func printUsage(fset *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `abr-swarm - adaptive bitrate HLS/DASH playback load testing

Usage:
  abr-swarm [flags] [ENTRY_URL]

Orchestration Flags:
`)
	printFlagCategory(fset, w, []string{"sessions", "ramp-rate", "ramp-jitter", "duration", "seed", "config"})

	fmt.Fprintf(w, "\nPlayback:\n")
	printFlagCategory(fset, w, []string{"url-list", "url", "profile-selection", "codec-filter", "no-audio", "timeshift-mean", "max-cycles", "segment-error-budget", "uid-param"})

	fmt.Fprintf(w, "\nHTTP:\n")
	printFlagCategory(fset, w, []string{"user-agent", "timeout", "retries", "retry-delay"})

	fmt.Fprintf(w, "\nNetwork / Testing:\n")
	printFlagCategory(fset, w, []string{"resolve", "no-cache", "header"})

	fmt.Fprintf(w, "\nSafety & Diagnostics:\n")
	printFlagCategory(fset, w, []string{"dangerous", "check", "skip-preflight"})

	fmt.Fprintf(w, "\nRestart Policy:\n")
	printFlagCategory(fset, w, []string{"respawn", "max-restarts", "backoff-initial", "backoff-max", "backoff-multiply"})

	fmt.Fprintf(w, "\nObservability:\n")
	printFlagCategory(fset, w, []string{"metrics", "metrics-dump", "v", "log-format", "tui"})

	fmt.Fprintf(w, "\nOrigin Metrics:\n")
	printFlagCategory(fset, w, []string{"origin-metrics", "nginx-metrics", "origin-metrics-host",
		"origin-metrics-node-port", "origin-metrics-nginx-port", "origin-metrics-interval", "origin-metrics-window"})

	fmt.Fprintf(w, `
Flag Convention:
  Single-dash flags (-sessions, -resolve) are normal options.
  Double-dash flags (--dangerous, --check) are safety gates or diagnostic modes.
  Every flag can also be set as %s_<FLAG> in the environment or .env,
  e.g. %s_PROFILE_SELECTION=abr.

Examples:
  # Quick smoke test
  abr-swarm -sessions 5 https://test-streams.mux.dev/x36xhzz/x36xhzz.m3u8

  # Weighted URL list with throughput-driven switching
  abr-swarm -sessions 200 -url-list urls.csv -profile-selection abr

  # Live DASH, viewers spread up to ~30s behind the edge
  abr-swarm -sessions 100 -timeshift-mean 30s https://cdn.example.com/live/manifest.mpd

`, EnvPrefix, EnvPrefix)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fset *flag.FlagSet, w io.Writer, names []string) {
	fset.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
