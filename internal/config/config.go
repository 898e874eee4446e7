// Package config provides configuration management for abr-swarm.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Orchestration
	Sessions   int           `json:"sessions"`
	RampRate   int           `json:"ramp_rate"`
	RampJitter time.Duration `json:"ramp_jitter"`
	Duration   time.Duration `json:"duration"` // 0 = forever
	Seed       uint64        `json:"seed"`     // 0 = random

	// Playback
	URLList            string        `json:"url_list"`
	StreamURL          string        `json:"stream_url"` // single URL, weight 1
	ProfileSelection   string        `json:"profile_selection"`
	CodecFilter        string        `json:"codec_filter"`
	NoAudio            bool          `json:"no_audio"`
	TimeshiftMean      time.Duration `json:"timeshift_mean"`
	MaxCycles          int           `json:"max_cycles"` // 0 = unlimited
	SegmentErrorBudget int           `json:"segment_error_budget"`
	UIDParam           string        `json:"uid_param"`

	// HTTP
	UserAgent  string        `json:"user_agent"`
	Timeout    time.Duration `json:"timeout"`
	Retries    int           `json:"retries"`
	RetryDelay time.Duration `json:"retry_delay"`

	// Network
	ResolveIP     string   `json:"resolve_ip"`
	DangerousMode bool     `json:"dangerous_mode"`
	NoCache       bool     `json:"no_cache"`
	Headers       []string `json:"headers"`

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	MetricsDump string `json:"metrics_dump"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	TUIEnabled  bool   `json:"tui_enabled"`

	// Origin metrics
	OriginMetricsURL       string        `json:"origin_metrics_url"`
	NginxMetricsURL        string        `json:"nginx_metrics_url"`
	OriginMetricsHost      string        `json:"origin_metrics_host"`
	OriginMetricsNodePort  int           `json:"origin_metrics_node_port"`
	OriginMetricsNginxPort int           `json:"origin_metrics_nginx_port"`
	OriginMetricsInterval  time.Duration `json:"origin_metrics_interval"`
	OriginMetricsWindow    time.Duration `json:"origin_metrics_window"`

	// Diagnostic modes
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`

	// Restart policy
	Respawn         bool          `json:"respawn"`
	MaxRestarts     int           `json:"max_restarts"` // 0 = unlimited
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Orchestration
		Sessions:   10,
		RampRate:   5,
		RampJitter: 200 * time.Millisecond,
		Duration:   0, // Forever

		// Playback
		ProfileSelection:   "random",
		SegmentErrorBudget: 0, // first segment error ends the session
		UIDParam:           "uid",

		// HTTP
		UserAgent:  "go-abr-swarm/1.0",
		Timeout:    15 * time.Second,
		Retries:    2,
		RetryDelay: 500 * time.Millisecond,

		// Observability
		MetricsAddr: "0.0.0.0:17091",
		Verbose:     false,
		LogFormat:   "json",
		TUIEnabled:  false,

		// Origin metrics
		OriginMetricsNodePort:  9100,
		OriginMetricsNginxPort: 9113,
		OriginMetricsInterval:  2 * time.Second,
		OriginMetricsWindow:    30 * time.Second,

		// Restart policy
		Respawn:         false,
		MaxRestarts:     0, // Unlimited
		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		BackoffMultiply: 1.7,
	}
}

// URLSource names where entry URLs come from, for logs and the info metric.
func (c *Config) URLSource() string {
	if c.URLList != "" {
		return c.URLList
	}
	return c.StreamURL
}

// OriginMetricsEnabled reports whether any origin exporter is configured.
func (c *Config) OriginMetricsEnabled() bool {
	return c.OriginMetricsURL != "" || c.NginxMetricsURL != "" || c.OriginMetricsHost != ""
}

// ResolveOriginMetricsURLs returns the exporter URLs. Explicit URLs win over
// ones built from OriginMetricsHost and the default ports.
func (c *Config) ResolveOriginMetricsURLs() (nodeURL, nginxURL string) {
	nodeURL, nginxURL = c.OriginMetricsURL, c.NginxMetricsURL
	if c.OriginMetricsHost == "" {
		return nodeURL, nginxURL
	}
	if nodeURL == "" {
		nodeURL = fmt.Sprintf("http://%s:%d/metrics", c.OriginMetricsHost, c.OriginMetricsNodePort)
	}
	if nginxURL == "" {
		nginxURL = fmt.Sprintf("http://%s:%d/metrics", c.OriginMetricsHost, c.OriginMetricsNginxPort)
	}
	return nodeURL, nginxURL
}
