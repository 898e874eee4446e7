package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/randomizedcoder/go-abr-swarm/internal/selector"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error

	// Exactly one entry URL source
	switch {
	case cfg.URLList == "" && cfg.StreamURL == "":
		errs = append(errs, ValidationError{
			Field:   "url_list",
			Message: "a URL list (-url-list) or a single entry URL is required",
		})
	case cfg.URLList != "" && cfg.StreamURL != "":
		errs = append(errs, ValidationError{
			Field:   "url_list",
			Message: "use either -url-list or a single entry URL, not both",
		})
	}

	if cfg.StreamURL != "" {
		if err := validateURL(cfg.StreamURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "stream_url",
				Message: err.Error(),
			})
		}
	}

	// Sessions must be positive
	if cfg.Sessions < 1 {
		errs = append(errs, ValidationError{
			Field:   "sessions",
			Message: "must be at least 1",
		})
	}

	// Ramp rate must be positive
	if cfg.RampRate < 1 {
		errs = append(errs, ValidationError{
			Field:   "ramp_rate",
			Message: "must be at least 1",
		})
	}

	if _, err := selector.Parse(cfg.ProfileSelection); err != nil {
		errs = append(errs, ValidationError{
			Field:   "profile_selection",
			Message: err.Error(),
		})
	}

	nonNegative := []struct {
		field string
		bad   bool
	}{
		{"timeshift_mean", cfg.TimeshiftMean < 0},
		{"max_cycles", cfg.MaxCycles < 0},
		{"segment_error_budget", cfg.SegmentErrorBudget < 0},
		{"retries", cfg.Retries < 0},
		{"retry_delay", cfg.RetryDelay < 0},
		{"max_restarts", cfg.MaxRestarts < 0},
	}
	for _, n := range nonNegative {
		if n.bad {
			errs = append(errs, ValidationError{Field: n.field, Message: "must not be negative"})
		}
	}

	// -resolve requires --dangerous
	if cfg.ResolveIP != "" && !cfg.DangerousMode {
		errs = append(errs, ValidationError{
			Field:   "resolve",
			Message: "-resolve requires --dangerous flag (disables TLS verification)",
		})
	}

	if cfg.ResolveIP != "" {
		if err := validateIP(cfg.ResolveIP); err != nil {
			errs = append(errs, ValidationError{
				Field:   "resolve",
				Message: err.Error(),
			})
		}
	}

	for _, h := range cfg.Headers {
		if name, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(name) == "" {
			errs = append(errs, ValidationError{
				Field:   "header",
				Message: fmt.Sprintf("must be \"Name: value\" (got %q)", h),
			})
		}
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Timeout must be positive
	if cfg.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "timeout",
			Message: "must be positive",
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	// Origin metrics window validation (if origin metrics are enabled)
	if cfg.OriginMetricsEnabled() {
		const minWindow = 10 * time.Second
		const maxWindow = 300 * time.Second
		if cfg.OriginMetricsWindow < minWindow {
			errs = append(errs, ValidationError{
				Field:   "origin_metrics_window",
				Message: fmt.Sprintf("must be at least %v (got %v)", minWindow, cfg.OriginMetricsWindow),
			})
		}
		if cfg.OriginMetricsWindow > maxWindow {
			errs = append(errs, ValidationError{
				Field:   "origin_metrics_window",
				Message: fmt.Sprintf("must be at most %v (got %v)", maxWindow, cfg.OriginMetricsWindow),
			})
		}
		// Window should be at least 2x the scrape interval for meaningful percentiles
		if cfg.OriginMetricsWindow < 2*cfg.OriginMetricsInterval {
			errs = append(errs, ValidationError{
				Field:   "origin_metrics_window",
				Message: fmt.Sprintf("must be at least 2x scrape interval (%v), got %v", 2*cfg.OriginMetricsInterval, cfg.OriginMetricsWindow),
			})
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	return nil
}

// validateIP checks that ip is an IPv4 or IPv6 address.
func validateIP(ip string) error {
	if strings.Contains(ip, "://") {
		return errors.New("must be an IP address, not a URL")
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("not an IP address: %q", ip)
	}
	return nil
}

// ApplyCheckMode modifies config for --check mode: one session, ten seconds,
// verbose logs, no dashboard.
func ApplyCheckMode(cfg *Config) {
	cfg.Sessions = 1
	cfg.Duration = 10 * time.Second
	cfg.Verbose = true
	cfg.TUIEnabled = false
}
