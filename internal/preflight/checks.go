// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// EntryProbe fetches an entry manifest once and describes what it found,
// e.g. "hls, 4 representations".
type EntryProbe func(ctx context.Context) (string, error)

// probeTimeout bounds the entry manifest probe.
const probeTimeout = 10 * time.Second

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks. probe may be nil.
func RunAll(ctx context.Context, targetSessions int, probe EntryProbe) *Result {
	result := &Result{
		Checks: make([]Check, 0, 3),
		Passed: true,
	}

	fdCheck := checkFileDescriptors(targetSessions)
	result.add(fdCheck)

	// Ephemeral port check (warning only)
	result.add(checkEphemeralPorts(targetSessions))

	if probe != nil {
		result.add(checkEntryManifest(ctx, probe))
	}

	return result
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(sessions int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read limit: %v", err),
		}
	}

	// A session holds one keep-alive connection and may briefly open a
	// second during a retry. Plus metrics server, exporters and logging.
	required := sessions*2 + 100
	actual := int(min(limit.Cur, uint64(1<<31-1)))

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d sessions)", actual, required, sessions),
	}
}

// checkEphemeralPorts checks if enough ephemeral ports are available.
func checkEphemeralPorts(sessions int) Check {
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_local_port_range")
	if err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: "unable to read port range (non-Linux?)",
		}
	}

	var low, high int
	if _, err := fmt.Sscanf(string(data), "%d %d", &low, &high); err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to parse port range %q", data),
		}
	}
	available := high - low

	// Respawned sessions leave sockets in TIME_WAIT
	recommended := sessions * 4

	return Check{
		Name:     "ephemeral_ports",
		Required: recommended,
		Actual:   available,
		Passed:   true, // Don't fail on this
		Warning:  available < recommended,
		Message:  fmt.Sprintf("%d-%d (%d available, recommend %d)", low, high, available, recommended),
	}
}

// checkEntryManifest verifies the entry URL serves a parseable manifest.
func checkEntryManifest(ctx context.Context, probe EntryProbe) Check {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	desc, err := probe(ctx)
	if err != nil {
		return Check{
			Name:    "entry_manifest",
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "entry_manifest",
		Passed:  true,
		Message: desc,
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 65536 (or edit /etc/security/limits.conf)"
	case "entry_manifest":
		return "check the entry URL, -resolve and -header flags (or use --skip-preflight)"
	default:
		return "see documentation"
	}
}
