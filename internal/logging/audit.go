package logging

import (
	"sort"
	"sync"

	"github.com/randomizedcoder/go-abr-swarm/internal/session"
)

// MaxAuditRecords is how many termination records the audit keeps.
const MaxAuditRecords = 100

// AuditLog keeps the most recent session termination records in a circular
// buffer, plus totals per kind and per error message over the whole run.
// Safe for concurrent use.
type AuditLog struct {
	mu      sync.Mutex
	buffer  []session.Record
	bufIdx  int
	count   int
	kinds   map[session.Kind]int64
	reasons map[string]int64
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{
		buffer:  make([]session.Record, MaxAuditRecords),
		kinds:   make(map[session.Kind]int64),
		reasons: make(map[string]int64),
	}
}

// Callbacks returns session callbacks that feed the audit.
func (a *AuditLog) Callbacks() session.Callbacks {
	return session.Callbacks{OnTerminated: a.Record}
}

// Record stores one termination.
func (a *AuditLog) Record(rec session.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffer[a.bufIdx] = rec
	a.bufIdx = (a.bufIdx + 1) % MaxAuditRecords
	a.count++
	a.kinds[rec.Kind]++
	if rec.Kind.IsFailure() && rec.Err != nil {
		a.reasons[rec.Err.Error()]++
	}
}

// Recent returns up to n records, oldest first.
func (a *AuditLog) Recent(n int) []session.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recentLocked(n, func(session.Record) bool { return true })
}

// RecentFailures returns up to n failed terminations, oldest first.
func (a *AuditLog) RecentFailures(n int) []session.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recentLocked(n, func(r session.Record) bool { return r.Kind.IsFailure() })
}

func (a *AuditLog) recentLocked(n int, keep func(session.Record) bool) []session.Record {
	held := min(a.count, MaxAuditRecords)
	if n > held {
		n = held
	}

	// Walk newest to oldest, then reverse
	out := make([]session.Record, 0, n)
	for i := 1; i <= held && len(out) < n; i++ {
		rec := a.buffer[(a.bufIdx-i+MaxAuditRecords)%MaxAuditRecords]
		if keep(rec) {
			out = append(out, rec)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Total returns the number of terminations recorded.
func (a *AuditLog) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Counts returns terminations per kind.
func (a *AuditLog) Counts() map[session.Kind]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[session.Kind]int64, len(a.kinds))
	for k, v := range a.kinds {
		counts[k] = v
	}
	return counts
}

// ErrorCount is one distinct failure message and how often it ended a session.
type ErrorCount struct {
	Message string
	Count   int64
}

// TopErrors returns the n most frequent failure messages, most frequent
// first, ties by message.
func (a *AuditLog) TopErrors(n int) []ErrorCount {
	a.mu.Lock()
	out := make([]ErrorCount, 0, len(a.reasons))
	for msg, c := range a.reasons {
		out = append(out, ErrorCount{Message: msg, Count: c})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}
