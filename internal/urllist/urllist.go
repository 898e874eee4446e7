// Package urllist loads the weighted list of entry URLs sessions start from.
//
// The file is CSV with at least two columns per row: URL and a positive
// integer weight. Extra columns are ignored. Blank lines and lines starting
// with '#' are skipped. Every other malformed row fails the load.
package urllist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrEmpty is returned for a list without entries.
var ErrEmpty = errors.New("url list is empty")

// Entry is one weighted URL.
type Entry struct {
	URL    string
	Weight int
}

// RowError describes a malformed row.
type RowError struct {
	Source string
	Line   int
	Msg    string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
}

// List draws URLs with probability proportional to their weight. It is
// read-only after construction apart from its random source, which is
// guarded, so one List is shared by every session.
type List struct {
	entries    []Entry
	cumulative []int
	total      int

	mu  sync.Mutex
	rng *rand.Rand // nil uses the global source
}

// New builds a List from entries.
func New(entries []Entry) (*List, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	l := &List{
		entries:    append([]Entry(nil), entries...),
		cumulative: make([]int, len(entries)),
	}
	for i, e := range entries {
		if e.Weight <= 0 {
			return nil, fmt.Errorf("entry %d (%s): weight must be positive, got %d", i, e.URL, e.Weight)
		}
		if err := validateURL(e.URL); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		l.total += e.Weight
		l.cumulative[i] = l.total
	}
	return l, nil
}

// Single returns a one-entry list.
func Single(rawURL string) (*List, error) {
	return New([]Entry{{URL: rawURL, Weight: 1}})
}

// Load reads a list from a CSV file.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads a list from r. source names r in error messages.
func Parse(r io.Reader, source string) (*List, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var entries []Entry
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		line, _ := reader.FieldPos(0)
		if len(row) < 2 {
			return nil, &RowError{Source: source, Line: line, Msg: fmt.Sprintf("want url,weight, got %d column(s): %q", len(row), strings.Join(row, ","))}
		}

		rawURL := strings.TrimSpace(row[0])
		weightText := strings.TrimSpace(row[1])
		weight, err := strconv.Atoi(weightText)
		if err != nil || weight <= 0 {
			return nil, &RowError{Source: source, Line: line, Msg: fmt.Sprintf("weight must be a positive integer, got %q", weightText)}
		}
		if err := validateURL(rawURL); err != nil {
			return nil, &RowError{Source: source, Line: line, Msg: err.Error()}
		}
		entries = append(entries, Entry{URL: rawURL, Weight: weight})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", source, ErrEmpty)
	}
	return New(entries)
}

// WithSeed makes draws reproducible.
func (l *List) WithSeed(seed uint64) *List {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rng = rand.New(rand.NewPCG(seed, ^seed))
	return l
}

// Entries returns a copy of the entries.
func (l *List) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *List) Len() int {
	return len(l.entries)
}

// Pick draws one URL.
func (l *List) Pick() string {
	var n int
	if l.rng == nil {
		n = rand.IntN(l.total)
	} else {
		l.mu.Lock()
		n = l.rng.IntN(l.total)
		l.mu.Unlock()
	}
	i := sort.SearchInts(l.cumulative, n+1)
	return l.entries[i].URL
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", rawURL)
	}
	return nil
}

// Tag returns rawURL with param=value added to its query. An empty param
// returns rawURL unchanged.
func Tag(rawURL, param, value string) string {
	if param == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()
	return u.String()
}
