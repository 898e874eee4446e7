package urllist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Table-Driven Tests: Parse
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Entry
		wantErr bool
	}{
		{
			name:  "two rows",
			input: "http://a.example/master.m3u8,1\nhttp://b.example/stream.mpd,99\n",
			want: []Entry{
				{"http://a.example/master.m3u8", 1},
				{"http://b.example/stream.mpd", 99},
			},
		},
		{
			name:  "comments blanks and spaces",
			input: "# url,weight\n\nhttp://a.example/x.m3u8, 5\n",
			want:  []Entry{{"http://a.example/x.m3u8", 5}},
		},
		{
			name:  "quoted url with comma",
			input: "\"http://a.example/x.m3u8?a=1,2\",3\n",
			want:  []Entry{{"http://a.example/x.m3u8?a=1,2", 3}},
		},
		{
			name:  "extra columns ignored",
			input: "http://a.example/x.m3u8,2,primary\n",
			want:  []Entry{{"http://a.example/x.m3u8", 2}},
		},
		{name: "one column", input: "http://a.example/x.m3u8\n", wantErr: true},
		{name: "zero weight", input: "http://a.example/x.m3u8,0\n", wantErr: true},
		{name: "negative weight", input: "http://a.example/x.m3u8,-3\n", wantErr: true},
		{name: "fractional weight", input: "http://a.example/x.m3u8,1.5\n", wantErr: true},
		{name: "word weight", input: "http://a.example/x.m3u8,many\n", wantErr: true},
		{name: "bad scheme", input: "ftp://a.example/x.m3u8,1\n", wantErr: true},
		{name: "no host", input: "http:///x.m3u8,1\n", wantErr: true},
		{name: "malformed later row", input: "http://a.example/x.m3u8,1\nhttp://b.example/y.m3u8\n", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "only comments", input: "# nothing here\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Parse(strings.NewReader(tt.input), "urllist.csv")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() expected error, got %v", l.Entries())
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			assert.Equal(t, tt.want, l.Entries())
		})
	}
}

func TestParse_ErrorKinds(t *testing.T) {
	_, err := Parse(strings.NewReader(""), "empty.csv")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("http://a.example/x.m3u8,1\nhttp://b.example/y.m3u8,0\n"), "bad.csv")
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 2, rowErr.Line)
	assert.Contains(t, err.Error(), "bad.csv:2")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "urllist.csv")
	require.NoError(t, os.WriteFile(path, []byte("http://a.example/x.m3u8,1\n"), 0o600))

	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	_, err = Load(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

// =============================================================================
// Pick
// =============================================================================

func TestPick_Weighted(t *testing.T) {
	l, err := New([]Entry{{"http://a.example/a.m3u8", 1}, {"http://b.example/b.m3u8", 99}})
	require.NoError(t, err)
	l.WithSeed(2024)

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		counts[l.Pick()]++
	}
	a, b := counts["http://a.example/a.m3u8"], counts["http://b.example/b.m3u8"]
	if b <= 10*a {
		t.Errorf("B drawn %d times, A %d times; want B materially more often", b, a)
	}
	if a == 0 {
		t.Errorf("A never drawn in 10000 samples")
	}
}

func TestPick_Single(t *testing.T) {
	l, err := Single("http://a.example/only.m3u8")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		if got := l.Pick(); got != "http://a.example/only.m3u8" {
			t.Fatalf("Pick() = %q", got)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.Is(err, ErrEmpty))

	_, err = New([]Entry{{"http://a.example/x.m3u8", 0}})
	assert.Error(t, err)

	_, err = Single("not a url")
	assert.Error(t, err)
}

// =============================================================================
// Table-Driven Tests: Tag
// =============================================================================

func TestTag(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		param string
		value string
		want  string
	}{
		{"no query", "http://a.example/x.m3u8", "uid", "abc", "http://a.example/x.m3u8?uid=abc"},
		{"existing query", "http://a.example/x.m3u8?token=t", "uid", "abc", "http://a.example/x.m3u8?token=t&uid=abc"},
		{"replaces value", "http://a.example/x.m3u8?uid=old", "uid", "new", "http://a.example/x.m3u8?uid=new"},
		{"disabled", "http://a.example/x.m3u8", "", "abc", "http://a.example/x.m3u8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Tag(tt.url, tt.param, tt.value); got != tt.want {
				t.Errorf("Tag() = %q, want %q", got, tt.want)
			}
		})
	}
}
