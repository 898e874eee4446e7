package manifest

import "testing"

// =============================================================================
// Table-Driven Tests: audio-only variants
// =============================================================================

func TestRepresentation_IsAudioOnly(t *testing.T) {
	tests := []struct {
		codecs []string
		want   bool
	}{
		{[]string{"mp4a.40.2"}, true},
		{[]string{"ec-3", "mp4a.40.5"}, true},
		{[]string{"avc1.64001f", "mp4a.40.2"}, false},
		{[]string{"hvc1.1.6.L93.B0"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		r := Representation{Codecs: tt.codecs}
		if got := r.IsAudioOnly(); got != tt.want {
			t.Errorf("IsAudioOnly(%v) = %v, want %v", tt.codecs, got, tt.want)
		}
	}
}

func TestSplitAudioOnly(t *testing.T) {
	video := Representation{ID: "v", Codecs: []string{"avc1.64001f"}}
	audio := Representation{ID: "a", Codecs: []string{"mp4a.40.2"}}
	untagged := Representation{ID: "u"}

	main, alt := SplitAudioOnly([]Representation{video, audio, untagged})
	if len(main) != 2 || main[0].ID != "v" || main[1].ID != "u" {
		t.Errorf("main = %+v, want v and u", main)
	}
	if len(alt) != 1 || alt[0].ID != "a" {
		t.Errorf("audio = %+v, want a", alt)
	}

	main, alt = SplitAudioOnly([]Representation{audio})
	if len(main) != 1 || alt != nil {
		t.Errorf("audio-only stream: main = %d, audio = %d, want 1 and none", len(main), len(alt))
	}
}
