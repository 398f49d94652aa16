package tokens

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{strings.Repeat("x", 401), 101},
	}

	for _, c := range cases {
		if got := Estimate(c.text); got != c.want {
			t.Errorf("Estimate(%q len=%d) = %d, want %d", c.text[:min(len(c.text), 8)], len(c.text), got, c.want)
		}
	}
}

func TestEstimateAll(t *testing.T) {
	// Two messages of 8 chars each: 2 tokens content + 4 overhead apiece.
	got := EstimateAll([]string{"12345678", "abcdefgh"})
	if got != 12 {
		t.Errorf("EstimateAll = %d, want 12", got)
	}

	if got := EstimateAll(nil); got != 0 {
		t.Errorf("EstimateAll(nil) = %d, want 0", got)
	}

	// Empty content still pays the framing overhead.
	if got := EstimateAll([]string{""}); got != MessageOverhead {
		t.Errorf("EstimateAll(empty) = %d, want %d", got, MessageOverhead)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abcd" {
		t.Errorf("Truncate ascii = %q, want abcd", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate short = %q, want unchanged", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Errorf("Truncate zero = %q, want empty", got)
	}

	// A cut inside a multi-byte rune backs off to the rune start.
	s := "aé" // 0x61 0xC3 0xA9
	if got := Truncate(s, 2); got != "a" {
		t.Errorf("Truncate mid-rune = %q, want %q", got, "a")
	}
	for limit := 1; limit < 12; limit++ {
		if got := Truncate("日本語テスト", limit); !utf8.ValidString(got) {
			t.Errorf("Truncate(%d) produced invalid UTF-8: %q", limit, got)
		}
	}
}
