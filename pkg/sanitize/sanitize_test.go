package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{
			name:     "plain message",
			input:    "Upgrading the catalog database",
			max:      500,
			expected: "Upgrading the catalog database",
		},
		{
			name:     "null bytes removed",
			input:    "back\x00 soon",
			max:      500,
			expected: "back soon",
		},
		{
			name:     "newlines kept, carriage returns folded",
			input:    "line one\r\nline two",
			max:      500,
			expected: "line one\nline two",
		},
		{
			name:     "control characters dropped",
			input:    "bell\a and escape\x1b[31m",
			max:      500,
			expected: "bell and escape[31m",
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "   padded   ",
			max:      500,
			expected: "padded",
		},
		{
			name:     "unicode preserved",
			input:    "メンテナンス中",
			max:      500,
			expected: "メンテナンス中",
		},
		{
			name:     "truncated by runes",
			input:    "日本語テキスト",
			max:      3,
			expected: "日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.input, tt.max); got != tt.expected {
				t.Errorf("Text(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.expected)
			}
		})
	}
}

func TestSingleLine(t *testing.T) {
	got := SingleLine("Mozilla/5.0\r\nX-Injected: yes", 200)
	if strings.ContainsAny(got, "\r\n") {
		t.Fatalf("SingleLine left a line break in %q", got)
	}
	if got != "Mozilla/5.0  X-Injected: yes" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestText_LengthLimitKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("é", 300)

	result := Text(long, 200)
	if utf8.RuneCountInString(result) != 200 {
		t.Errorf("expected 200 runes, got %d", utf8.RuneCountInString(result))
	}
	if !utf8.ValidString(result) {
		t.Error("truncation produced invalid UTF-8")
	}
}
