package sanitize

import (
	"strings"
	"unicode"
)

// Text cleans free-form user or operator text (maintenance messages, chat
// prompts). Null bytes and control characters other than newline and tab are
// dropped, the result is trimmed and cut to at most maxRunes runes.
func Text(s string, maxRunes int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	result := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	return truncate(strings.TrimSpace(result), maxRunes)
}

// SingleLine is Text without line breaks. Use it for values that end up in
// log fields, audit rows or the guest ledger (user agents, usernames, header
// echoes) so they cannot forge extra lines.
func SingleLine(s string, maxRunes int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return Text(s, maxRunes)
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i]
		}
		n++
	}
	return s
}
