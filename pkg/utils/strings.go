package utils

import (
	"strings"
	"unicode/utf8"
)

// Truncate returns s cut to at most max runes, with an ellipsis marker
// when anything was removed.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}

// Slug returns name lowercased with all whitespace removed. Used for
// mention matching ("Code Reviewer" -> "codereviewer").
func Slug(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

// SplitSentences splits text on sentence terminators, keeping the
// terminator attached. Blank fragments are dropped.
func SplitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(sb.String()); s != "" {
				out = append(out, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}
