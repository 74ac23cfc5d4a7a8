package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// Ordinal reference shortcuts: "read #2", "open 3", "the 3rd article",
// "the second one". Evaluated before the planner so the most common
// follow-up stays fast and deterministic.
var ordinalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`#(\d+)\b`),
	regexp.MustCompile(`\b(\d+)(?:st|nd|rd|th)\b`),
	regexp.MustCompile(`(?i)\b(?:read|open|pick|show|view)\s+(?:number\s+)?(\d+)\b`),
}

var wordOrdinals = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var wordOrdinalRe = regexp.MustCompile(`\b(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth)\b`)

// MatchOrdinal extracts a 1-based item reference from a message.
func MatchOrdinal(text string) (int, bool) {
	for _, re := range ordinalPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				return n, true
			}
		}
	}
	if m := wordOrdinalRe.FindStringSubmatch(strings.ToLower(text)); m != nil {
		return wordOrdinals[m[1]], true
	}
	return 0, false
}

var newsRe = regexp.MustCompile(`(?i)\b(latest|today|news|headlines?)\b`)

// WantsNews reports whether a message asks for fresh news-style content.
func WantsNews(text string) bool {
	return newsRe.MatchString(text)
}
