package agent

import (
	"regexp"
	"strings"

	"github.com/tinyland-inc/parley/pkg/utils"
)

const greetingMaxRunes = 240

var planningMarkerRe = regexp.MustCompile(`(?im)^\s*(thought|decision|action|observation|plan|step \d+)\s*:\s*`)

var fenceRe = regexp.MustCompile("(?s)```.*?```")

// Sanitize cleans a write decision's text before it reaches the room:
// residual planning markers are stripped, sentences the agent already
// said in this run are removed, and a cold-start turn is cut down to a
// greeting-length excerpt.
func Sanitize(text string, priorOutput string, coldStart bool) string {
	out := fenceRe.ReplaceAllString(text, "")
	out = planningMarkerRe.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}

	seen := make(map[string]bool)
	for _, s := range utils.SplitSentences(priorOutput) {
		seen[normalizeSentence(s)] = true
	}

	var kept []string
	for _, s := range utils.SplitSentences(out) {
		key := normalizeSentence(s)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, strings.TrimSpace(s))
	}
	out = strings.TrimSpace(strings.Join(kept, " "))

	if coldStart && out != "" {
		out = utils.Truncate(out, greetingMaxRunes)
	}
	return out
}

func normalizeSentence(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}
