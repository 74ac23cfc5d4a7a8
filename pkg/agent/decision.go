package agent

import (
	"encoding/json"
	"strings"
)

// DecisionType tags one unit of agent reasoning.
type DecisionType string

const (
	DecideTool  DecisionType = "tool"
	DecideThink DecisionType = "think"
	DecideWrite DecisionType = "write"
	DecideStop  DecisionType = "stop"
)

// Decision is the planner's output for one loop step.
type Decision struct {
	Type    DecisionType   `json:"type"`
	Tool    string         `json:"tool,omitempty"`
	Func    string         `json:"func,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Content string         `json:"content,omitempty"`
	// Unparsed marks a decision degraded from a malformed payload; the
	// raw text is carried in Content.
	Unparsed bool `json:"-"`
}

// ParseDecision turns a completion into a Decision. It accepts a bare
// JSON object or one wrapped in a code fence or surrounding prose.
// Anything that cannot be parsed degrades to a write of the raw text,
// never an error.
func ParseDecision(raw string) Decision {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Decision{Type: DecideStop}
	}

	for _, candidate := range jsonCandidates(trimmed) {
		var d Decision
		if err := json.Unmarshal([]byte(candidate), &d); err != nil {
			continue
		}
		switch d.Type {
		case DecideTool, DecideThink, DecideWrite, DecideStop:
			return d
		}
	}

	return Decision{Type: DecideWrite, Content: trimmed, Unparsed: true}
}

// jsonCandidates extracts substrings that look like JSON objects, in
// preference order: the whole payload, fenced blocks, then the first
// brace-balanced span.
func jsonCandidates(s string) []string {
	var out []string
	if strings.HasPrefix(s, "{") {
		out = append(out, s)
	}

	rest := s
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		out = append(out, strings.TrimSpace(body[:end]))
		rest = body[end+3:]
	}

	if span := braceSpan(s); span != "" {
		out = append(out, span)
	}
	return out
}

func braceSpan(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// affirmatives and negatives classify an approval reply.
var affirmatives = map[string]bool{
	"y": true, "yes": true, "ok": true, "okay": true, "sure": true,
	"go ahead": true, "do it": true, "approve": true, "yes please": true,
	"yep": true, "yeah": true,
}

var negatives = map[string]bool{
	"n": true, "no": true, "stop": true, "cancel": true, "deny": true,
	"nope": true, "don't": true, "dont": true, "no thanks": true,
}

func normalizeReply(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(t, ".!?")
}

// IsAffirmative reports whether a message reads as approval.
func IsAffirmative(text string) bool {
	return affirmatives[normalizeReply(text)]
}

// IsNegative reports whether a message reads as rejection.
func IsNegative(text string) bool {
	return negatives[normalizeReply(text)]
}
