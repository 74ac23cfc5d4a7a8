// Package routing decides which agents in a multi-party room respond to
// an incoming message, via explicit @-mentions or interest scoring.
package routing

import (
	"sort"
	"strings"

	"github.com/tinyland-inc/parley/pkg/utils"
)

// Profile is the router's view of one agent in a room.
type Profile struct {
	ID        string
	Name      string
	Handle    string
	Interests []string
	Tags      []string
	// Threshold is the minimum participation score, already resolved
	// against room and default overrides by the caller.
	Threshold float64
}

// DefaultCap bounds how many agents respond to one message.
const DefaultCap = 5

// Mentions is the outcome of parsing @-references in a message.
type Mentions struct {
	All bool
	IDs []string
}

// NameIndex maps lowercase aliases to agent ids.
type NameIndex map[string]string

// NewNameIndex builds the alias table for a set of agents. Each agent is
// reachable by full display name, the first token of the name, the
// whitespace-stripped slug, and the explicit handle.
func NewNameIndex(profiles []Profile) NameIndex {
	idx := make(NameIndex)
	add := func(alias, id string) {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" {
			return
		}
		if _, taken := idx[alias]; !taken {
			idx[alias] = id
		}
	}
	for _, p := range profiles {
		add(p.Name, p.ID)
		if first, _, ok := strings.Cut(p.Name, " "); ok {
			add(first, p.ID)
		}
		add(utils.Slug(p.Name), p.ID)
		add(p.Handle, p.ID)
	}
	return idx
}

// ParseMentions finds the broadcast marker and individual @-references.
// An agent matched through several aliases appears once, at the position
// of its first occurrence.
func ParseMentions(text string, idx NameIndex) Mentions {
	lowered := strings.ToLower(text)

	m := Mentions{}
	if mentionPos(lowered, "all") >= 0 || mentionPos(lowered, "everyone") >= 0 {
		m.All = true
	}

	type hit struct {
		id  string
		pos int
	}
	firstPos := make(map[string]int)
	for alias, id := range idx {
		pos := mentionPos(lowered, alias)
		if pos < 0 {
			continue
		}
		if prev, seen := firstPos[id]; !seen || pos < prev {
			firstPos[id] = pos
		}
	}

	hits := make([]hit, 0, len(firstPos))
	for id, pos := range firstPos {
		hits = append(hits, hit{id: id, pos: pos})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	for _, h := range hits {
		m.IDs = append(m.IDs, h.id)
	}
	return m
}

// mentionPos returns the position of the first "@"+alias occurrence in
// lowered text that is not a prefix of a longer word, so "@allison"
// never counts as "@all". Returns -1 when absent.
func mentionPos(lowered, alias string) int {
	needle := "@" + alias
	for from := 0; ; {
		i := strings.Index(lowered[from:], needle)
		if i < 0 {
			return -1
		}
		pos := from + i
		if end := pos + len(needle); end == len(lowered) || !isAliasChar(lowered[end]) {
			return pos
		}
		from = pos + 1
	}
}

func isAliasChar(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}

// Candidate is one agent retained by scoring, highest first.
type Candidate struct {
	ID    string
	Score float64
}

// ScoreAgents ranks eligible agents for a message with no explicit
// mention. Matching is binary: any interest token or capability tag hit
// scores 1, and the agent is retained only at or above its threshold.
func ScoreAgents(text string, eligible []Profile, cap int) []Candidate {
	if cap <= 0 {
		cap = DefaultCap
	}
	words := tokenize(text)
	lowered := strings.ToLower(text)

	var out []Candidate
	for _, p := range eligible {
		interest := matchAny(p.Interests, words, lowered)
		tag := matchAny(p.Tags, words, lowered)
		score := 0.0
		if interest || tag {
			score = 1.0
		}
		if score >= p.Threshold && score > 0 {
			out = append(out, Candidate{ID: p.ID, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > cap {
		out = out[:cap]
	}
	return out
}

// matchAny reports whether any token hits the message. Single-word
// tokens must match a whole word; multi-word tokens match as substrings.
func matchAny(tokens []string, words map[string]bool, lowered string) bool {
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if strings.ContainsAny(tok, " \t") {
			if strings.Contains(lowered, tok) {
				return true
			}
			continue
		}
		if words[tok] {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-' || r == '_')
	}) {
		words[w] = true
	}
	return words
}
