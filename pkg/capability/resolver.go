// Package capability scores abstract capability requests against the
// tool catalog and resolves them to a concrete tool/function pair.
package capability

import "strings"

// Entry is one catalog row: an invocable tool function and the tags and
// synonyms it answers to.
type Entry struct {
	Tool        string   `json:"tool"`
	Func        string   `json:"func"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Synonyms    []string `json:"synonyms,omitempty"`
	SideEffect  bool     `json:"side_effect,omitempty"`
	Approval    string   `json:"approval,omitempty"` // "auto" | "ask"
}

// Ref names a resolved tool function.
type Ref struct {
	Tool string `json:"tool"`
	Func string `json:"func"`
}

func (r Ref) String() string {
	return r.Tool + "." + r.Func
}

// Request describes what the planner is looking for.
type Request struct {
	Tags     []string
	Synonyms []string
	Hint     string
	// NoSideEffects excludes side-effecting entries from consideration.
	NoSideEffects bool
}

const (
	tagWeight        = 3
	synonymWeight    = 2
	hintWeight       = 1
	preferenceWeight = 10
)

// Resolve returns the highest-scoring catalog entry for the request.
// Preferences map a capability tag to an exact "tool.func" and dominate
// any tag or synonym affinity. Ties resolve to catalog order; a score of
// zero or below is no match.
func Resolve(catalog []Entry, req Request, preferences map[string]string) (Ref, bool) {
	best := -1
	var bestRef Ref
	for _, e := range catalog {
		if req.NoSideEffects && e.SideEffect {
			continue
		}
		score := scoreEntry(e, req, preferences)
		if score > 0 && score > best {
			best = score
			bestRef = Ref{Tool: e.Tool, Func: e.Func}
		}
	}
	if best <= 0 {
		return Ref{}, false
	}
	return bestRef, true
}

// Find returns the catalog entry for an explicitly named tool/function.
func Find(catalog []Entry, tool, fn string) (Entry, bool) {
	for _, e := range catalog {
		if e.Tool == tool && e.Func == fn {
			return e, true
		}
	}
	return Entry{}, false
}

func scoreEntry(e Entry, req Request, preferences map[string]string) int {
	score := 0

	entryTags := lowerSet(e.Tags)
	entrySyns := lowerSet(e.Synonyms)

	for _, t := range req.Tags {
		if entryTags[strings.ToLower(t)] {
			score += tagWeight
		}
	}
	for _, s := range req.Synonyms {
		if entrySyns[strings.ToLower(s)] {
			score += synonymWeight
		}
	}

	if hint := strings.ToLower(strings.TrimSpace(req.Hint)); hint != "" {
		if strings.Contains(strings.ToLower(e.Description), hint) {
			score += hintWeight
		}
		if containsSubstring(e.Tags, hint) {
			score += hintWeight
		}
		if containsSubstring(e.Synonyms, hint) {
			score += hintWeight
		}
	}

	ref := e.Tool + "." + e.Func
	for _, t := range req.Tags {
		if preferences[strings.ToLower(t)] == ref {
			score += preferenceWeight
			break
		}
	}

	return score
}

func lowerSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[strings.ToLower(s)] = true
	}
	return m
}

func containsSubstring(items []string, sub string) bool {
	for _, s := range items {
		if strings.Contains(strings.ToLower(s), sub) {
			return true
		}
	}
	return false
}
