package agent

import (
	"strings"

	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/routing"
)

// Profile is one configured agent persona.
type Profile struct {
	ID          string
	Name        string
	Handle      string
	Persona     string
	Model       string
	MaxTokens   int
	Temperature *float64
	Interests   []string
	Tags        []string
	Preferences map[string]string
}

// Registry resolves agent profiles and their routing views.
type Registry struct {
	cfg      *config.Config
	profiles []Profile
	byID     map[string]*Profile
}

func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{cfg: cfg, byID: make(map[string]*Profile)}
	for _, a := range cfg.Agents.List {
		p := Profile{
			ID:          a.ID,
			Name:        a.Name,
			Handle:      a.Handle,
			Persona:     a.Persona,
			Model:       a.Model,
			MaxTokens:   cfg.Agents.Defaults.MaxTokens,
			Temperature: cfg.Agents.Defaults.Temperature,
			Interests:   a.Interests,
			Tags:        a.Tags,
			Preferences: lowerKeys(a.Preferences),
		}
		if p.Model == "" {
			p.Model = cfg.Agents.Defaults.Model
		}
		if p.Name == "" {
			p.Name = a.ID
		}
		if p.Handle == "" {
			p.Handle = strings.ToLower(a.ID)
		}
		r.profiles = append(r.profiles, p)
	}
	for i := range r.profiles {
		r.byID[r.profiles[i].ID] = &r.profiles[i]
	}
	return r
}

func (r *Registry) Get(id string) (*Profile, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Registry) List() []Profile {
	return r.profiles
}

func (r *Registry) Default() (*Profile, bool) {
	if a, ok := r.cfg.DefaultAgent(); ok {
		return r.Get(a.ID)
	}
	return nil, false
}

// RoutingProfiles builds the participation router's view of every agent,
// with thresholds resolved against room overrides.
func (r *Registry) RoutingProfiles(roomID string) []routing.Profile {
	out := make([]routing.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		agentCfg, _ := r.cfg.FindAgent(p.ID)
		out = append(out, routing.Profile{
			ID:        p.ID,
			Name:      p.Name,
			Handle:    p.Handle,
			Interests: p.Interests,
			Tags:      p.Tags,
			Threshold: r.cfg.RoomThreshold(roomID, agentCfg),
		})
	}
	return out
}

// NameIndex builds the mention alias table over all agents.
func (r *Registry) NameIndex() routing.NameIndex {
	return routing.NewNameIndex(r.RoutingProfiles(""))
}

func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
