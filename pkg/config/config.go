package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Rooms     []RoomConfig    `json:"rooms,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Loop      LoopConfig      `json:"loop"`
	Results   ResultsConfig   `json:"results"`
	Tools     ToolsConfig     `json:"tools"`
	Cron      []CronJobConfig `json:"cron,omitempty"`
	Workspace string          `env:"PARLEY_WORKSPACE" json:"workspace"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	List     []AgentConfig `json:"list,omitempty"`
}

type AgentDefaults struct {
	Model          string   `env:"PARLEY_AGENTS_DEFAULTS_MODEL"           json:"model"`
	MaxTokens      int      `env:"PARLEY_AGENTS_DEFAULTS_MAX_TOKENS"      json:"max_tokens"`
	Temperature    *float64 `env:"PARLEY_AGENTS_DEFAULTS_TEMPERATURE"     json:"temperature,omitempty"`
	MatchThreshold float64  `env:"PARLEY_AGENTS_DEFAULTS_MATCH_THRESHOLD" json:"match_threshold"`
}

// AgentConfig describes one agent persona that can join rooms.
type AgentConfig struct {
	ID        string   `json:"id"`
	Default   bool     `json:"default,omitempty"`
	Name      string   `json:"name,omitempty"`
	Handle    string   `json:"handle,omitempty"`
	Persona   string   `json:"persona,omitempty"`
	Model     string   `json:"model,omitempty"`
	Interests []string `json:"interests,omitempty"`
	// Tags mirror the capability tags the agent advertises for
	// participation scoring.
	Tags []string `json:"tags,omitempty"`
	// MatchThreshold overrides the defaults threshold for this agent.
	MatchThreshold *float64 `json:"match_threshold,omitempty"`
	// Preferences pin a capability tag to an exact tool.function,
	// e.g. {"search": "serpapi.google_news"}.
	Preferences map[string]string `json:"preferences,omitempty"`
}

// RoomConfig carries per-room policy overrides. Rooms themselves live in
// the external store; only policy knobs are configured here.
type RoomConfig struct {
	ID             string   `json:"id"`
	ApprovalPolicy string   `json:"approval_policy,omitempty"` // "auto" | "ask"
	MatchThreshold *float64 `json:"match_threshold,omitempty"`
}

type GatewayConfig struct {
	Host         string              `env:"PARLEY_GATEWAY_HOST"          json:"host"`
	Port         int                 `env:"PARLEY_GATEWAY_PORT"          json:"port"`
	AuthToken    string              `env:"PARLEY_GATEWAY_AUTH_TOKEN"    json:"auth_token,omitempty"`
	AllowOrigins FlexibleStringSlice `env:"PARLEY_GATEWAY_ALLOW_ORIGINS" json:"allow_origins,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `env:"PARLEY_PROVIDERS_{{.Name}}_API_KEY"  json:"api_key"`
	APIBase string `env:"PARLEY_PROVIDERS_{{.Name}}_API_BASE" json:"api_base,omitempty"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// IsEmpty reports whether no provider has any key or base configured.
func (p ProvidersConfig) IsEmpty() bool {
	return p.Anthropic.APIKey == "" && p.Anthropic.APIBase == "" &&
		p.OpenAI.APIKey == "" && p.OpenAI.APIBase == ""
}

// LoopConfig bounds one decision-loop run.
type LoopConfig struct {
	MaxSteps        int    `env:"PARLEY_LOOP_MAX_STEPS"        json:"max_steps"`
	TimeboxMs       int    `env:"PARLEY_LOOP_TIMEBOX_MS"       json:"timebox_ms"`
	MaxParticipants int    `env:"PARLEY_LOOP_MAX_PARTICIPANTS" json:"max_participants"`
	ApprovalPolicy  string `env:"PARLEY_LOOP_APPROVAL_POLICY"  json:"approval_policy"` // "auto" | "ask"
}

const (
	MaxStepsCap  = 20
	TimeboxMsCap = 180_000
)

type ResultsConfig struct {
	TTLSeconds     int `env:"PARLEY_RESULTS_TTL_SECONDS"      json:"ttl_seconds"`
	SweepSeconds   int `env:"PARLEY_RESULTS_SWEEP_SECONDS"    json:"sweep_seconds"`
	MaxSetsPerRoom int `env:"PARLEY_RESULTS_MAX_SETS_PER_ROOM" json:"max_sets_per_room"`
}

type SerpAPIConfig struct {
	Enabled    bool   `env:"PARLEY_TOOLS_SERPAPI_ENABLED"     json:"enabled"`
	APIKey     string `env:"PARLEY_TOOLS_SERPAPI_API_KEY"     json:"api_key"`
	BaseURL    string `env:"PARLEY_TOOLS_SERPAPI_BASE_URL"    json:"base_url,omitempty"`
	MaxResults int    `env:"PARLEY_TOOLS_SERPAPI_MAX_RESULTS" json:"max_results"`
}

type ScraperConfig struct {
	MaxBytes       int `env:"PARLEY_TOOLS_SCRAPER_MAX_BYTES"       json:"max_bytes"`
	TimeoutSeconds int `env:"PARLEY_TOOLS_SCRAPER_TIMEOUT_SECONDS" json:"timeout_seconds"`
}

type ExecConfig struct {
	Enabled            bool     `env:"PARLEY_TOOLS_EXEC_ENABLED"              json:"enabled"`
	TimeoutSeconds     int      `env:"PARLEY_TOOLS_EXEC_TIMEOUT_SECONDS"      json:"timeout_seconds"`
	EnableDenyPatterns bool     `env:"PARLEY_TOOLS_EXEC_ENABLE_DENY_PATTERNS" json:"enable_deny_patterns"`
	CustomDenyPatterns []string `env:"PARLEY_TOOLS_EXEC_CUSTOM_DENY_PATTERNS" json:"custom_deny_patterns,omitempty"`
}

type SocialConfig struct {
	DiscordToken     string `env:"PARLEY_TOOLS_SOCIAL_DISCORD_TOKEN"     json:"discord_token,omitempty"`
	SlackToken       string `env:"PARLEY_TOOLS_SOCIAL_SLACK_TOKEN"       json:"slack_token,omitempty"`
	TelegramToken    string `env:"PARLEY_TOOLS_SOCIAL_TELEGRAM_TOKEN"    json:"telegram_token,omitempty"`
	DefaultChannelID string `env:"PARLEY_TOOLS_SOCIAL_DEFAULT_CHANNEL"   json:"default_channel_id,omitempty"`
}

type SpeechConfig struct {
	Enabled  bool   `env:"PARLEY_TOOLS_SPEECH_ENABLED"   json:"enabled"`
	Model    string `env:"PARLEY_TOOLS_SPEECH_MODEL"     json:"model,omitempty"`
	Voice    string `env:"PARLEY_TOOLS_SPEECH_VOICE"     json:"voice,omitempty"`
	OutDir   string `env:"PARLEY_TOOLS_SPEECH_OUT_DIR"   json:"out_dir,omitempty"`
}

type ToolsConfig struct {
	SerpAPI SerpAPIConfig `json:"serpapi"`
	Scraper ScraperConfig `json:"scraper"`
	Exec    ExecConfig    `json:"exec"`
	Social  SocialConfig  `json:"social"`
	Speech  SpeechConfig  `json:"speech"`
}

// CronJobConfig schedules a recurring announcement into a room.
type CronJobConfig struct {
	ID      string `json:"id"`
	RoomID  string `json:"room_id"`
	Expr    string `json:"expr"`
	Message string `json:"message"`
	Enabled bool   `json:"enabled"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Env overlay still applies to the defaults.
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate clamps loop budgets to their hard caps and checks agent entries.
func (c *Config) Validate() error {
	if c.Loop.MaxSteps <= 0 {
		c.Loop.MaxSteps = 6
	}
	if c.Loop.MaxSteps > MaxStepsCap {
		c.Loop.MaxSteps = MaxStepsCap
	}
	if c.Loop.TimeboxMs <= 0 {
		c.Loop.TimeboxMs = 45_000
	}
	if c.Loop.TimeboxMs > TimeboxMsCap {
		c.Loop.TimeboxMs = TimeboxMsCap
	}
	if c.Loop.MaxParticipants <= 0 {
		c.Loop.MaxParticipants = 5
	}
	switch c.Loop.ApprovalPolicy {
	case "", "auto", "ask":
	default:
		return fmt.Errorf("loop.approval_policy must be \"auto\" or \"ask\", got %q", c.Loop.ApprovalPolicy)
	}

	seen := map[string]bool{}
	for i := range c.Agents.List {
		a := &c.Agents.List[i]
		if a.ID == "" {
			return fmt.Errorf("agents.list[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents.list[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true
	}

	for i := range c.Cron {
		if c.Cron[i].RoomID == "" || c.Cron[i].Expr == "" {
			return fmt.Errorf("cron[%d]: room_id and expr are required", i)
		}
	}

	return nil
}

// RoomPolicy returns the approval policy for a room, falling back to the
// loop default and finally "ask".
func (c *Config) RoomPolicy(roomID string) string {
	for i := range c.Rooms {
		if c.Rooms[i].ID == roomID && c.Rooms[i].ApprovalPolicy != "" {
			return c.Rooms[i].ApprovalPolicy
		}
	}
	if c.Loop.ApprovalPolicy != "" {
		return c.Loop.ApprovalPolicy
	}
	return "ask"
}

// RoomThreshold returns the participation match threshold for an agent in
// a room: per-room override first, then per-agent, then the public default.
func (c *Config) RoomThreshold(roomID string, agent *AgentConfig) float64 {
	for i := range c.Rooms {
		if c.Rooms[i].ID == roomID && c.Rooms[i].MatchThreshold != nil {
			return *c.Rooms[i].MatchThreshold
		}
	}
	if agent != nil && agent.MatchThreshold != nil {
		return *agent.MatchThreshold
	}
	return c.Agents.Defaults.MatchThreshold
}

// FindAgent returns the agent config with the given id.
func (c *Config) FindAgent(id string) (*AgentConfig, bool) {
	for i := range c.Agents.List {
		if c.Agents.List[i].ID == id {
			return &c.Agents.List[i], true
		}
	}
	return nil, false
}

// DefaultAgent returns the agent marked default, or the first one.
func (c *Config) DefaultAgent() (*AgentConfig, bool) {
	for i := range c.Agents.List {
		if c.Agents.List[i].Default {
			return &c.Agents.List[i], true
		}
	}
	if len(c.Agents.List) > 0 {
		return &c.Agents.List[0], true
	}
	return nil, false
}

func (c *Config) WorkspacePath() string {
	return expandHome(c.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

// ErrNoProvider is returned when neither provider has credentials.
var ErrNoProvider = errors.New("no completion provider configured")
