package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFlexibleStringSlice(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"strings", `["a", "b"]`, []string{"a", "b"}},
		{"numbers", `[123, 456]`, []string{"123", "456"}},
		{"mixed", `["a", 42]`, []string{"a", "42"}},
		{"empty", `[]`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexibleStringSlice
			if err := f.UnmarshalJSON([]byte(tt.input)); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(f) != len(tt.want) {
				t.Fatalf("got %d items, want %d", len(f), len(tt.want))
			}
			for i := range f {
				if f[i] != tt.want[i] {
					t.Errorf("item %d: got %q, want %q", i, f[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Loop.MaxSteps != 6 {
		t.Errorf("max_steps: got %d, want 6", cfg.Loop.MaxSteps)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("port: got %d, want 18790", cfg.Gateway.Port)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"loop": {"max_steps": 99, "timebox_ms": 999999},
		"agents": {"list": [{"id": "bob", "name": "Bob", "tags": ["search"]}]}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Loop.MaxSteps != MaxStepsCap {
		t.Errorf("max_steps not clamped: got %d, want %d", cfg.Loop.MaxSteps, MaxStepsCap)
	}
	if cfg.Loop.TimeboxMs != TimeboxMsCap {
		t.Errorf("timebox not clamped: got %d, want %d", cfg.Loop.TimeboxMs, TimeboxMsCap)
	}
	a, ok := cfg.FindAgent("bob")
	if !ok {
		t.Fatal("agent bob not found")
	}
	if a.Name != "Bob" {
		t.Errorf("agent name: got %q", a.Name)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PARLEY_GATEWAY_PORT", "9191")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9191 {
		t.Errorf("port: got %d, want 9191", cfg.Gateway.Port)
	}
}

func TestValidateDuplicateAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents.List = []AgentConfig{{ID: "x"}, {ID: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidateBadPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.ApprovalPolicy = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected policy error")
	}
}

func TestRoomPolicyOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.ApprovalPolicy = "ask"
	cfg.Rooms = []RoomConfig{{ID: "lab", ApprovalPolicy: "auto"}}

	if got := cfg.RoomPolicy("lab"); got != "auto" {
		t.Errorf("lab policy: got %q, want auto", got)
	}
	if got := cfg.RoomPolicy("other"); got != "ask" {
		t.Errorf("other policy: got %q, want ask", got)
	}
}

func TestRoomThreshold(t *testing.T) {
	half := 0.5
	two := 2.0
	cfg := DefaultConfig()
	cfg.Agents.Defaults.MatchThreshold = 1
	agent := &AgentConfig{ID: "a", MatchThreshold: &two}
	cfg.Rooms = []RoomConfig{{ID: "lab", MatchThreshold: &half}}

	if got := cfg.RoomThreshold("lab", agent); got != 0.5 {
		t.Errorf("room override: got %v, want 0.5", got)
	}
	if got := cfg.RoomThreshold("other", agent); got != 2.0 {
		t.Errorf("agent override: got %v, want 2.0", got)
	}
	if got := cfg.RoomThreshold("other", &AgentConfig{ID: "b"}); got != 1 {
		t.Errorf("default: got %v, want 1", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.Gateway.Port = 4242
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gateway.Port != 4242 {
		t.Errorf("port: got %d, want 4242", loaded.Gateway.Port)
	}
}
