package config

// DefaultConfig returns a config template with a single general-purpose
// agent. Callers overlay JSON and environment on top of it.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:          "claude-sonnet-4-5",
				MaxTokens:      8192,
				MatchThreshold: 1,
			},
			List: []AgentConfig{
				{
					ID:      "assistant",
					Default: true,
					Name:    "Assistant",
					Handle:  "assistant",
					Persona: "A concise, helpful generalist.",
				},
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Loop: LoopConfig{
			MaxSteps:        6,
			TimeboxMs:       45_000,
			MaxParticipants: 5,
			ApprovalPolicy:  "ask",
		},
		Results: ResultsConfig{
			TTLSeconds:     1800,
			SweepSeconds:   300,
			MaxSetsPerRoom: 50,
		},
		Tools: ToolsConfig{
			SerpAPI: SerpAPIConfig{
				MaxResults: 8,
			},
			Scraper: ScraperConfig{
				MaxBytes:       262144,
				TimeoutSeconds: 20,
			},
			Exec: ExecConfig{
				TimeoutSeconds:     60,
				EnableDenyPatterns: true,
			},
		},
		Workspace: "~/.parley/workspace",
	}
}
