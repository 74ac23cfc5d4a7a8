package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/tools"
)

const Logo = "🦜"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".parley", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// BuildToolRegistry registers every tool the config enables.
func BuildToolRegistry(cfg *config.Config, synth tools.Synthesizer) (*tools.Registry, error) {
	reg := tools.NewRegistry()

	if cfg.Tools.SerpAPI.Enabled && cfg.Tools.SerpAPI.APIKey != "" {
		reg.Register(tools.NewSerpAPITool(
			cfg.Tools.SerpAPI.APIKey,
			cfg.Tools.SerpAPI.BaseURL,
			cfg.Tools.SerpAPI.MaxResults,
		))
	}

	reg.Register(tools.NewScraperTool(
		cfg.Tools.Scraper.MaxBytes,
		cfg.Tools.Scraper.TimeoutSeconds,
	))

	if cfg.Tools.Exec.Enabled {
		execTool, err := tools.NewExecTool(
			cfg.WorkspacePath(),
			cfg.Tools.Exec.TimeoutSeconds,
			cfg.Tools.Exec.EnableDenyPatterns,
			cfg.Tools.Exec.CustomDenyPatterns,
		)
		if err != nil {
			return nil, fmt.Errorf("exec tool: %w", err)
		}
		reg.Register(execTool)
	}

	social := cfg.Tools.Social
	if social.DiscordToken != "" || social.SlackToken != "" || social.TelegramToken != "" {
		socialTool, err := tools.NewSocialTool(
			social.DiscordToken,
			social.SlackToken,
			social.TelegramToken,
			social.DefaultChannelID,
		)
		if err != nil {
			return nil, fmt.Errorf("social tool: %w", err)
		}
		reg.Register(socialTool)
	}

	if cfg.Tools.Speech.Enabled && synth != nil {
		reg.Register(tools.NewSpeechTool(
			synth,
			cfg.Tools.Speech.Model,
			cfg.Tools.Speech.Voice,
			cfg.Tools.Speech.OutDir,
		))
	}

	return reg, nil
}

// FormatVersion returns the version string with optional git commit.
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info.
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
