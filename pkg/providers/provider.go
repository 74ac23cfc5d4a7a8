// Package providers selects and constructs completion providers.
package providers

import (
	"context"
	"strings"

	"github.com/tinyland-inc/parley/pkg/config"
	anthropicprovider "github.com/tinyland-inc/parley/pkg/providers/anthropic"
	openaiprovider "github.com/tinyland-inc/parley/pkg/providers/openai"
	"github.com/tinyland-inc/parley/pkg/providers/protocoltypes"
)

type (
	Message        = protocoltypes.Message
	ToolCall       = protocoltypes.ToolCall
	ToolDefinition = protocoltypes.ToolDefinition
	LLMResponse    = protocoltypes.LLMResponse
)

// Provider is a completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error)
	GetDefaultModel() string
}

// ForModel picks a provider for a model name: "claude-*" goes to
// Anthropic, everything else to OpenAI when it has credentials. An empty
// model falls through to whichever provider is configured.
func ForModel(cfg *config.Config, model string) (Provider, error) {
	anthropicOK := cfg.Providers.Anthropic.APIKey != "" || cfg.Providers.Anthropic.APIBase != ""
	openaiOK := cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.OpenAI.APIBase != ""

	if !anthropicOK && !openaiOK {
		return nil, config.ErrNoProvider
	}

	wantAnthropic := strings.HasPrefix(model, "claude")
	switch {
	case wantAnthropic && anthropicOK:
		return anthropicprovider.NewProviderWithBaseURL(
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase), nil
	case !wantAnthropic && model != "" && openaiOK:
		return openaiprovider.NewProviderWithBaseURL(
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase), nil
	case anthropicOK:
		return anthropicprovider.NewProviderWithBaseURL(
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase), nil
	default:
		return openaiprovider.NewProviderWithBaseURL(
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase), nil
	}
}
