package provider

import (
	"context"
	"fmt"
	"log/slog"

	"turnrelay/pkg/config"
	providerecho "turnrelay/pkg/provider/echo"
	provideropenai "turnrelay/pkg/provider/openai"
	providertypes "turnrelay/pkg/provider/types"
)

// Client is the agent back-end the gateway prompts for replies.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error)
}

func New(cfg *config.Config) (Client, error) {
	providerID := cfg.Agents.Defaults.Provider
	if providerID == "" {
		providerID = config.DefaultAgentProvider
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case providerecho.ProviderID:
		return providerecho.New(), nil
	case provideropenai.ProviderID:
		return provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
