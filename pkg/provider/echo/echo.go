// Package echo is an offline agent back-end that replies with the prompt text.
package echo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	providertypes "turnrelay/pkg/provider/types"
)

const ProviderID = "echo"

type Client struct{}

func New() *Client {
	return &Client{}
}

func (c *Client) Health(context.Context) error {
	return nil
}

func (c *Client) CreateSession(context.Context, string) (string, error) {
	return "echo-" + uuid.NewString(), nil
}

func (c *Client) Prompt(_ context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return providertypes.PromptResult{}, errors.New("session id is required")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.PromptResult{}, errors.New("prompt is required")
	}

	return providertypes.PromptResult{
		Text: prompt,
		Metadata: providertypes.PromptMetadata{
			Provider: ProviderID,
			Model:    model,
		},
	}, nil
}
