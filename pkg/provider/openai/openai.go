package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"turnrelay/pkg/config"
	providertypes "turnrelay/pkg/provider/types"
)

const ProviderID = "openai"

// metadataSessionKey tags each conversation with the relay session it serves.
const metadataSessionKey = "turnrelay_session"

// Client answers WhatsApp users through the Responses API. Each relay session
// maps to one stored conversation so the model keeps the chat history.
type Client struct {
	client         osdk.Client
	requestTimeout time.Duration
	instructions   string
}

func New(cfg *config.Config) (*Client, error) {
	apiKey := resolveAPIKey(cfg.Providers.OpenAI)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	requestTimeout := time.Duration(cfg.Providers.OpenAI.RequestTimeoutSeconds) * time.Second
	return &Client{
		client:         osdk.NewClient(requestOptions(apiKey, cfg.Providers.OpenAI, requestTimeout)...),
		requestTimeout: requestTimeout,
		instructions:   strings.TrimSpace(cfg.Agents.Defaults.SystemPrompt),
	}, nil
}

func requestOptions(apiKey string, cfg config.OpenAIProviderConfig, requestTimeout time.Duration) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, setting := range []struct {
		value string
		with  func(string) option.RequestOption
	}{
		{cfg.BaseURL, option.WithBaseURL},
		{cfg.Organization, option.WithOrganization},
		{cfg.Project, option.WithProject},
	} {
		if value := strings.TrimSpace(setting.value); value != "" {
			opts = append(opts, setting.with(value))
		}
	}
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}
	return opts
}

// call bounds op by the request timeout and logs its outcome at debug level.
func (c *Client) call(ctx context.Context, operation string, op func(ctx context.Context) error, attrs ...any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	startedAt := time.Now()
	err := op(ctx)
	log := slog.Default().With("component", "provider.openai", "operation", operation, "duration_ms", time.Since(startedAt).Milliseconds())
	if err != nil {
		log.Debug("OpenAI request failed", append(attrs, "error", err)...)
		return fmt.Errorf("%s failed: %w", strings.ReplaceAll(operation, "_", " "), err)
	}
	log.Debug("OpenAI request completed", attrs...)
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, "health_check", func(ctx context.Context) error {
		_, err := c.client.Models.List(ctx)
		return err
	})
}

// CreateSession opens a stored conversation tagged with sessionKey.
func (c *Client) CreateSession(ctx context.Context, sessionKey string) (string, error) {
	var id string
	err := c.call(ctx, "create_session", func(ctx context.Context) error {
		params := conversations.ConversationNewParams{}
		if key := strings.TrimSpace(sessionKey); key != "" {
			params.Metadata = shared.Metadata{metadataSessionKey: key}
		}

		conversation, err := c.client.Conversations.New(ctx, params)
		if err != nil {
			return err
		}
		id = strings.TrimSpace(conversation.ID)
		if id == "" {
			return errors.New("empty conversation id")
		}
		return nil
	}, "session_key", sessionKey)
	if err != nil {
		return "", err
	}

	return id, nil
}

// Prompt sends one user message into the conversation and returns the reply text.
func (c *Client) Prompt(ctx context.Context, sessionID string, prompt string, model string) (providertypes.PromptResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	prompt = strings.TrimSpace(prompt)
	switch {
	case sessionID == "":
		return providertypes.PromptResult{}, errors.New("session id is required")
	case prompt == "":
		return providertypes.PromptResult{}, errors.New("prompt is required")
	}

	modelID, err := normalizeModel(model)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	params := responses.ResponseNewParams{
		Model: modelID,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: sessionID},
		},
	}
	if c.instructions != "" {
		params.Instructions = osdk.String(c.instructions)
	}

	var result providertypes.PromptResult
	err = c.call(ctx, "prompt", func(ctx context.Context) error {
		response, err := c.client.Responses.New(ctx, params)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(response.OutputText())
		if text == "" {
			return errors.New("response has no output text")
		}
		result = providertypes.PromptResult{
			Text: text,
			Metadata: providertypes.PromptMetadata{
				Provider: ProviderID,
				Model:    modelID,
				Usage:    usageFromResponse(response.Usage),
			},
		}
		return nil
	}, "session_id", sessionID, "model", modelID, "prompt_length", len(prompt))
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	return result, nil
}

func usageFromResponse(usage responses.ResponseUsage) *providertypes.TokenUsage {
	converted := providertypes.TokenUsage{
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		TotalTokens:     usage.TotalTokens,
		ReasoningTokens: usage.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: usage.InputTokensDetails.CachedTokens,
	}
	if converted.IsZero() {
		return nil
	}
	return &converted
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if env := strings.TrimSpace(cfg.APIKeyEnv); env != "" {
		if apiKey := strings.TrimSpace(os.Getenv(env)); apiKey != "" {
			return apiKey
		}
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

// normalizeModel accepts "model" or "openai/model".
func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	prefix, modelID, qualified := strings.Cut(model, "/")
	if !qualified {
		return model, nil
	}
	prefix, modelID = strings.TrimSpace(prefix), strings.TrimSpace(modelID)
	if prefix == "" || modelID == "" {
		return "", fmt.Errorf("model %q is invalid", model)
	}
	if prefix != ProviderID {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", prefix)
	}
	return modelID, nil
}
