package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/session"

	asdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

type Client struct {
	client         asdk.Client
	model          string
	maxTokens      int64
	temperature    float64
	requestTimeout time.Duration
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.Anthropic
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.anthropic.api_key_env is required or ANTHROPIC_API_KEY must be set")
	}

	model, err := normalizeModel(cfg.Agents.Defaults.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	maxTokens := int64(cfg.Agents.Defaults.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		client:         asdk.NewClient(opts...),
		model:          model,
		maxTokens:      maxTokens,
		temperature:    cfg.Agents.Defaults.Temperature,
		requestTimeout: requestTimeout,
	}, nil
}

// Chat calls the Messages API. The system prompt is marked for prompt caching
// since it is identical across requests.
func (c *Client) Chat(ctx context.Context, systemPrompt string, turns []session.Turn) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	log := slog.Default().With("component", "provider.anthropic", "operation", "chat")
	startedAt := time.Now()

	if len(turns) == 0 {
		return "", errors.New("at least one turn is required")
	}

	params := asdk.MessageNewParams{
		Model:     asdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  buildMessages(turns),
	}
	if system := strings.TrimSpace(systemPrompt); system != "" {
		params.System = []asdk.TextBlockParam{{
			Text:         system,
			CacheControl: asdk.NewCacheControlEphemeralParam(),
		}}
	}
	if c.temperature > 0 {
		params.Temperature = asdk.Float(c.temperature)
	}
	log.Debug("provider request started", "model", c.model, "turns", len(turns))

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("chat failed: %w", err)
	}

	parts := make([]string, 0, len(message.Content))
	for _, block := range message.Content {
		if block.Type != "text" {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return "", errors.New("chat succeeded but returned no text")
	}
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
	)

	return text, nil
}

func buildMessages(turns []session.Turn) []asdk.MessageParam {
	messages := make([]asdk.MessageParam, 0, len(turns))
	for _, turn := range turns {
		block := asdk.NewTextBlock(turn.Content)
		if turn.Role == session.RoleAssistant {
			messages = append(messages, asdk.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, asdk.NewUserMessage(block))
	}
	return messages
}

func resolveAPIKey(cfg config.AnthropicProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	providerID, modelID, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}
	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "anthropic" {
		return "", fmt.Errorf("model provider %q is not supported by anthropic provider", providerID)
	}

	return modelID, nil
}
