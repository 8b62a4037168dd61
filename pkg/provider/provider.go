// Package provider selects the LLM backend used by the agent.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MauroDruwel/mimiclaw/pkg/config"
	provideranthropic "github.com/MauroDruwel/mimiclaw/pkg/provider/anthropic"
	providerfantasy "github.com/MauroDruwel/mimiclaw/pkg/provider/fantasy"
	provideropenai "github.com/MauroDruwel/mimiclaw/pkg/provider/openai"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
)

// Client turns a system prompt plus an ordered conversation into one reply.
// The last turn is the new user message.
type Client interface {
	Chat(ctx context.Context, systemPrompt string, turns []session.Turn) (string, error)
}

func New(cfg *config.Config) (Client, error) {
	providerID := strings.TrimSpace(cfg.Agents.Defaults.Provider)
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	case "anthropic":
		return provideranthropic.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
