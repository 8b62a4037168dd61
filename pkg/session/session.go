// Package session keeps per-chat conversation history.
package session

import (
	"context"
	"errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrStorage wraps every failure to persist a turn.
var ErrStorage = errors.New("session storage error")

// Store is the history store consulted by the agent. GetHistory never fails:
// an unknown chat, or a store that cannot be read, yields an empty history.
type Store interface {
	GetHistory(ctx context.Context, chatID string, maxTurns int) []Turn
	Append(ctx context.Context, chatID string, role Role, content string) error
}

// lastN returns the trailing n turns of turns.
func lastN(turns []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
