package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore holds sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Turn)}
}

func (m *MemoryStore) GetHistory(_ context.Context, chatID string, maxTurns int) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lastN(m.sessions[chatID], maxTurns)
}

func (m *MemoryStore) Append(_ context.Context, chatID string, role Role, content string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: empty chat id", ErrStorage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[chatID] = append(m.sessions[chatID], Turn{Role: role, Content: content})
	return nil
}

// Clear drops the history of one chat.
func (m *MemoryStore) Clear(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, chatID)
}
