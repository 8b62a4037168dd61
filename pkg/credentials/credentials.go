// Package credentials persists channel credential overrides. Values are
// grouped by namespace, one per channel, and stored values win over
// configured defaults.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	KeyIdentifier = "identifier"
	KeySecret     = "secret"
)

type Store interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// Pair is an identifier/secret credential, e.g. a Feishu app id and app secret.
type Pair struct {
	Identifier string
	Secret     string
}

func (p Pair) Complete() bool {
	return strings.TrimSpace(p.Identifier) != "" && strings.TrimSpace(p.Secret) != ""
}

// Resolve returns the stored pair for namespace, falling back to defaults
// field by field for anything that was never stored.
func Resolve(ctx context.Context, store Store, namespace string, defaults Pair) (Pair, error) {
	out := defaults
	if store == nil {
		return out, nil
	}

	id, ok, err := store.Get(ctx, namespace, KeyIdentifier)
	if err != nil {
		return defaults, err
	}
	if ok && id != "" {
		out.Identifier = id
	}

	secret, ok, err := store.Get(ctx, namespace, KeySecret)
	if err != nil {
		return defaults, err
	}
	if ok && secret != "" {
		out.Secret = secret
	}

	return out, nil
}

// Save writes both halves of p under namespace.
func Save(ctx context.Context, store Store, namespace string, p Pair) error {
	if store == nil {
		return errors.New("credentials: no store configured")
	}
	if err := store.Set(ctx, namespace, KeyIdentifier, p.Identifier); err != nil {
		return err
	}
	return store.Set(ctx, namespace, KeySecret, p.Secret)
}

// MemoryStore keeps credentials for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[namespace+"/"+key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[namespace+"/"+key] = value
	return nil
}

// SQLiteStore uses the credentials table created by storage.Open.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read credential %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (namespace, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("write credential %s/%s: %w", namespace, key, err)
	}
	return nil
}
