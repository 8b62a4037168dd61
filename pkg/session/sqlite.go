package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// SQLiteStore persists turns in the session_turns table created by storage.Open.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLiteStore(db *sql.DB, log *slog.Logger) *SQLiteStore {
	if log == nil {
		log = slog.Default()
	}
	return &SQLiteStore{db: db, log: log.With("component", "session.sqlite")}
}

func (s *SQLiteStore) GetHistory(ctx context.Context, chatID string, maxTurns int) []Turn {
	if maxTurns <= 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT id, role, content FROM session_turns WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, chatID, maxTurns)
	if err != nil {
		s.log.Warn("history read failed", "chat_id", chatID, "error", err)
		return nil
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&role, &t.Content); err != nil {
			s.log.Warn("history scan failed", "chat_id", chatID, "error", err)
			return nil
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("history read failed", "chat_id", chatID, "error", err)
		return nil
	}

	return turns
}

func (s *SQLiteStore) Append(ctx context.Context, chatID string, role Role, content string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: empty chat id", ErrStorage)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session_turns (chat_id, role, content) VALUES (?, ?, ?)`,
		chatID, string(role), content); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
