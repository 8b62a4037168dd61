package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/channel/console"
	"github.com/MauroDruwel/mimiclaw/pkg/channel/feishu"
	"github.com/MauroDruwel/mimiclaw/pkg/channel/telegram"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/credentials"
	"github.com/MauroDruwel/mimiclaw/pkg/provider"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
	"github.com/MauroDruwel/mimiclaw/pkg/storage"
)

// BuildAdapters returns the channels enabled in cfg. The console channel reads
// the gateway's own stdin.
func BuildAdapters(cfg *config.Config, store credentials.Store, log *slog.Logger) ([]channel.Adapter, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	var adapters []channel.Adapter
	if cfg.Channels.Feishu.Enabled {
		adapters = append(adapters, feishu.NewAdapter(cfg.Channels.Feishu, store, log))
	}
	if cfg.Channels.Telegram.Enabled {
		adapters = append(adapters, telegram.NewAdapter(cfg.Channels.Telegram, store, log))
	}
	if cfg.Channels.Console.Enabled {
		adapters = append(adapters, console.NewAdapter(os.Stdin, os.Stdout, cfg.Channels.Console.ChatID, "", log))
	}
	if len(adapters) == 0 {
		return nil, errors.New("no channels enabled; enable channels.feishu, channels.telegram or channels.console")
	}
	return adapters, nil
}

// Open builds a Service from cfg: the SQLite database backing sessions and
// credentials, the configured provider, and every enabled channel.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	db, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	adapters, err := BuildAdapters(cfg, credentials.NewSQLiteStore(db), log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	svc, err := NewService(cfg, client, session.NewSQLiteStore(db, log), adapters, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	svc.onClose(closeDB(db))
	return svc, nil
}

func closeDB(db *sql.DB) func() error {
	return func() error {
		if err := db.Close(); err != nil {
			return fmt.Errorf("close storage: %w", err)
		}
		return nil
	}
}
