package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/gateway"
	"github.com/MauroDruwel/mimiclaw/pkg/logger"
	"github.com/MauroDruwel/mimiclaw/pkg/storage"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs mimiclaw as a channel gateway for every enabled channel, with health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.Open(runCtx, cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"channels", enabledChannelNames(cfg),
			"provider", cfg.Agents.Defaults.Provider,
			"model", cfg.Agents.Defaults.Model,
			"storage", storageLabel(cfg.Storage.Path),
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledChannelNames(cfg *config.Config) string {
	names := make([]string, 0, 3)
	if cfg.Channels.Feishu.Enabled {
		names = append(names, "feishu")
	}
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Channels.Console.Enabled {
		names = append(names, "console")
	}
	return strings.Join(names, ",")
}

func storageLabel(path string) string {
	if strings.TrimSpace(path) == storage.MemoryDSN {
		return "memory"
	}
	return path
}
