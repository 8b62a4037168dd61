package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	agentruntime "github.com/MauroDruwel/mimiclaw/pkg/agent/runtime"
	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/channel/console"
	"github.com/MauroDruwel/mimiclaw/pkg/config"
	"github.com/MauroDruwel/mimiclaw/pkg/logger"
	"github.com/MauroDruwel/mimiclaw/pkg/provider"
	"github.com/MauroDruwel/mimiclaw/pkg/session"
	"github.com/MauroDruwel/mimiclaw/pkg/storage"

	"github.com/spf13/cobra"
)

const (
	userPrompt      = "👨🏻 "
	assistantPrefix = "🦞 "
)

var promptText string

// agentCmd talks to the agent from the terminal. Prompts travel through the
// same bus and orchestrator as chat-platform messages, on the console channel.
var agentCmd = &cobra.Command{
	Use:   "agent [prompt]",
	Short: "Send a prompt or start an interactive chat",
	Long:  "Loads mimiclaw configuration, connects to the configured provider, and sends one prompt or starts an interactive chat.",
	Run: func(cmd *cobra.Command, args []string) {
		prompt := resolvePrompt(args)

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

		client, err := provider.New(cfg)
		if err != nil {
			fmt.Printf("failed to initialize provider: %v\n", err)
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := storage.Open(ctx, cfg.Storage.Path)
		if err != nil {
			fmt.Printf("failed to open storage: %v\n", err)
			return
		}
		defer db.Close()

		sessions := session.NewSQLiteStore(db, appLogger)
		if err := runAgent(ctx, cfg, client, sessions, os.Stdin, os.Stdout, prompt, appLogger); err != nil {
			fmt.Printf("agent failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// runAgent answers one prompt, or every line of in when prompt is empty, and
// returns once all of them have been answered or ctx ends.
func runAgent(ctx context.Context, cfg *config.Config, client provider.Client, sessions session.Store, in io.Reader, out io.Writer, prompt string, log *slog.Logger) error {
	adapter := newConsoleAdapter(cfg, in, out, prompt, log)

	rt, err := agentruntime.Start(ctx, agentruntime.Options{
		Config:   cfg,
		Client:   client,
		Sessions: sessions,
		Adapters: []channel.Adapter{adapter},
		Log:      log,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	select {
	case <-adapter.Drained():
	case <-ctx.Done():
	}
	return nil
}

func newConsoleAdapter(cfg *config.Config, in io.Reader, out io.Writer, prompt string, log *slog.Logger) *console.Adapter {
	chatID := cfg.Channels.Console.ChatID
	if prompt != "" {
		// one line is one message on the console channel
		single := strings.Join(strings.Fields(prompt), " ")
		return console.NewAdapter(strings.NewReader(single+"\n"), out, chatID, "", log)
	}
	return console.NewAdapter(in, out, chatID, userPrompt, log, console.WithReplyPrefix(assistantPrefix))
}
