package cmd

import (
	"testing"

	"github.com/MauroDruwel/mimiclaw/pkg/config"
)

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if got := enabledChannelNames(cfg); got != "" {
		t.Fatalf("enabledChannelNames = %q, want empty", got)
	}

	cfg.Channels.Feishu.Enabled = true
	cfg.Channels.Telegram.Enabled = true
	if got := enabledChannelNames(cfg); got != "feishu,telegram" {
		t.Fatalf("enabledChannelNames = %q, want %q", got, "feishu,telegram")
	}
}

func TestStorageLabel(t *testing.T) {
	t.Parallel()

	if got := storageLabel(":memory:"); got != "memory" {
		t.Fatalf("storageLabel(:memory:) = %q, want memory", got)
	}
	if got := storageLabel("data/mimiclaw.db"); got != "data/mimiclaw.db" {
		t.Fatalf("storageLabel(path) = %q", got)
	}
}

func TestRootRegistersCommands(t *testing.T) {
	t.Parallel()

	found := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		found[c.Name()] = true
	}
	for _, name := range []string{"agent", "gateway"} {
		if !found[name] {
			t.Fatalf("root command is missing %q", name)
		}
	}
}
