package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mimiclaw",
	Short: "Chat-channel gateway for a single LLM agent",
	Long: `mimiclaw routes messages from Feishu, Telegram and the local console
through one message bus to an LLM agent and sends the replies back.`,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
