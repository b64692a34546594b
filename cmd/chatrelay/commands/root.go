// Package commands implements the chatrelay CLI using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay - Telegram to AI backend relay",
		Long: `chatrelay relays Telegram private chats, group mentions and channel
posts to an OpenAI-compatible AI backend (Gemini by default) and sends
the replies back, split into parts when they exceed Telegram's limit.

Examples:
  chatrelay setup
  chatrelay serve --config ./config.yaml
  chatrelay chat
  chatrelay keyring set telegram_token`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newKeyringCmd(),
		newVersionCmd(version),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chatrelay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s\n", version)
		},
	}
}

// resolveConfig loads the configuration from --config, the standard
// locations or the environment alone. Returns (config, configPath, error);
// configPath is empty when no file was found.
func resolveConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, path, err := config.Load(configPath, logger)
	if err != nil {
		if configPath != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", configPath, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section.
// --verbose forces debug.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
