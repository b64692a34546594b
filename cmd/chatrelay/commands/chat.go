package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/console"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/relay"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

// newChatCmd creates the `chatrelay chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the AI backend from the terminal",
		Long: `Start a local conversation that goes through the same admission,
session, length and segmentation rules as a Telegram private chat.
Type /reset to start over and /exit (or Ctrl+D) to quit.

Examples:
  chatrelay chat
  chatrelay chat --model gemini-1.5-pro`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "model to use instead of the configured one")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.API.Model = model
	}
	if err := cfg.ValidateLocal(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Logs go to stderr and stay quiet unless --verbose, so they do not
	// interleave with the conversation.
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := llm.NewClient(cfg.API, logger)
	if !backend.Configured() {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: no API key configured; set GEMINI_API_KEY or run `chatrelay keyring set api_key`")
	}
	store := session.NewStore(cfg.Sessions, backend.StartSession, logger)

	con := console.New(console.Config{
		HistoryFile: chatHistoryFile(),
	}, logger)
	manager := channels.NewManager(logger)
	if err := manager.Register(con); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}

	router := relay.NewRouter(relay.RouterConfig{
		Limits:         cfg.Limits,
		AllowList:      cfg.AllowList(),
		BackendTimeout: cfg.API.Timeout,
		BotName:        cfg.Name,
	}, store, backend, manager, logger)

	// One conversation, handled strictly in order.
	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{MaxConcurrency: 1, QueueSize: 8}, router.Handle, logger)
	dispatcher.OnPanic(func(ctx context.Context, msg *channels.IncomingMessage, _ any) {
		router.NotifyFailure(ctx, msg)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s). Type /exit to quit.\n", cfg.Name, backend.Model())

	runDone := make(chan error, 1)
	go func() { runDone <- dispatcher.Run(context.Background(), manager.Messages()) }()

	select {
	case <-con.Done():
	case <-ctx.Done():
	}
	manager.StopReceiving()
	err = <-runDone
	manager.Close()
	return err
}

// chatHistoryFile returns the readline history path, or "" when the user
// cache directory is unavailable.
func chatHistoryFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "chatrelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
