package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/telegram"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/gateway"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/relay"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/scheduler"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `chatrelay serve` command that runs the relay.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram relay",
		Long: `Connect to Telegram, relay admitted messages to the AI backend and
serve /ping and /health on the gateway address.

Examples:
  chatrelay serve
  chatrelay serve --config ./config.yaml
  TELEGRAM_BOT_TOKEN=... GEMINI_API_KEY=... chatrelay serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd, slog.Default())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cmd, cfg, os.Stdout)
	slog.SetDefault(logger)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── AI backend and sessions ──
	backend := llm.NewClient(cfg.API, logger)
	if !backend.Configured() {
		logger.Warn("no API key configured; private chats will be told the backend is not configured",
			"hint", "set GEMINI_API_KEY or run `chatrelay keyring set api_key`")
	}
	store := session.NewStore(cfg.Sessions, backend.StartSession, logger)

	// ── Channels ──
	manager := channels.NewManager(logger)
	if err := manager.Register(telegram.New(cfg.Telegram, logger)); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	// ── Relay ──
	allow := cfg.AllowList()
	router := relay.NewRouter(relay.RouterConfig{
		Limits:         cfg.Limits,
		AllowList:      allow,
		BackendTimeout: cfg.API.Timeout,
		BotName:        cfg.Name,
	}, store, backend, manager, logger)

	dispatcher := relay.NewDispatcher(cfg.Workers, router.Handle, logger)
	dispatcher.OnPanic(func(ctx context.Context, msg *channels.IncomingMessage, _ any) {
		router.NotifyFailure(ctx, msg)
	})
	watcher := relay.NewWatcher(store, manager, allow, logger)

	// ── Idle pruning ──
	var sched *scheduler.Scheduler
	if cfg.Sessions.IdleTTL > 0 {
		sched = scheduler.New(store, cfg.Sessions.PruneSchedule, cfg.Sessions.IdleTTL, logger)
		if err := sched.Start(ctx); err != nil {
			manager.Stop()
			return err
		}
	}

	// ── Gateway ──
	gw := gateway.New(cfg.Gateway, store, manager, logger)
	if err := gw.Start(ctx); err != nil {
		manager.Stop()
		return err
	}

	logger.Info("chatrelay running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", backend.Model(),
		"allowed_channels", len(allow),
		"max_input_chars", cfg.Limits.MaxInputChars,
	)

	// Workers keep their own context so queued messages finish after the
	// signal; it is only cancelled when shutdown times out.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(workCtx, manager.Messages()) })
	g.Go(func() error { return watcher.Run(workCtx, manager.MembershipUpdates()) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping...")
		// Closing the streams lets Run drain and return; sends keep
		// working until Close below.
		manager.StopReceiving()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-waitAfter(ctx, shutdownTimeout):
		logger.Warn("shutdown timed out, cancelling in-flight requests", "timeout", shutdownTimeout)
		cancelWork()
		runErr = <-done
	}

	manager.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("shutdown complete", "sessions", store.Count())
	return nil
}

// waitAfter fires d after ctx is done.
func waitAfter(ctx context.Context, d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		<-ctx.Done()
		ch <- <-time.After(d)
	}()
	return ch
}
