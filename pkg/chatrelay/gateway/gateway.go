// Package gateway provides the liveness and health HTTP endpoints for chatrelay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
)

// Config configures the HTTP gateway.
type Config struct {
	// Address is the listen address, e.g. ":8080". PORT overrides the port.
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a Bearer token on /health.
	// /ping stays public.
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{Address: ":8080"}
}

// SessionCounter reports the number of live conversation sessions.
type SessionCounter interface {
	Count() int
}

// ChannelHealth reports the health of every registered channel.
type ChannelHealth interface {
	HealthAll() map[string]channels.HealthStatus
}

// Gateway is the HTTP server exposing /ping and /health.
type Gateway struct {
	config    Config
	sessions  SessionCounter
	channels  ChannelHealth
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway. Either source may be nil; the matching
// health fields are then reported as zero.
func New(cfg Config, sessions SessionCounter, chans ChannelHealth, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Gateway{
		config:    cfg,
		sessions:  sessions,
		channels:  chans,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the gateway's HTTP handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", g.handlePing)
	mux.HandleFunc("/health", g.handleHealth)
	return g.securityHeadersMiddleware(g.authMiddleware(mux))
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", g.config.Address, err)
	}
	g.listener = ln
	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
