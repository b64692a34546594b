// Package console implements a local chat channel on top of
// github.com/chzyer/readline. Every line typed is delivered to the relay as
// a private message, and replies are printed back to the terminal.
package console

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
)

const (
	// ChannelName is the channel identifier used for routing.
	ChannelName = "console"

	// ChatID is the single conversation the console carries.
	ChatID = "console"
)

// Config configures the console channel.
type Config struct {
	Prompt      string
	HistoryFile string

	// User is reported as the sender of every line.
	User string
}

// DefaultConfig returns the console defaults.
func DefaultConfig() Config {
	return Config{
		Prompt: "you> ",
		User:   "local",
	}
}

// LineReader is the subset of *readline.Instance the console uses.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Channel for an interactive terminal.
type Console struct {
	cfg    Config
	reader LineReader
	out    io.Writer
	logger *slog.Logger

	messages chan *channels.IncomingMessage
	done     chan struct{}
	doneOnce sync.Once

	connected atomic.Bool
	seq       atomic.Int64
	lastMsgAt atomic.Int64

	outMu sync.Mutex
}

// New creates a console channel reading from a readline terminal.
func New(cfg Config, logger *slog.Logger) *Console {
	return newConsole(cfg, nil, nil, logger)
}

// NewWithReader creates a console channel over an arbitrary line reader and
// output, e.g. for scripted sessions.
func NewWithReader(cfg Config, reader LineReader, out io.Writer, logger *slog.Logger) *Console {
	return newConsole(cfg, reader, out, logger)
}

func newConsole(cfg Config, reader LineReader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.User == "" {
		cfg.User = def.User
	}
	return &Console{
		cfg:      cfg,
		reader:   reader,
		out:      out,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns the channel identifier.
func (c *Console) Name() string { return ChannelName }

// Connect opens the terminal (unless a reader was supplied) and starts
// reading lines.
func (c *Console) Connect(ctx context.Context) error {
	if c.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.cfg.Prompt,
			HistoryFile:     c.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("%w: %w", channels.ErrConnectionFailed, err)
		}
		c.reader = rl
		if c.out == nil {
			c.out = rl.Stdout()
		}
	}
	if c.out == nil {
		c.out = io.Discard
	}

	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the terminal and stops the read loop.
func (c *Console) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	return c.reader.Close()
}

// Send prints a reply. Replies arrive HTML-escaped for Telegram and are
// unescaped for the terminal.
func (c *Console) Send(_ context.Context, to string, message *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if to != ChatID {
		return fmt.Errorf("%w: unknown console chat %q", channels.ErrSendFailed, to)
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.out, "bot> %s\n", html.UnescapeString(message.Content)); err != nil {
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// SendTyping prints nothing; the prompt already blocks until the reply.
func (c *Console) SendTyping(context.Context, string) error { return nil }

// Receive returns the stream of typed lines.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// Done is closed when the user ends the session (EOF, /exit or /quit).
func (c *Console) Done() <-chan struct{} { return c.done }

// IsConnected reports whether the console is reading input.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the console health status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: c.connected.Load()}
	if ts := c.lastMsgAt.Load(); ts > 0 {
		h.LastMessageAt = time.Unix(0, ts)
	}
	return h
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.messages)
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		line, err := c.reader.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) && c.connected.Load() {
				c.logger.Error("console read failed", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "/exit", "/quit":
			return
		}

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   ChannelName,
			Surface:   channels.SurfaceDirect,
			ChatID:    ChatID,
			From:      c.cfg.User,
			FromName:  c.cfg.User,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsgAt.Store(msg.Timestamp.UnixNano())

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}
