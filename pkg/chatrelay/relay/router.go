// Package relay turns inbound chat events into backend conversations and
// delivers the replies back in transport-sized pieces.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

// Default limits.
const (
	DefaultMaxInputChars  = 3000
	DefaultMaxOutputChars = 4096
)

// Backend is the generative AI service a conversation is relayed to.
type Backend interface {
	StartSession(ctx context.Context, key session.Key) error
	Complete(ctx context.Context, history []session.Turn, text string) (string, error)
}

// Sender delivers messages through a named channel.
type Sender interface {
	Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) error
	SendTyping(ctx context.Context, channelName, to string) error
}

// Sessions is the session store the Router works against.
type Sessions interface {
	GetOrCreate(ctx context.Context, key session.Key) (*session.Session, error)
	Evict(key session.Key) bool
	RecordExchange(key session.Key, userText, assistantText string) bool
}

// Limits bounds inbound and outbound message sizes, in characters.
type Limits struct {
	MaxInputChars  int `yaml:"max_input_chars"`
	MaxOutputChars int `yaml:"max_output_chars"`
}

// DefaultLimits returns the default size limits.
func DefaultLimits() Limits {
	return Limits{
		MaxInputChars:  DefaultMaxInputChars,
		MaxOutputChars: DefaultMaxOutputChars,
	}
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Limits         Limits
	AllowList      AllowList
	BackendTimeout time.Duration

	// BotName is used in greetings when the transport does not report a handle.
	BotName string
}

// Router runs one inbound event through admission, the session store, the
// backend and the segmenter, and sends the result.
type Router struct {
	cfg     RouterConfig
	store   Sessions
	backend Backend
	sender  Sender
	logger  *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig, store Sessions, backend Backend, sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limits.MaxInputChars <= 0 {
		cfg.Limits.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.Limits.MaxOutputChars <= 0 {
		cfg.Limits.MaxOutputChars = DefaultMaxOutputChars
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = llm.DefaultTimeout
	}
	if cfg.AllowList == nil {
		cfg.AllowList = AllowList{}
	}
	if cfg.BotName == "" {
		cfg.BotName = "chatrelay"
	}
	return &Router{
		cfg:     cfg,
		store:   store,
		backend: backend,
		sender:  sender,
		logger:  logger.With("component", "router"),
	}
}

// AllowList returns the channel allow-list the router enforces.
func (r *Router) AllowList() AllowList { return r.cfg.AllowList }

// Handle processes one inbound message. Every failure is handled here: the
// user gets at most one error message and nothing propagates.
func (r *Router) Handle(ctx context.Context, msg *channels.IncomingMessage) {
	logger := r.logger.With(
		"request_id", uuid.NewString(),
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"surface", msg.Surface,
	)
	key := session.Key{Channel: msg.Channel, ChatID: msg.ChatID}

	if r.handleCommand(ctx, msg, key, logger) {
		return
	}

	dec := Classify(Event{
		Surface:   msg.Surface,
		ContextID: msg.ChatID,
		Text:      msg.Content,
		BotHandle: msg.BotHandle,
	}, r.cfg.AllowList)
	if !dec.Accepted() {
		logger.Debug("event rejected", "reason", dec.Reason)
		return
	}
	logger.Info("event accepted", "verdict", dec.Verdict, "reason", dec.Reason)

	if n := utf8.RuneCountInString(dec.Text); n > r.cfg.Limits.MaxInputChars {
		logger.Warn("message too long", "chars", n, "max", r.cfg.Limits.MaxInputChars)
		r.reply(ctx, msg, dec.Verdict, tooLongMessage(n, r.cfg.Limits.MaxInputChars), logger)
		return
	}

	sess, err := r.store.GetOrCreate(ctx, key)
	if err != nil {
		logger.Error("session init failed", "error", err)
		if llm.KindOf(err) == llm.KindNotConfigured {
			r.notConfigured(ctx, msg, dec.Verdict, logger)
			return
		}
		r.reply(ctx, msg, dec.Verdict, msgSessionInit, logger)
		return
	}

	if err := r.sender.SendTyping(ctx, msg.Channel, msg.ChatID); err != nil {
		logger.Debug("typing indicator failed", "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	reply, err := r.backend.Complete(callCtx, sess.History(), dec.Text)
	deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		kind := llm.KindOf(err)
		if deadlineHit {
			kind = llm.KindTimeout
		}
		logger.Error("backend call failed", "kind", kind, "error", err)
		if kind == llm.KindNotConfigured {
			r.notConfigured(ctx, msg, dec.Verdict, logger)
			return
		}
		r.reply(ctx, msg, dec.Verdict, backendErrorMessage(kind), logger)
		return
	}

	chunks, truncated := Segment(EscapeHTML(reply), r.cfg.Limits.MaxOutputChars)
	if truncated > 0 {
		logger.Warn("segmentation anomaly: chunk content truncated",
			"chunks", len(chunks),
			"truncated", truncated,
			"hard_limit", r.cfg.Limits.MaxOutputChars,
		)
	}

	sent := r.sendChunks(ctx, msg, chunks, logger)

	// The backend produced a reply, so the exchange belongs to the
	// conversation even when delivery was cut short.
	if !r.store.RecordExchange(key, dec.Text, reply) {
		logger.Debug("exchange not recorded: session evicted during request")
	}

	logger.Info("reply delivered",
		"reply_chars", utf8.RuneCountInString(reply),
		"chunks", len(chunks),
		"sent", sent,
	)
}

// sendChunks sends chunks in order, each awaited before the next. A failed
// send aborts the remaining chunks. It returns how many were sent.
func (r *Router) sendChunks(ctx context.Context, msg *channels.IncomingMessage, chunks []Chunk, logger *slog.Logger) int {
	for i, c := range chunks {
		out := &channels.OutgoingMessage{Content: c.Render()}
		if err := r.sender.Send(ctx, msg.Channel, msg.ChatID, out); err != nil {
			logger.Error("send failed, aborting remaining chunks",
				"part", c.Index,
				"total", c.Total,
				"error", err,
			)
			return i
		}
	}
	return len(chunks)
}

// reply sends a single system message. Channel posts are plain; everything
// else quotes the triggering message.
func (r *Router) reply(ctx context.Context, msg *channels.IncomingMessage, verdict Verdict, text string, logger *slog.Logger) {
	out := &channels.OutgoingMessage{Content: EscapeHTML(text)}
	if verdict != VerdictChannel && msg.Surface != channels.SurfaceChannel {
		out.ReplyTo = msg.ID
	}
	if err := r.sender.Send(ctx, msg.Channel, msg.ChatID, out); err != nil {
		logger.Error("failed to send reply", "error", err)
	}
}

// notConfigured tells private users the backend is missing; other surfaces
// stay silent.
func (r *Router) notConfigured(ctx context.Context, msg *channels.IncomingMessage, verdict Verdict, logger *slog.Logger) {
	if msg.Surface != channels.SurfaceDirect {
		return
	}
	r.reply(ctx, msg, verdict, msgNotConfigured, logger)
}

// NotifyFailure tells a private user that handling their message crashed.
func (r *Router) NotifyFailure(ctx context.Context, msg *channels.IncomingMessage) {
	if msg == nil || msg.Surface != channels.SurfaceDirect {
		return
	}
	r.reply(ctx, msg, VerdictDirect, msgInternalError, r.logger.With("chat_id", msg.ChatID))
}

// ---------- Commands ----------

// parseCommand splits "/cmd@bot args" into ("cmd", "bot"). ok is false when
// text is not a command.
func parseCommand(text string) (name, target string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	token := text[1:]
	if i := strings.IndexFunc(token, func(c rune) bool { return c == ' ' || c == '\n' || c == '\t' }); i >= 0 {
		token = token[:i]
	}
	name, target, _ = strings.Cut(token, "@")
	return strings.ToLower(name), target, name != ""
}

// handleCommand runs /start and /reset. It returns true when the message was
// consumed, including commands addressed to another bot.
func (r *Router) handleCommand(ctx context.Context, msg *channels.IncomingMessage, key session.Key, logger *slog.Logger) bool {
	name, target, ok := parseCommand(msg.Content)
	if !ok {
		return false
	}
	if target != "" && !strings.EqualFold(target, msg.BotHandle) {
		logger.Debug("command for another bot ignored", "command", name, "target", target)
		return true
	}

	switch name {
	case "start":
		r.cmdStart(ctx, msg, logger)
		return true
	case "reset":
		return r.cmdReset(ctx, msg, key, target != "", logger)
	default:
		return false
	}
}

func (r *Router) botName(msg *channels.IncomingMessage) string {
	if msg.BotHandle != "" {
		return msg.BotHandle
	}
	return r.cfg.BotName
}

func (r *Router) cmdStart(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	name := msg.FromName
	if name == "" {
		name = "there"
	}

	switch msg.Surface {
	case channels.SurfaceDirect:
		r.reply(ctx, msg, VerdictDirect, fmt.Sprintf(msgWelcomeDirect, name), logger)
	case channels.SurfaceGroup:
		r.reply(ctx, msg, VerdictMention, fmt.Sprintf(msgWelcomeGroup, name, r.botName(msg)), logger)
	case channels.SurfaceChannel:
		if !r.cfg.AllowList.Contains(msg.ChatID) {
			logger.Info("/start in channel outside allow-list ignored")
			return
		}
		r.reply(ctx, msg, VerdictChannel, fmt.Sprintf(msgChannelActive, r.botName(msg)), logger)
	}
	logger.Info("/start handled", "from", msg.From)
}

// cmdReset evicts the context's session. In groups it only applies when the
// command names this bot explicitly.
func (r *Router) cmdReset(ctx context.Context, msg *channels.IncomingMessage, key session.Key, addressed bool, logger *slog.Logger) bool {
	verdict := VerdictDirect
	switch msg.Surface {
	case channels.SurfaceGroup:
		if !addressed {
			return true
		}
		verdict = VerdictMention
	case channels.SurfaceChannel:
		if !r.cfg.AllowList.Contains(msg.ChatID) {
			return true
		}
		verdict = VerdictChannel
	}

	text := msgResetNothing
	if r.store.Evict(key) {
		text = msgResetDone
	}
	logger.Info("/reset handled", "from", msg.From)
	r.reply(ctx, msg, verdict, text, logger)
	return true
}
