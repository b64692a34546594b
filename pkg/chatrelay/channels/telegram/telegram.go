// Package telegram connects chatrelay to the Telegram Bot API over plain
// HTTP long polling. It reports text from private chats, groups and
// channel posts, plus the bot's own membership changes (my_chat_member),
// and sends HTML replies and typing indicators.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
)

// DefaultAPIBaseURL is the public Bot API endpoint.
const DefaultAPIBaseURL = "https://api.telegram.org"

const (
	channelName = "telegram"
	pollLimit   = 100
	maxBackoff  = 30 * time.Second
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the bot token issued by @BotFather.
	Token string `yaml:"token"`

	// BotUsername replaces the getMe username for mention matching.
	BotUsername string `yaml:"bot_username"`

	// AllowedChannelIDs lists the broadcast channels the bot answers in.
	AllowedChannelIDs []int64 `yaml:"allowed_channel_ids"`

	SendTyping bool `yaml:"send_typing"`

	// ParseMode for outgoing text; "" sends plain text.
	ParseMode string `yaml:"parse_mode"`

	PollTimeout time.Duration `yaml:"poll_timeout"`

	// APIBaseURL points at a local Bot API server or a test double.
	APIBaseURL string `yaml:"api_base_url"`
}

// DefaultConfig returns the Telegram defaults: HTML replies, typing on,
// 30s long polls.
func DefaultConfig() Config {
	return Config{
		SendTyping:  true,
		ParseMode:   "HTML",
		PollTimeout: 30 * time.Second,
		APIBaseURL:  DefaultAPIBaseURL,
	}
}

// Telegram is a channels.MembershipChannel and channels.PresenceChannel.
type Telegram struct {
	cfg    Config
	api    *botAPI
	logger *slog.Logger

	messages    chan *channels.IncomingMessage
	memberships chan *channels.MembershipUpdate

	connected  atomic.Bool
	lastMsgAt  atomic.Int64 // unix nanos
	errorCount atomic.Int64

	mu          sync.RWMutex
	botUsername string
	botID       int64

	// nextOffset acknowledges every update below it. Only pollLoop touches it.
	nextOffset int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel. Nothing is contacted until Connect.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	return &Telegram{
		cfg: cfg,
		api: &botAPI{
			endpoint: strings.TrimRight(cfg.APIBaseURL, "/") + "/bot" + cfg.Token,
			// Long polls hold the request for PollTimeout.
			http: &http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
		},
		logger:      logger.With("component", channelName),
		messages:    make(chan *channels.IncomingMessage, 256),
		memberships: make(chan *channels.MembershipUpdate, 64),
		botUsername: strings.TrimPrefix(cfg.BotUsername, "@"),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return channelName }

// Connect checks the token with getMe and starts polling. Calling it on a
// connected channel is a no-op.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return errors.New("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	var me tgUser
	if err := t.api.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return fmt.Errorf("%w: telegram getMe: %w", channels.ErrConnectionFailed, err)
	}

	t.mu.Lock()
	if t.botUsername == "" {
		t.botUsername = me.Username
	}
	t.botID = me.ID
	handle := t.botUsername
	t.mu.Unlock()

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.connected.Store(true)
	go t.pollLoop(pollCtx)

	t.logger.Info("connected", "bot", handle, "bot_id", me.ID)
	return nil
}

// StopReceiving ends long polling and waits for the loop to exit. Send
// keeps working until Disconnect.
func (t *Telegram) StopReceiving() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
}

// Disconnect stops polling and marks the channel disconnected.
func (t *Telegram) Disconnect() error {
	t.StopReceiving()
	t.connected.Store(false)
	t.logger.Info("disconnected")
	return nil
}

// Send posts message to chat to, as a reply when ReplyTo is set.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: chat ID %q is not numeric", channels.ErrSendFailed, to)
	}

	req := sendMessageRequest{
		ChatID:    chatID,
		Text:      message.Content,
		ParseMode: t.cfg.ParseMode,
	}
	if replyID, err := strconv.ParseInt(message.ReplyTo, 10, 64); err == nil {
		req.ReplyParameters = &replyParameters{MessageID: replyID, AllowSendingWithoutReply: true}
	}

	if err := t.api.call(ctx, "sendMessage", req, nil); err != nil {
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// SendTyping shows "typing..." in the chat. It is a no-op when disabled,
// disconnected or for non-numeric chat IDs.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.cfg.SendTyping || !t.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	return t.api.call(ctx, "sendChatAction", chatActionRequest{ChatID: chatID, Action: "typing"}, nil)
}

// Receive returns the incoming text messages.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage { return t.messages }

// MembershipUpdates returns the bot's own membership changes.
func (t *Telegram) MembershipUpdates() <-chan *channels.MembershipUpdate { return t.memberships }

func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health reports connectivity, the last message time and consecutive
// polling errors.
func (t *Telegram) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  t.connected.Load(),
		ErrorCount: int(t.errorCount.Load()),
		Details:    map[string]any{"bot_username": t.BotUsername()},
	}
	if ns := t.lastMsgAt.Load(); ns > 0 {
		h.LastMessageAt = time.Unix(0, ns)
	}
	return h
}

// BotUsername returns the bot's username without "@".
func (t *Telegram) BotUsername() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.botUsername
}

func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.done)
	t.logger.Debug("polling started", "timeout", t.cfg.PollTimeout)

	backoff := time.Second
	for ctx.Err() == nil {
		var updates []tgUpdate
		err := t.api.call(ctx, "getUpdates", getUpdatesRequest{
			Offset:         t.nextOffset,
			Limit:          pollLimit,
			Timeout:        int(t.cfg.PollTimeout / time.Second),
			AllowedUpdates: subscribedUpdates,
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := backoff
			if ra := retryAfter(err); ra > 0 {
				wait = ra
			}
			t.errorCount.Add(1)
			t.logger.Warn("getUpdates failed", "error", err, "retry_in", wait)

			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)
		for _, u := range updates {
			t.nextOffset = max(t.nextOffset, u.UpdateID+1)
			t.processUpdate(u)
		}
	}
	t.logger.Debug("polling stopped")
}

// processUpdate turns one update into an IncomingMessage or a
// MembershipUpdate. Non-text messages and unknown chat types are skipped.
func (t *Telegram) processUpdate(u tgUpdate) {
	if u.MyChatMember != nil {
		t.processMembership(u.MyChatMember)
		return
	}

	msg := u.Message
	if msg == nil {
		msg = u.ChannelPost
	}
	if msg == nil || msg.Text == "" {
		return
	}
	surface, ok := surfaceOf(msg.Chat.Type)
	if !ok {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   channelName,
		Surface:   surface,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   msg.Text,
		BotHandle: t.BotUsername(),
		Timestamp: time.Unix(msg.Date, 0),
	}
	// Channel posts carry no author; the channel title stands in.
	if msg.From != nil {
		incoming.From = strconv.FormatInt(msg.From.ID, 10)
		incoming.FromName = msg.From.displayName()
	} else {
		incoming.FromName = msg.Chat.Title
	}

	t.lastMsgAt.Store(time.Now().UnixNano())

	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("inbound queue full, message dropped",
			"chat_id", incoming.ChatID, "msg_id", incoming.ID)
	}
}

func (t *Telegram) processMembership(m *tgChatMemberUpdated) {
	surface, ok := surfaceOf(m.Chat.Type)
	if !ok {
		return
	}
	title := m.Chat.Title
	if title == "" {
		title = m.Chat.Username
	}

	upd := &channels.MembershipUpdate{
		Channel:   channelName,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		ChatType:  surface,
		ChatTitle: title,
		OldStatus: channels.MemberStatus(m.OldChatMember.Status),
		NewStatus: channels.MemberStatus(m.NewChatMember.Status),
		CanPost:   m.NewChatMember.CanPostMessages,
		BotHandle: t.BotUsername(),
	}

	select {
	case t.memberships <- upd:
	default:
		t.logger.Warn("membership queue full, update dropped", "chat_id", upd.ChatID)
	}
}

// surfaceOf maps a Telegram chat type to a relay surface.
func surfaceOf(chatType string) (channels.Surface, bool) {
	switch chatType {
	case "private":
		return channels.SurfaceDirect, true
	case "group", "supergroup":
		return channels.SurfaceGroup, true
	case "channel":
		return channels.SurfaceChannel, true
	}
	return "", false
}

var (
	_ channels.MembershipChannel = (*Telegram)(nil)
	_ channels.PresenceChannel   = (*Telegram)(nil)
	_ channels.ReceiveStopper    = (*Telegram)(nil)
)
