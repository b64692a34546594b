package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

// Watcher reacts to the bot's own membership changes in broadcast channels:
// it greets allow-listed channels when promoted with post rights and drops
// the conversation when the bot is removed.
type Watcher struct {
	store  Sessions
	sender Sender
	allow  AllowList
	logger *slog.Logger
}

// NewWatcher creates a membership watcher.
func NewWatcher(store Sessions, sender Sender, allow AllowList, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if allow == nil {
		allow = AllowList{}
	}
	return &Watcher{
		store:  store,
		sender: sender,
		allow:  allow,
		logger: logger.With("component", "membership"),
	}
}

// Run consumes updates until the stream closes or ctx is done.
func (w *Watcher) Run(ctx context.Context, updates <-chan *channels.MembershipUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			w.Handle(ctx, upd)
		}
	}
}

// Handle applies one membership transition.
func (w *Watcher) Handle(ctx context.Context, upd *channels.MembershipUpdate) {
	logger := w.logger.With(
		"channel", upd.Channel,
		"chat_id", upd.ChatID,
		"chat_type", upd.ChatType,
		"title", upd.ChatTitle,
	)
	logger.Info("bot membership changed", "old_status", upd.OldStatus, "new_status", upd.NewStatus)

	if upd.ChatType != channels.SurfaceChannel {
		return
	}

	key := session.Key{Channel: upd.Channel, ChatID: upd.ChatID}

	if upd.NewStatus.Removed() {
		if w.store.Evict(key) {
			logger.Info("bot removed from channel, session cleared")
		} else {
			logger.Info("bot removed from channel")
		}
		return
	}

	if !w.allow.Contains(upd.ChatID) {
		logger.Info("membership changed in channel outside allow-list; it will not be answered")
		return
	}

	if upd.NewStatus != channels.StatusAdministrator {
		return
	}

	if !upd.CanPost {
		logger.Warn("bot is administrator in allow-listed channel but lacks post permission")
		return
	}

	logger.Info("bot is administrator with post permission in allow-listed channel")
	name := upd.BotHandle
	if name == "" {
		name = "The bot"
	}
	greeting := &channels.OutgoingMessage{Content: EscapeHTML(fmt.Sprintf(msgChannelHello, name))}
	if err := w.sender.Send(ctx, upd.Channel, upd.ChatID, greeting); err != nil {
		logger.Error("failed to send channel greeting", "error", err)
	}
}
