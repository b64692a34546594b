// Package channels defines the interfaces and types for chatrelay messaging
// channels. A channel (Telegram, the local console) implements the Channel
// interface to receive and send messages in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Surface identifies the kind of conversation an event originates from.
type Surface string

const (
	// SurfaceDirect is a one-to-one private chat with the bot.
	SurfaceDirect Surface = "direct"

	// SurfaceGroup is a multi-user chat where the bot must be mentioned.
	SurfaceGroup Surface = "group"

	// SurfaceChannel is a broadcast channel the bot administers.
	SurfaceChannel Surface = "channel"
)

// MemberStatus is the bot's membership status in a chat.
type MemberStatus string

const (
	StatusCreator       MemberStatus = "creator"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
	StatusRestricted    MemberStatus = "restricted"
	StatusLeft          MemberStatus = "left"
	StatusKicked        MemberStatus = "kicked"
)

// Removed reports whether the status means the bot is no longer in the chat.
func (s MemberStatus) Removed() bool {
	return s == StatusLeft || s == StatusKicked
}

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MembershipChannel extends Channel with updates about the bot's own
// membership in chats (added, promoted, removed).
type MembershipChannel interface {
	Channel

	// MembershipUpdates returns a Go channel that emits membership transitions.
	MembershipUpdates() <-chan *MembershipUpdate
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the chat.
	SendTyping(ctx context.Context, to string) error
}

// ReceiveStopper is implemented by channels that can stop taking in new
// messages while still sending. Disconnect remains the final step.
type ReceiveStopper interface {
	StopReceiving()
}

// IncomingMessage represents a text message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// Surface is the kind of chat the message was posted in.
	Surface Surface

	// ChatID is the private chat, group or channel identifier.
	ChatID string

	// From is the sender identifier on the platform. Empty for channel posts.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// Content is the text content of the message.
	Content string

	// BotHandle is the bot's own username on the platform, without "@".
	BotHandle string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// MembershipUpdate describes a change of the bot's status in a chat.
type MembershipUpdate struct {
	Channel   string
	ChatID    string
	ChatType  Surface
	ChatTitle string
	OldStatus MemberStatus
	NewStatus MemberStatus

	// CanPost is set for administrators of broadcast channels.
	CanPost bool

	BotHandle string
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message, already escaped for the
	// channel's markup.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
