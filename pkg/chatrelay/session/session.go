// Package session keeps one running conversation per addressable chat context.
// Sessions are created lazily on first use, live in memory only and are
// removed on explicit eviction or, when configured, after an idle period.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxHistory is the default number of turns kept per session.
const DefaultMaxHistory = 100

// ErrSessionInit is returned by GetOrCreate when the session initializer fails.
var ErrSessionInit = errors.New("session initialization failed")

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Key identifies a conversation context: one private chat, group or channel
// on one transport.
type Key struct {
	Channel string // "telegram", "console"
	ChatID  string
}

// String returns the canonical "channel:chatID" form.
func (k Key) String() string {
	return k.Channel + ":" + k.ChatID
}

// ParseKey parses a "channel:chatID" string. Chat IDs may contain colons.
func ParseKey(s string) Key {
	channel, chatID, ok := strings.Cut(s, ":")
	if !ok {
		return Key{ChatID: s}
	}
	return Key{Channel: channel, ChatID: chatID}
}

// Turn is one role-tagged message in a session's history.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Session is the conversation state of one context.
type Session struct {
	Key       Key
	CreatedAt time.Time

	history      []Turn
	maxHistory   int
	lastActiveAt time.Time

	mu sync.RWMutex
}

func newSession(key Key, maxHistory int) *Session {
	now := time.Now()
	return &Session{
		Key:          key,
		CreatedAt:    now,
		history:      []Turn{},
		maxHistory:   maxHistory,
		lastActiveAt: now,
	}
}

// append adds turns and trims the oldest ones beyond maxHistory.
func (s *Session) append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, turns...)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	s.lastActiveAt = time.Now()
}

// History returns a copy of the session's turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of turns in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// LastActiveAt returns the time of the last recorded turn (or creation).
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Initializer prepares the backend side of a new session. It runs once per
// created session, outside the store lock.
type Initializer func(ctx context.Context, key Key) error

// Config configures a Store.
type Config struct {
	// MaxHistory caps the turns kept per session (0 = unlimited).
	MaxHistory int `yaml:"max_history"`

	// IdleTTL removes sessions idle longer than this when pruning is scheduled.
	// Zero disables pruning.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// PruneSchedule is the cron spec for the pruning job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// DefaultConfig returns the store defaults: capped history, no idle pruning.
func DefaultConfig() Config {
	return Config{
		MaxHistory:    DefaultMaxHistory,
		PruneSchedule: "@every 30m",
	}
}

// Store maps context keys to sessions.
type Store struct {
	sessions   map[string]*Session
	maxHistory int
	init       Initializer
	creating   singleflight.Group
	logger     *slog.Logger

	mu sync.RWMutex
}

// NewStore creates an empty store. init may be nil.
func NewStore(cfg Config, init Initializer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistory < 0 {
		cfg.MaxHistory = 0
	}
	return &Store{
		sessions:   make(map[string]*Session),
		maxHistory: cfg.MaxHistory,
		init:       init,
		logger:     logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the session for key, creating it on first use.
// Concurrent callers for the same key share a single creation. When the
// initializer fails nothing is stored and the error wraps ErrSessionInit.
// A caller whose ctx ends while waiting gets ctx.Err(); the creation itself
// runs on for the other callers.
func (ss *Store) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	id := key.String()

	ss.mu.RLock()
	if s, ok := ss.sessions[id]; ok {
		ss.mu.RUnlock()
		return s, nil
	}
	ss.mu.RUnlock()

	// The flight is shared, so it must not die with the caller that started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := ss.creating.DoChan(id, func() (any, error) {
		// Double-check: a previous flight may have finished in between.
		ss.mu.RLock()
		if s, ok := ss.sessions[id]; ok {
			ss.mu.RUnlock()
			return s, nil
		}
		ss.mu.RUnlock()

		if ss.init != nil {
			if err := ss.init(flightCtx, key); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrSessionInit, id, err)
			}
		}

		s := newSession(key, ss.maxHistory)

		ss.mu.Lock()
		ss.sessions[id] = s
		total := len(ss.sessions)
		ss.mu.Unlock()

		ss.logger.Info("session created",
			"channel", key.Channel,
			"chat_id", key.ChatID,
			"sessions", total,
		)
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the session for key, or nil.
func (ss *Store) Get(key Key) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[key.String()]
}

// Evict removes the session for key. It reports whether one existed.
func (ss *Store) Evict(key Key) bool {
	id := key.String()

	ss.mu.Lock()
	_, exists := ss.sessions[id]
	delete(ss.sessions, id)
	ss.mu.Unlock()

	if exists {
		ss.logger.Info("session evicted", "channel", key.Channel, "chat_id", key.ChatID)
	}
	return exists
}

// RecordTurn appends one turn to the session for key. It is a no-op and
// returns false when no session exists.
func (ss *Store) RecordTurn(key Key, role Role, text string) bool {
	s := ss.Get(key)
	if s == nil {
		return false
	}
	s.append(Turn{Role: role, Content: text, Timestamp: time.Now()})
	return true
}

// RecordExchange appends a user turn and the assistant reply as one step,
// so concurrent readers never observe half an exchange.
func (ss *Store) RecordExchange(key Key, userText, assistantText string) bool {
	s := ss.Get(key)
	if s == nil {
		return false
	}
	now := time.Now()
	s.append(
		Turn{Role: RoleUser, Content: userText, Timestamp: now},
		Turn{Role: RoleAssistant, Content: assistantText, Timestamp: now},
	)
	return true
}

// Count returns the number of live sessions.
func (ss *Store) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Meta is read-only session metadata for listings.
type Meta struct {
	Key          Key
	Turns        int
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// List returns metadata for every live session.
func (ss *Store) List() []Meta {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	out := make([]Meta, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		s.mu.RLock()
		out = append(out, Meta{
			Key:          s.Key,
			Turns:        len(s.history),
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.lastActiveAt,
		})
		s.mu.RUnlock()
	}
	return out
}

// Prune removes sessions idle for longer than ttl and returns how many were
// removed. A non-positive ttl removes nothing.
func (ss *Store) Prune(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	pruned := 0
	for id, s := range ss.sessions {
		if s.LastActiveAt().Before(cutoff) {
			delete(ss.sessions, id)
			pruned++
		}
	}

	if pruned > 0 {
		ss.logger.Info("idle sessions pruned",
			"pruned", pruned,
			"remaining", len(ss.sessions),
		)
	}
	return pruned
}
