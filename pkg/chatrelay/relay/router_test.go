package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

func TestRouter_DirectMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	msg := directMsg("hello <world>")

	h.router.Handle(context.Background(), msg)

	require.Equal(t, 1, h.backend.callCount())
	assert.Equal(t, "hello <world>", h.backend.calls[0].text)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "telegram", sent[0].channel)
	assert.Equal(t, "7", sent[0].to)
	assert.Equal(t, "echo: hello &lt;world&gt;", sent[0].msg.Content)
	assert.Equal(t, 1, h.sender.typing)

	s := h.store.Get(keyOf(msg))
	require.NotNil(t, s)
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "hello <world>", history[0].Content)
	assert.Equal(t, "echo: hello <world>", history[1].Content)
}

func TestRouter_ReusesSessionAndSendsHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	h.router.Handle(context.Background(), directMsg("one"))
	h.router.Handle(context.Background(), directMsg("two"))

	assert.Equal(t, 1, h.backend.startCount())
	assert.Equal(t, 1, h.store.Count())
	require.Equal(t, 2, h.backend.callCount())
	assert.Empty(t, h.backend.calls[0].history)
	require.Len(t, h.backend.calls[1].history, 2)
	assert.Equal(t, "one", h.backend.calls[1].history[0].Content)
}

func TestRouter_GroupMention(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	h.router.Handle(context.Background(), groupMsg("@relay_bot hello"))

	require.Equal(t, 1, h.backend.callCount())
	assert.Equal(t, "hello", h.backend.calls[0].text)
	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "echo: hello", sent[0].msg.Content)
}

func TestRouter_RejectedEventsTouchNothing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   func(h *harness)
	}{
		{"group without mention", func(h *harness) { h.router.Handle(context.Background(), groupMsg("hi")) }},
		{"group mention only", func(h *harness) { h.router.Handle(context.Background(), groupMsg("@relay_bot")) }},
		{"channel outside allow-list", func(h *harness) { h.router.Handle(context.Background(), channelMsg("-100999", "post")) }},
		{"empty direct", func(h *harness) { h.router.Handle(context.Background(), directMsg("   ")) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(nil)
			tc.in(h)
			assert.Zero(t, h.backend.callCount())
			assert.Zero(t, h.backend.startCount())
			assert.Zero(t, h.store.Count())
			assert.Empty(t, h.sender.messages())
		})
	}
}

func TestRouter_AllowListedChannelPostsPlainReply(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	h.router.Handle(context.Background(), channelMsg("-1001234", "news"))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "-1001234", sent[0].to)
	assert.Empty(t, sent[0].msg.ReplyTo, "channel replies are plain posts")
	assert.Equal(t, 1, h.store.Count())
}

func TestRouter_LengthGuard(t *testing.T) {
	t.Parallel()

	t.Run("cap plus one", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		msg := directMsg(strings.Repeat("x", 3001))

		h.router.Handle(context.Background(), msg)

		assert.Zero(t, h.backend.callCount())
		assert.Zero(t, h.store.Count(), "no session for over-long input")
		sent := h.sender.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, "The message is too long (3001 chars). Max 3000 chars. Shorter message please.", sent[0].msg.Content)
		assert.Equal(t, msg.ID, sent[0].msg.ReplyTo)
	})

	t.Run("exactly at cap", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), directMsg(strings.Repeat("x", 3000)))
		assert.Equal(t, 1, h.backend.callCount())
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), directMsg(strings.Repeat("é", 3000)))
		assert.Equal(t, 1, h.backend.callCount())
	})
}

func TestRouter_SessionInitFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.backend.startErr = errors.New("backend down")

	h.router.Handle(context.Background(), directMsg("hi"))

	assert.Zero(t, h.backend.callCount())
	assert.Zero(t, h.store.Count())
	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, msgSessionInit, sent[0].msg.Content)

	// The next event retries.
	h.backend.mu.Lock()
	h.backend.startErr = nil
	h.backend.mu.Unlock()
	h.router.Handle(context.Background(), directMsg("hi again"))
	assert.Equal(t, 1, h.store.Count())
	assert.Equal(t, 1, h.backend.callCount())
}

func TestRouter_BackendErrors(t *testing.T) {
	t.Parallel()

	kinds := []llm.ErrorKind{
		llm.KindContextLength, llm.KindAuth, llm.KindQuota, llm.KindRateLimit,
		llm.KindBadRequest, llm.KindModelNotFound, llm.KindUnavailable,
		llm.KindEmptyResponse, llm.KindUnknown,
	}

	seen := map[string]llm.ErrorKind{}
	for _, kind := range kinds {
		msg := backendErrorMessage(kind)
		if prev, dup := seen[msg]; dup && kind != llm.KindUnknown {
			t.Errorf("kinds %q and %q share a message", prev, kind)
		}
		seen[msg] = kind
	}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			h := newHarness(nil)
			h.backend.err = &llm.Error{Kind: kind}
			msg := directMsg("hi")

			h.router.Handle(context.Background(), msg)

			sent := h.sender.messages()
			require.Len(t, sent, 1, "exactly one user-visible message")
			assert.Equal(t, EscapeHTML(backendErrorMessage(kind)), sent[0].msg.Content)
			assert.Equal(t, msg.ID, sent[0].msg.ReplyTo)

			s := h.store.Get(keyOf(msg))
			require.NotNil(t, s)
			assert.Zero(t, s.Len(), "failed calls are not recorded")
		})
	}
}

func TestRouter_BackendTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(func(c *RouterConfig) { c.BackendTimeout = 30 * time.Millisecond })
	h.backend.waitForCx = true
	msg := directMsg("slow")

	h.router.Handle(context.Background(), msg)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, backendErrorMessage(llm.KindTimeout), sent[0].msg.Content)
	assert.Zero(t, h.store.Get(keyOf(msg)).Len())
}

func TestRouter_NotConfigured(t *testing.T) {
	t.Parallel()

	t.Run("private chat is told", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.backend.startErr = &llm.Error{Kind: llm.KindNotConfigured, Err: llm.ErrNotConfigured}
		h.router.Handle(context.Background(), directMsg("hi"))

		sent := h.sender.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, msgNotConfigured, sent[0].msg.Content)
	})

	t.Run("group stays silent", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.backend.startErr = &llm.Error{Kind: llm.KindNotConfigured, Err: llm.ErrNotConfigured}
		h.router.Handle(context.Background(), groupMsg("@relay_bot hi"))
		assert.Empty(t, h.sender.messages())
	})
}

func TestRouter_LongReplyIsSegmented(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.backend.reply = func(string) string { return strings.Repeat("z", 9000) }
	msg := directMsg("write a lot")

	h.router.Handle(context.Background(), msg)

	sent := h.sender.messages()
	require.Len(t, sent, 3)
	for i, s := range sent {
		assert.True(t, strings.HasPrefix(s.msg.Content, fmt.Sprintf("(Part %d/3)\n\n", i+1)), "part %d: %q", i+1, s.msg.Content[:20])
		assert.LessOrEqual(t, len([]rune(s.msg.Content)), 4096)
	}
	assert.Equal(t, 2, h.store.Get(keyOf(msg)).Len())
}

func TestRouter_SendFailureAbortsRemainingChunks(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.backend.reply = func(string) string { return strings.Repeat("z", 9000) }
	h.sender.failAt = 2

	h.router.Handle(context.Background(), directMsg("write a lot"))

	sent := h.sender.messages()
	require.Len(t, sent, 1, "chunks after the failed one are not sent")
	assert.True(t, strings.HasPrefix(sent[0].msg.Content, "(Part 1/3)"))
	assert.Equal(t, 2, h.sender.attempt)
}

func TestRouter_SessionEvictedDuringRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	msg := directMsg("hi")
	h.backend.reply = func(text string) string {
		h.store.Evict(keyOf(msg))
		return "late: " + text
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	router := NewRouter(RouterConfig{
		Limits:         Limits{MaxInputChars: 3000, MaxOutputChars: 4096},
		BackendTimeout: time.Second,
	}, h.store, h.backend, h.sender, logger)

	router.Handle(context.Background(), msg)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "late: hi", sent[0].msg.Content)
	assert.Nil(t, h.store.Get(keyOf(msg)))
	assert.Contains(t, logs.String(), "exchange not recorded")
}

func TestRouter_StartCommand(t *testing.T) {
	t.Parallel()

	t.Run("private", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), directMsg("/start"))
		sent := h.sender.messages()
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0].msg.Content, "Hi Ana!")
		assert.Zero(t, h.backend.callCount())
	})

	t.Run("group addressed to us", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), groupMsg("/start@relay_bot"))
		sent := h.sender.messages()
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0].msg.Content, "Mention me (e.g. @relay_bot)")
	})

	t.Run("allow-listed channel", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), channelMsg("-1001234", "/start"))
		sent := h.sender.messages()
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0].msg.Content, "active in this channel")
		assert.Empty(t, sent[0].msg.ReplyTo)
	})

	t.Run("other channel ignored", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), channelMsg("-100999", "/start"))
		assert.Empty(t, h.sender.messages())
	})

	t.Run("addressed to another bot", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), groupMsg("/start@other_bot"))
		assert.Empty(t, h.sender.messages())
		assert.Zero(t, h.backend.callCount())
	})
}

func TestRouter_ResetCommand(t *testing.T) {
	t.Parallel()

	t.Run("private evicts session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), directMsg("hello"))
		require.Equal(t, 1, h.store.Count())

		h.router.Handle(context.Background(), directMsg("/reset"))
		assert.Zero(t, h.store.Count())
		sent := h.sender.messages()
		require.Len(t, sent, 2)
		assert.Equal(t, msgResetDone, sent[1].msg.Content)

		h.router.Handle(context.Background(), directMsg("/reset"))
		assert.Equal(t, msgResetNothing, h.sender.messages()[2].msg.Content)
	})

	t.Run("group requires explicit target", func(t *testing.T) {
		t.Parallel()
		h := newHarness(nil)
		h.router.Handle(context.Background(), groupMsg("@relay_bot hello"))
		require.Equal(t, 1, h.store.Count())

		h.router.Handle(context.Background(), groupMsg("/reset"))
		assert.Equal(t, 1, h.store.Count())

		h.router.Handle(context.Background(), groupMsg("/reset@relay_bot"))
		assert.Zero(t, h.store.Count())
	})
}

func TestRouter_UnknownCommandFallsThrough(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.router.Handle(context.Background(), directMsg("/help me"))
	require.Equal(t, 1, h.backend.callCount())
	assert.Equal(t, "/help me", h.backend.calls[0].text)
}

func TestRouter_NotifyFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	h.router.NotifyFailure(context.Background(), groupMsg("@relay_bot hi"))
	assert.Empty(t, h.sender.messages())

	h.router.NotifyFailure(context.Background(), directMsg("hi"))
	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, msgInternalError, sent[0].msg.Content)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		name   string
		target string
		ok     bool
	}{
		{"/start", "start", "", true},
		{"/Start@Relay_Bot extra", "start", "Relay_Bot", true},
		{"/reset\nmore", "reset", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "bot", false},
	}
	for _, tt := range tests {
		name, target, ok := parseCommand(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.target, target, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
