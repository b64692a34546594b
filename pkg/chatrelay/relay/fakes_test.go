package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

type completeCall struct {
	history []session.Turn
	text    string
}

// fakeBackend is a scripted Backend.
type fakeBackend struct {
	mu        sync.Mutex
	starts    int
	calls     []completeCall
	startErr  error
	reply     func(text string) string
	err       error
	delay     time.Duration
	waitForCx bool
}

func (b *fakeBackend) StartSession(ctx context.Context, key session.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return b.startErr
}

func (b *fakeBackend) Complete(ctx context.Context, history []session.Turn, text string) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, completeCall{history: history, text: text})
	delay, waitForCx, err, reply := b.delay, b.waitForCx, b.err, b.reply
	b.mu.Unlock()

	if waitForCx {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	if reply != nil {
		return reply(text), nil
	}
	return "echo: " + text, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

type sentMessage struct {
	channel string
	to      string
	msg     channels.OutgoingMessage
}

// fakeSender records outbound messages and can fail the n-th send.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	typing  int
	failAt  int // 1-based; 0 never fails
	attempt int
}

var errSendBoom = errors.New("send boom")

func (s *fakeSender) Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	if s.failAt > 0 && s.attempt == s.failAt {
		return errSendBoom
	}
	s.sent = append(s.sent, sentMessage{channel: channelName, to: to, msg: *msg})
	return nil
}

func (s *fakeSender) SendTyping(ctx context.Context, channelName, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// harness wires a Router to fakes and a real session store.
type harness struct {
	backend *fakeBackend
	sender  *fakeSender
	store   *session.Store
	router  *Router
}

func newHarness(mutate func(*RouterConfig)) *harness {
	backend := &fakeBackend{}
	sender := &fakeSender{}
	store := session.NewStore(session.DefaultConfig(), backend.StartSession, nil)

	cfg := RouterConfig{
		Limits:         Limits{MaxInputChars: 3000, MaxOutputChars: 4096},
		AllowList:      NewAllowList(-1001234),
		BackendTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &harness{
		backend: backend,
		sender:  sender,
		store:   store,
		router:  NewRouter(cfg, store, backend, sender, nil),
	}
}

func directMsg(text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID: "10", Channel: "telegram", Surface: channels.SurfaceDirect,
		ChatID: "7", From: "7", FromName: "Ana", Content: text, BotHandle: "relay_bot",
	}
}

func groupMsg(text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID: "11", Channel: "telegram", Surface: channels.SurfaceGroup,
		ChatID: "-500", From: "8", FromName: "Bob", Content: text, BotHandle: "relay_bot",
	}
}

func channelMsg(chatID, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID: "12", Channel: "telegram", Surface: channels.SurfaceChannel,
		ChatID: chatID, Content: text, BotHandle: "relay_bot",
	}
}

func keyOf(msg *channels.IncomingMessage) session.Key {
	return session.Key{Channel: msg.Channel, ChatID: msg.ChatID}
}
