package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name       string
	connectErr error

	mu        sync.Mutex
	connected bool
	sent      []string
	typing    int

	in          chan *IncomingMessage
	memberships chan *MembershipUpdate
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:        name,
		in:          make(chan *IncomingMessage, 4),
		memberships: make(chan *MembershipUpdate, 4),
	}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to string, msg *OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+msg.Content)
	return nil
}

func (f *fakeChannel) SendTyping(context.Context, string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }

func (f *fakeChannel) MembershipUpdates() <-chan *MembershipUpdate { return f.memberships }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

func TestManager_RegisterDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Register(newFakeChannel("telegram")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(newFakeChannel("telegram")); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestManager_ForwardsMessagesAndMemberships(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	ch := newFakeChannel("telegram")
	if err := m.Register(ch); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.in <- &IncomingMessage{ID: "1", Channel: "telegram", Content: "hi"}
	ch.memberships <- &MembershipUpdate{Channel: "telegram", ChatID: "-100"}

	select {
	case msg := <-m.Messages():
		if msg.Content != "hi" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}
	select {
	case upd := <-m.MembershipUpdates():
		if upd.ChatID != "-100" {
			t.Errorf("chat = %q", upd.ChatID)
		}
	case <-time.After(time.Second):
		t.Fatal("membership update not forwarded")
	}

	m.Stop()
	if _, ok := <-m.Messages(); ok {
		t.Error("messages stream should be closed after Stop")
	}
	if ch.IsConnected() {
		t.Error("channel should be disconnected after Stop")
	}
}

func TestManager_StartFailsWhenNothingConnects(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	ch := newFakeChannel("telegram")
	ch.connectErr = errors.New("bad token")
	if err := m.Register(ch); err != nil {
		t.Fatal(err)
	}

	err := m.Start(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("err = %v, want ErrConnectionFailed", err)
	}
}

func TestManager_SendRouting(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	ch := newFakeChannel("telegram")
	if err := m.Register(ch); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := m.Send(ctx, "telegram", "1", &OutgoingMessage{Content: "x"}); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("send before connect: err = %v", err)
	}
	if err := m.Send(ctx, "slack", "1", &OutgoingMessage{Content: "x"}); err == nil {
		t.Error("send to unknown channel should fail")
	}

	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.Send(ctx, "telegram", "42", &OutgoingMessage{Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.SendTyping(ctx, "telegram", "42"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if err := m.SendTyping(ctx, "slack", "42"); err != nil {
		t.Errorf("typing on unknown channel should be a no-op, got %v", err)
	}

	ch.mu.Lock()
	sent, typing := append([]string(nil), ch.sent...), ch.typing
	ch.mu.Unlock()
	if len(sent) != 1 || sent[0] != "42:hello" || typing != 1 {
		t.Errorf("sent = %v typing = %d", sent, typing)
	}

	if h := m.HealthAll()["telegram"]; !h.Connected {
		t.Error("health should report connected")
	}
}

type stoppableChannel struct {
	*fakeChannel
	stopped bool
}

func (s *stoppableChannel) StopReceiving() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func TestManager_SendsWhileDraining(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	ch := &stoppableChannel{fakeChannel: newFakeChannel("telegram")}
	if err := m.Register(ch); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	m.StopReceiving()
	if _, ok := <-m.Messages(); ok {
		t.Error("messages stream should be closed after StopReceiving")
	}
	ch.mu.Lock()
	stopped := ch.stopped
	ch.mu.Unlock()
	if !stopped {
		t.Error("channel intake should be stopped")
	}

	if err := m.Send(ctx, "telegram", "1", &OutgoingMessage{Content: "late reply"}); err != nil {
		t.Fatalf("send during drain: %v", err)
	}

	m.Close()
	if err := m.Send(ctx, "telegram", "1", &OutgoingMessage{Content: "x"}); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("send after Close: err = %v", err)
	}

	// Stop after a drained shutdown must not close the streams twice.
	m.Stop()
}
