// manager.go runs several channels at once, giving the relay a single
// stream of incoming messages and membership updates and routing replies
// back to the right channel.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager aggregates registered channels into one message stream and one
// membership stream, and routes outgoing messages by channel name.
type Manager struct {
	channels map[string]Channel

	messages    chan *IncomingMessage
	memberships chan *MembershipUpdate

	logger *slog.Logger

	// listenWg tracks listener goroutines so Stop can close the streams safely.
	listenWg sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		channels:    make(map[string]Channel),
		messages:    make(chan *IncomingMessage, 256),
		memberships: make(chan *MembershipUpdate, 64),
		logger:      logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every registered channel and begins forwarding its
// messages. Channels that fail to connect are logged and skipped; an error
// is returned only when none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}

		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listenChannel(c)
		}(ch)

		if mc, ok := ch.(MembershipChannel); ok {
			m.listenWg.Add(1)
			go func(c MembershipChannel) {
				defer m.listenWg.Done()
				m.listenMemberships(c)
			}(mc)
		}
	}

	if connected == 0 {
		return fmt.Errorf("%w: no channel connected", ErrConnectionFailed)
	}

	m.logger.Info("manager started", "channels_connected", connected)
	return nil
}

// StopReceiving stops intake from every channel and closes the aggregated
// streams. Channels stay connected so queued replies can still be sent;
// call Close once the consumers have drained.
func (m *Manager) StopReceiving() {
	m.stopOnce.Do(func() {
		m.mu.RLock()
		for _, ch := range m.channels {
			if rs, ok := ch.(ReceiveStopper); ok {
				rs.StopReceiving()
			}
		}
		m.mu.RUnlock()

		if m.cancel != nil {
			m.cancel()
		}
		m.listenWg.Wait()
		close(m.messages)
		close(m.memberships)
		m.logger.Info("intake stopped")
	})
}

// Close disconnects every channel.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect channel", "channel", name, "error", err)
		}
	}
	m.logger.Info("manager stopped")
}

// Stop is StopReceiving followed by Close.
func (m *Manager) Stop() {
	m.StopReceiving()
	m.Close()
}

// Messages returns the aggregated incoming message stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// MembershipUpdates returns the aggregated membership stream.
func (m *Manager) MembershipUpdates() <-chan *MembershipUpdate {
	return m.memberships
}

// Send delivers a message through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	ch, exists := m.Channel(channelName)
	if !exists {
		return fmt.Errorf("channel %q not found", channelName)
	}

	if !ch.IsConnected() {
		return fmt.Errorf("channel %q: %w", channelName, ErrChannelDisconnected)
	}

	return ch.Send(ctx, to, msg)
}

// SendTyping sends a typing indicator when the named channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channelName, to string) error {
	ch, exists := m.Channel(channelName)
	if !exists {
		return nil
	}
	if pc, ok := ch.(PresenceChannel); ok {
		return pc.SendTyping(ctx, to)
	}
	return nil
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

func (m *Manager) listenChannel(ch Channel) {
	in := ch.Receive()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) listenMemberships(ch MembershipChannel) {
	in := ch.MembershipUpdates()
	for {
		select {
		case <-m.ctx.Done():
			return
		case upd, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.memberships <- upd:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
