package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered channels, fans their incoming messages into
// a single stream and routes outgoing messages back by channel name.
type Manager struct {
	channels map[string]Channel
	order    []string
	messages chan *IncomingMessage
	logger   *slog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Names must be unique.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.order = append(m.order, name)
	return nil
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Start connects every registered channel and starts forwarding their
// messages. A channel that fails to connect is logged and skipped; the
// error of the last failure is returned so callers can warn about it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		ch, _ := m.Get(name)
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			lastErr = fmt.Errorf("connecting %s: %w", name, err)
			continue
		}
		m.logger.Info("channel connected", "channel", name)

		m.wg.Add(1)
		go m.forward(ctx, ch)
	}
	return lastErr
}

// forward copies messages from one channel into the shared stream.
func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	in := ch.Receive()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the merged stream of incoming messages.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send delivers a message through the named channel.
func (m *Manager) Send(ctx context.Context, channel, to string, msg *OutgoingMessage) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return ch.Send(ctx, to, msg)
}

// Presence returns the presence capability of a channel, if it has one.
func (m *Manager) Presence(channel string) (PresenceChannel, bool) {
	ch, ok := m.Get(channel)
	if !ok {
		return nil, false
	}
	pc, ok := ch.(PresenceChannel)
	return pc, ok
}

// DownloadMedia routes a media download to the channel the message came from.
func (m *Manager) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	ch, ok := m.Get(msg.Channel)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrChannelNotFound, msg.Channel)
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return nil, "", ErrMediaNotSupported
	}
	return mc.DownloadMedia(ctx, msg)
}

// Health returns the health of every registered channel.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}

// Stop disconnects all channels and closes the merged stream.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chs := make([]Channel, 0, len(m.channels))
	for _, name := range m.order {
		chs = append(chs, m.channels[name])
	}
	m.mu.Unlock()

	for _, ch := range chs {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
	m.wg.Wait()
	close(m.messages)
}
