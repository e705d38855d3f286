// Package console implements a local terminal channel. Lines typed by the
// operator are emitted as incoming messages from a configurable sender, and
// replies are written back to the terminal. It lets the chat engine be
// exercised without a WhatsApp session.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// Name is the channel identifier.
const Name = "console"

// Config selects who the operator is impersonating.
type Config struct {
	// Sender is the sender address, e.g. "15550001234@s.whatsapp.net".
	Sender string

	// SenderName is the display name attached to messages.
	SenderName string

	// Group, when set, makes every message come from this group address.
	Group string
}

// Console implements channels.Channel over an io.Writer.
type Console struct {
	cfg    Config
	out    io.Writer
	logger *slog.Logger

	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	seq       atomic.Int64
	lastMsg   atomic.Value // time.Time

	// closeMu guards sends against the close of messages. done is closed
	// first so a Submit blocked on a full buffer lets go of the read lock.
	closeMu   sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	outMu sync.Mutex
}

// New creates a console channel writing replies to out.
func New(cfg Config, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SenderName == "" {
		cfg.SenderName = "operator"
	}
	return &Console{
		cfg:      cfg,
		out:      out,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return Name }

// Connect marks the channel as connected.
func (c *Console) Connect(_ context.Context) error {
	c.connected.Store(true)
	return nil
}

// Disconnect closes the incoming stream.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeMu.Lock()
		c.closed = true
		close(c.messages)
		c.closeMu.Unlock()
	})
	return nil
}

// Submit emits a line typed by the operator as an incoming text message.
func (c *Console) Submit(content string) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	chatID := c.cfg.Sender
	if c.cfg.Group != "" {
		chatID = c.cfg.Group
	}
	msg := &channels.IncomingMessage{
		ID:        "console-" + strconv.FormatInt(c.seq.Add(1), 10),
		Channel:   Name,
		From:      c.cfg.Sender,
		FromName:  c.cfg.SenderName,
		ChatID:    chatID,
		IsGroup:   c.cfg.Group != "",
		Type:      channels.MessageText,
		Content:   content,
		Timestamp: time.Now(),
	}

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return channels.ErrChannelDisconnected
	}
	select {
	case c.messages <- msg:
		c.lastMsg.Store(msg.Timestamp)
		return nil
	case <-c.done:
		return channels.ErrChannelDisconnected
	}
}

// Send writes a reply to the terminal.
func (c *Console) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, "bot> %s\n", msg.Content)
	return err
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether Connect was called.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the console health status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected: c.connected.Load(),
		Details:   map[string]any{"sender": c.cfg.Sender, "group": c.cfg.Group},
	}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}
