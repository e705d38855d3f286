// Package whatsapp implements the wachat WhatsApp channel on top of
// whatsmeow, the native Go WhatsApp Web library.
//
// The channel logs in with a QR code on first run and persists the device
// session in SQLite. It turns whatsmeow message events into
// channels.IncomingMessage values, downloads media on demand, sends text
// replies and drives typing/read indicators. Lost connections are retried
// with a linear backoff and a health monitor catches silent disconnects.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // session store driver
)

// Name is the channel identifier.
const Name = "whatsapp"

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionDir holds whatsapp.db when DatabasePath is empty.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath stores the whatsmeow_* session tables in an existing
	// SQLite file, typically the wachat data file.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the linked devices list of the phone.
	DeviceName string `yaml:"device_name"`

	// RespondToGroups and RespondToDMs filter which chats are emitted.
	RespondToGroups bool `yaml:"respond_to_groups"`
	RespondToDMs    bool `yaml:"respond_to_dms"`

	// AutoRead marks incoming messages as read once they are emitted.
	AutoRead bool `yaml:"auto_read"`

	// ReconnectBackoff is multiplied by the attempt number between retries.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps retries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./data/sessions",
		DeviceName:           "wachat",
		RespondToGroups:      true,
		RespondToDMs:         true,
		AutoRead:             true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// QREvent is delivered to QR subscribers during login.
type QREvent struct {
	// Type is "code", "success", "timeout", "error" or "refresh".
	Type        string    `json:"type"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	SecondsLeft int       `json:"seconds_left,omitempty"`
}

// qrLifetime is how long WhatsApp keeps a login code valid.
const qrLifetime = 60 * time.Second

// WhatsApp implements channels.Channel, channels.MediaChannel and
// channels.PresenceChannel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool
	closeMu        sync.RWMutex

	connected  atomic.Bool
	state      atomic.Value // ConnectionState
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	qrMu          sync.Mutex
	qrObservers   []chan QREvent
	lastQR        *QREvent
	qrGeneratedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel. Connect must be called before use.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "wachat"
	}

	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.setState(StateDisconnected)
	return w
}

func (w *WhatsApp) getState() ConnectionState {
	if v, ok := w.state.Load().(ConnectionState); ok {
		return v
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(s ConnectionState) { w.state.Store(s) }

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState { return w.getState() }

// ownJID returns the logged-in device JID, or "" before login.
func (w *WhatsApp) ownJID() string {
	if w.client != nil && w.client.Store != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// ---------- QR subscription ----------

// SubscribeQR registers an observer for login QR events. The most recent
// unexpired code is replayed to late subscribers. The returned function
// unsubscribes and closes the channel.
func (w *WhatsApp) SubscribeQR() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)

	w.qrMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	if w.lastQR != nil {
		evt := *w.lastQR
		evt.SecondsLeft = max(0, int((qrLifetime - time.Since(w.qrGeneratedAt)).Seconds()))
		select {
		case ch <- evt:
		default:
		}
	}
	w.qrMu.Unlock()

	return ch, func() {
		w.qrMu.Lock()
		defer w.qrMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrMu.Lock()
	defer w.qrMu.Unlock()

	if evt.Type == "code" {
		now := time.Now()
		evt.ExpiresAt = now.Add(qrLifetime)
		evt.SecondsLeft = int(qrLifetime.Seconds())
		w.lastQR = &evt
		w.qrGeneratedAt = now
	} else {
		w.lastQR = nil
		w.qrGeneratedAt = time.Time{}
	}

	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ---------- channels.Channel ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return Name }

// Connect opens the session store and connects. Without a stored session
// the QR login runs in the background and codes are published to
// SubscribeQR observers, so Connect returns immediately.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		dbPath = strings.TrimRight(w.cfg.SessionDir, "/") + "/whatsapp.db"
	}
	w.logger.Info("whatsapp: opening session store", "path", dbPath)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("loading device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no session stored, waiting for QR login")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected with stored session", "jid", w.ownJID())

	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
	return nil
}

// Disconnect closes the connection and the incoming stream.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.closeMu.Lock()
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.closeMu.Unlock()

	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Logout unlinks the device and deletes the stored session.
func (w *WhatsApp) Logout(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	w.setState(StateLoggingOut)
	w.connected.Store(false)

	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout failed, deleting local session", "error", err)
		w.client.Disconnect()
		if delErr := w.client.Store.Delete(ctx); delErr != nil {
			return fmt.Errorf("deleting session: %w", delErr)
		}
	}

	w.setState(StateDisconnected)
	w.logger.Info("whatsapp: logged out")
	return nil
}

// attemptReconnect retries the connection until it succeeds, the attempt
// cap is reached or the channel is shut down. Only one loop runs at a time.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempt := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && int(attempt) > w.cfg.MaxReconnectAttempts {
			w.logger.Error("whatsapp: giving up reconnecting", "attempts", attempt-1)
			w.setState(StateDisconnected)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempt), 5*time.Minute)
		w.logger.Info("whatsapp: reconnecting", "attempt", attempt, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		// A half-open socket makes Connect fail with "already connected".
		if w.client.IsConnected() {
			w.client.Disconnect()
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		// handleConnected flips the state once the server confirms.
		return
	}
}

// Send sends a text message. to is a JID or a bare phone number.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content, msg.ReplyTo)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage { return w.messages }

// IsConnected reports whether the session is logged in and online.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// NeedsQR reports whether the device still has to be linked.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details: map[string]any{
			"state":              string(w.getState()),
			"reconnect_attempts": w.reconnectAttempts.Load(),
		},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if jid := w.ownJID(); jid != "" {
		h.Details["jid"] = jid
	}
	return h
}

// ---------- channels.PresenceChannel ----------

// SendTyping shows the "typing..." indicator in a chat.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	return w.sendChatPresence(ctx, to, types.ChatPresenceComposing)
}

// StopTyping clears the typing indicator.
func (w *WhatsApp) StopTyping(ctx context.Context, to string) error {
	return w.sendChatPresence(ctx, to, types.ChatPresencePaused)
}

func (w *WhatsApp) sendChatPresence(ctx context.Context, to string, state types.ChatPresence) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// SendPresence sets the account online or offline.
func (w *WhatsApp) SendPresence(ctx context.Context, available bool) error {
	if !w.connected.Load() {
		return nil
	}
	if available {
		return w.client.SendPresence(ctx, types.PresenceAvailable)
	}
	return w.client.SendPresence(ctx, types.PresenceUnavailable)
}

// MarkRead sends read receipts for messages in a chat.
func (w *WhatsApp) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// ---------- login ----------

// loginWithQR drives the pairing flow and publishes codes to observers.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()

		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed")
			}
			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp: QR code ready")
				w.notifyQR(QREvent{Type: "code", Code: evt.Code, Message: "Scan the code with WhatsApp > Linked devices"})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("whatsapp: device linked", "jid", w.ownJID())
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked"})
				w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// RequestNewQR restarts the QR flow after a timeout.
func (w *WhatsApp) RequestNewQR(ctx context.Context) error {
	if w.connected.Load() {
		return fmt.Errorf("already connected")
	}
	if w.client == nil {
		return fmt.Errorf("client not initialized")
	}

	w.client.Disconnect()
	w.notifyQR(QREvent{Type: "refresh", Message: "Generating a new QR code"})

	go func() {
		qrCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := w.loginWithQR(qrCtx); err != nil {
			w.logger.Error("whatsapp: QR re-login failed", "error", err)
		}
	}()
	return nil
}

// emitMessage pushes a message to Receive without blocking the whatsmeow
// event loop. A full buffer drops the message.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: incoming buffer full, dropping message",
			"from", msg.From, "type", msg.Type)
	}
}
