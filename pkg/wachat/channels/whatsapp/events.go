package whatsapp

import (
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState is the coarse connection state reported in Health.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggingOut   ConnectionState = "logging_out"
	StateBanned       ConnectionState = "banned"
)

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.handleConnected()

	case *events.Disconnected:
		w.handleDisconnected()

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced by another client")

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.TemporaryBan:
		w.setState(StateBanned)
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code.String(), "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)

	case *events.Receipt:
		if evt.Type == types.ReceiptTypeRead {
			w.logger.Debug("whatsapp: message read", "chat", evt.Chat, "ids", evt.MessageIDs)
		}
	}
}

func (w *WhatsApp) handleConnected() {
	w.setState(StateConnected)
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.reconnectAttempts.Store(0)
	w.UpdateLastMsgTime()

	w.logger.Info("whatsapp: connected", "jid", w.ownJID())
}

func (w *WhatsApp) handleDisconnected() {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)
	w.logger.Warn("whatsapp: disconnected", "previous_state", previous)

	if previous == StateConnected && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.setState(StateDisconnected)
	w.connected.Store(false)
	w.logger.Error("whatsapp: session logged out, a new QR login is required",
		"reason", evt.Reason.String(), "on_connect", evt.OnConnect)

	go func() {
		if err := w.loginWithQR(w.ctx); err != nil {
			w.logger.Warn("whatsapp: QR re-login failed", "error", err)
		}
	}()
}

// handleKeepAliveTimeout forces a reconnect after repeated keep-alive
// failures, which usually means a half-open socket.
func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.errorCount.Add(1)
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)

	if evt.ErrorCount >= 3 && w.getState() == StateConnected {
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	permanent := evt.PermanentDisconnectDescription()
	w.logger.Error("whatsapp: connect failure",
		"reason", evt.Reason.String(), "message", evt.Message, "permanent", permanent)

	if permanent == "" && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleMessageEvt converts an incoming message event and emits it.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.UpdateLastMsgTime()

	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	isGroup := evt.Info.IsGroup
	if (isGroup && !w.cfg.RespondToGroups) || (!isGroup && !w.cfg.RespondToDMs) {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   Name,
		From:      w.resolvePhoneJID(evt.Info.Sender),
		FromName:  evt.Info.PushName,
		ChatID:    w.resolvePhoneJID(evt.Info.Chat),
		IsGroup:   isGroup,
		Timestamp: evt.Info.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	// Ephemeral and view-once wrappers are unwrapped by whatsmeow.
	extractContent(evt.Message, msg)
	extractQuoted(evt.Message, msg)

	if w.cfg.AutoRead {
		go func() {
			if err := w.MarkRead(w.ctx, msg.ChatID, []string{msg.ID}); err != nil {
				w.logger.Debug("whatsapp: mark read failed", "error", err)
			}
		}()
	}

	w.emitMessage(msg)
}

// resolvePhoneJID maps a LID (linked identity) address to the phone
// number address when the session store knows it. Identities are derived
// from phone numbers, so LIDs must not leak into them.
func (w *WhatsApp) resolvePhoneJID(jid types.JID) string {
	if jid.Server != types.HiddenUserServer || w.client == nil || w.client.Store == nil {
		return jid.String()
	}
	alt, err := w.client.Store.GetAltJID(w.ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid.String()
	}
	return alt.String()
}
