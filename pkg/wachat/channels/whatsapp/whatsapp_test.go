package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		w := New(DefaultConfig(), testLogger())
		if w.Name() != "whatsapp" {
			t.Errorf("expected name whatsapp, got %s", w.Name())
		}
		if w.State() != StateDisconnected {
			t.Errorf("expected disconnected, got %s", w.State())
		}
	})

	t.Run("fills zero backoff and device name", func(t *testing.T) {
		w := New(Config{}, nil)
		if w.cfg.ReconnectBackoff != 5*time.Second {
			t.Errorf("expected 5s backoff, got %v", w.cfg.ReconnectBackoff)
		}
		if w.cfg.DeviceName != "wachat" {
			t.Errorf("expected default device name, got %q", w.cfg.DeviceName)
		}
	})
}

func TestQRSubscription(t *testing.T) {
	w := New(DefaultConfig(), testLogger())

	t.Run("subscriber receives codes", func(t *testing.T) {
		ch, unsubscribe := w.SubscribeQR()
		defer unsubscribe()

		w.notifyQR(QREvent{Type: "code", Code: "abc"})

		select {
		case evt := <-ch:
			if evt.Code != "abc" || evt.SecondsLeft != 60 {
				t.Errorf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for QR event")
		}
	})

	t.Run("late subscriber gets cached code", func(t *testing.T) {
		w.notifyQR(QREvent{Type: "code", Code: "cached"})

		ch, unsubscribe := w.SubscribeQR()
		defer unsubscribe()

		select {
		case evt := <-ch:
			if evt.Code != "cached" {
				t.Errorf("expected cached code, got %q", evt.Code)
			}
		case <-time.After(time.Second):
			t.Fatal("expected cached QR replay")
		}
	})

	t.Run("success clears cache", func(t *testing.T) {
		w.notifyQR(QREvent{Type: "code", Code: "x"})
		w.notifyQR(QREvent{Type: "success"})
		if w.lastQR != nil {
			t.Error("expected QR cache to be cleared")
		}
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		ch, unsubscribe := w.SubscribeQR()
		unsubscribe()
		if _, ok := <-ch; ok {
			t.Error("expected closed channel")
		}
	})
}

func TestDisconnectedOperations(t *testing.T) {
	w := New(DefaultConfig(), testLogger())
	ctx := context.Background()

	if err := w.Send(ctx, "5511999999999", &channels.OutgoingMessage{Content: "hi"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("send: expected ErrChannelDisconnected, got %v", err)
	}
	if err := w.SendTyping(ctx, "5511999999999"); err != nil {
		t.Errorf("typing should be a no-op while offline, got %v", err)
	}
	if err := w.MarkRead(ctx, "5511999999999", []string{"id"}); err != nil {
		t.Errorf("mark read should be a no-op while offline, got %v", err)
	}

	_, _, err := w.DownloadMedia(ctx, &channels.IncomingMessage{})
	if !errors.Is(err, channels.ErrMediaDownloadFailed) {
		t.Errorf("expected ErrMediaDownloadFailed for missing media, got %v", err)
	}
	if err := w.RequestNewQR(ctx); err == nil {
		t.Error("expected error without client")
	}
}

func TestDisconnectClosesStream(t *testing.T) {
	w := New(DefaultConfig(), testLogger())
	w.connected.Store(true)
	w.setState(StateConnected)

	if err := w.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if w.IsConnected() || w.State() != StateDisconnected {
		t.Error("expected disconnected state")
	}
	if _, ok := <-w.Receive(); ok {
		t.Error("expected closed message stream")
	}

	// Emitting after close must not panic.
	w.emitMessage(&channels.IncomingMessage{ID: "late"})
	_ = w.Disconnect()
}

func TestHealth(t *testing.T) {
	w := New(DefaultConfig(), testLogger())
	w.errorCount.Store(3)

	h := w.Health()
	if h.Connected {
		t.Error("expected not connected")
	}
	if h.ErrorCount != 3 {
		t.Errorf("expected 3 errors, got %d", h.ErrorCount)
	}
	if h.Details["state"] != string(StateDisconnected) {
		t.Errorf("unexpected details %v", h.Details)
	}
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name    string
		msg     *waE2E.Message
		typ     channels.MessageType
		content string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, channels.MessageText, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hey")}}, channels.MessageText, "hey"},
		{"image with caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look"), Mimetype: proto.String("image/png")}}, channels.MessageImage, "look"},
		{"voice note", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}, channels.MessageAudio, ""},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("a.pdf")}}, channels.MessageDocument, ""},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, channels.MessageSticker, ""},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{DegreesLatitude: proto.Float64(1.5)}}, channels.MessageLocation, ""},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{DisplayName: proto.String("Ann")}}, channels.MessageContact, ""},
		{"nil", nil, channels.MessageUnknown, ""},
		{"unknown", &waE2E.Message{}, channels.MessageUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &channels.IncomingMessage{}
			extractContent(tt.msg, msg)
			if msg.Type != tt.typ {
				t.Errorf("type = %s, want %s", msg.Type, tt.typ)
			}
			if msg.Content != tt.content {
				t.Errorf("content = %q, want %q", msg.Content, tt.content)
			}
		})
	}

	t.Run("document keeps filename", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		extractContent(&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("report.pdf")}}, msg)
		if msg.Media == nil || msg.Media.Filename != "report.pdf" {
			t.Errorf("expected filename on media, got %+v", msg.Media)
		}
	})
}

func TestExtractQuoted(t *testing.T) {
	m := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text: proto.String("reply"),
		ContextInfo: &waE2E.ContextInfo{
			StanzaID:      proto.String("orig-1"),
			QuotedMessage: &waE2E.Message{Conversation: proto.String("original")},
		},
	}}
	msg := &channels.IncomingMessage{}
	extractQuoted(m, msg)
	if msg.ReplyTo != "orig-1" || msg.QuotedContent != "original" {
		t.Errorf("unexpected quote fields %q %q", msg.ReplyTo, msg.QuotedContent)
	}
}

func TestBuildTextMessage(t *testing.T) {
	plain := buildTextMessage("hi", "")
	if plain.GetConversation() != "hi" {
		t.Errorf("expected plain conversation, got %v", plain)
	}

	quoted := buildTextMessage("hi", "m1")
	if quoted.GetExtendedTextMessage().GetContextInfo().GetStanzaID() != "m1" {
		t.Errorf("expected quoted reply, got %v", quoted)
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5511999999999", "5511999999999@s.whatsapp.net", false},
		{"+55 (11) 99999-9999", "5511999999999@s.whatsapp.net", false},
		{"5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", false},
		{"120363000000000000@g.us", "120363000000000000@g.us", false},
		{"123", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseJID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseJID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("parseJID(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDefaultMime(t *testing.T) {
	if defaultMime(channels.MessageVideo) != "video/mp4" {
		t.Error("expected video/mp4")
	}
	if defaultMime(channels.MessageAudio) != "audio/ogg" {
		t.Error("expected audio/ogg")
	}
	if _, ok := downloadType(channels.MessageSticker); ok {
		t.Error("stickers are not downloaded")
	}
}
