// Package channels abstracts the transports wachat talks through. The
// WhatsApp client and the local console both implement Channel, and the
// Manager fans their traffic into a single stream for the assistant.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType tags an IncomingMessage. At most one of Media, Location,
// Contact or Reaction is set, matching the tag.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageReaction MessageType = "reaction"
	MessageUnknown  MessageType = "unknown"
)

// IsMedia reports whether messages of this type carry media that can be
// attached to a prompt.
func (t MessageType) IsMedia() bool {
	return t == MessageImage || t == MessageVideo || t == MessageAudio
}

// Channel is a bidirectional message transport.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error

	// Send delivers a text reply to a chat address.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive is closed when the channel disconnects for good.
	Receive() <-chan *IncomingMessage

	IsConnected() bool
	Health() HealthStatus
}

// MediaChannel is implemented by channels that can fetch attachments.
type MediaChannel interface {
	Channel

	// DownloadMedia returns the attachment bytes and their MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// PresenceChannel is implemented by channels with typing indicators and
// read receipts.
type PresenceChannel interface {
	Channel

	SendTyping(ctx context.Context, to string) error
	StopTyping(ctx context.Context, to string) error
	SendPresence(ctx context.Context, available bool) error
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// IncomingMessage is one inbound message, normalized across channels.
type IncomingMessage struct {
	ID      string
	Channel string

	// From is the author. For group messages it is the participant, while
	// ChatID is the group itself.
	From     string
	FromName string
	ChatID   string
	IsGroup  bool

	Type MessageType

	// Content holds the text body, or the caption for media.
	Content   string
	Timestamp time.Time

	ReplyTo       string
	QuotedContent string

	Media    *MediaInfo
	Location *LocationInfo
	Contact  *ContactInfo
	Reaction *ReactionInfo
}

// OutgoingMessage is a text reply.
type OutgoingMessage struct {
	Content string
	ReplyTo string
}

// MediaInfo describes an attachment and, for WhatsApp, the handle needed
// to download and decrypt it.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64
	Caption  string
	Duration uint32 // seconds

	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
}

type LocationInfo struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

type ContactInfo struct {
	DisplayName string
	VCard       string
}

type ReactionInfo struct {
	Emoji     string
	MessageID string
	Remove    bool
}

// HealthStatus is a point-in-time view of a channel connection.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrChannelNotFound     = errors.New("channel not registered")
	ErrMediaNotSupported   = errors.New("channel cannot download media")
	ErrMediaDownloadFailed = errors.New("media download failed")
)
