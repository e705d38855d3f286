package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// Content is the normalized form of an incoming message: the text for the
// prompt plus media attached as separate parts.
type Content struct {
	Text  string
	Media []MediaPart
}

// Extractor turns an incoming message into prompt content. It never fails;
// problems degrade to placeholder text.
type Extractor interface {
	Extract(ctx context.Context, msg *channels.IncomingMessage) Content
}

// MediaDownloader fetches the bytes of a media message
// (channels.Manager and channels.MediaChannel implement it).
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error)
}

// DefaultMaxMediaBytes bounds downloaded media when no limit is set.
const DefaultMaxMediaBytes = 20 << 20

var errMediaTooLarge = errors.New("media exceeds size limit")

// MediaExtractor is the default Extractor. Images, videos and audio are
// downloaded and attached; other kinds become short placeholders.
type MediaExtractor struct {
	downloader MediaDownloader
	maxBytes   int64
	logger     *slog.Logger
}

// NewMediaExtractor creates an extractor. downloader may be nil, in which
// case every media download fails and degrades to its placeholder.
func NewMediaExtractor(downloader MediaDownloader, maxBytes int64, logger *slog.Logger) *MediaExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	return &MediaExtractor{
		downloader: downloader,
		maxBytes:   maxBytes,
		logger:     logger.With("component", "extractor"),
	}
}

// Extract implements Extractor.
func (e *MediaExtractor) Extract(ctx context.Context, msg *channels.IncomingMessage) Content {
	text := msg.Content

	switch msg.Type {
	case channels.MessageText, channels.MessageReaction, channels.MessageUnknown:
		return Content{Text: text}

	case channels.MessageImage, channels.MessageVideo, channels.MessageAudio:
		part, err := e.download(ctx, msg)
		if err != nil {
			e.logger.Warn("media extraction failed, using placeholder",
				"msg_id", msg.ID, "error", &ExtractionError{Kind: msg.Type, Err: err})
			return Content{Text: text + fmt.Sprintf("\n[Error processing attached %s]", msg.Type)}
		}
		return Content{Text: text, Media: []MediaPart{part}}

	case channels.MessageDocument:
		name := "Unknown document"
		if msg.Media != nil && msg.Media.Filename != "" {
			name = msg.Media.Filename
		}
		placeholder := fmt.Sprintf("[Document attached: %s]", name)
		if text != "" {
			return Content{Text: text + "\n" + placeholder}
		}
		return Content{Text: placeholder}

	case channels.MessageSticker:
		return Content{Text: "[Sticker sent]"}

	case channels.MessageLocation:
		return Content{Text: "[Location shared]"}

	case channels.MessageContact:
		return Content{Text: "[Contact shared]"}

	default:
		return Content{Text: text}
	}
}

func (e *MediaExtractor) download(ctx context.Context, msg *channels.IncomingMessage) (MediaPart, error) {
	if e.downloader == nil {
		return MediaPart{}, channels.ErrMediaNotSupported
	}
	if msg.Media != nil && msg.Media.FileSize > uint64(e.maxBytes) {
		return MediaPart{}, fmt.Errorf("%w: %d bytes", errMediaTooLarge, msg.Media.FileSize)
	}

	data, mime, err := e.downloader.DownloadMedia(ctx, msg)
	if err != nil {
		return MediaPart{}, err
	}
	if len(data) == 0 {
		return MediaPart{}, channels.ErrMediaDownloadFailed
	}
	if int64(len(data)) > e.maxBytes {
		return MediaPart{}, fmt.Errorf("%w: %d bytes", errMediaTooLarge, len(data))
	}

	if mime == "" && msg.Media != nil {
		mime = msg.Media.MimeType
	}
	return MediaPart{Data: data, MimeType: normalizeMime(mime, msg.Type)}, nil
}

// normalizeMime drops parameters ("audio/ogg; codecs=opus") and fills in
// a default for the kind.
func normalizeMime(mime string, kind channels.MessageType) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(mime)
	if mime != "" {
		return mime
	}
	switch kind {
	case channels.MessageImage:
		return "image/jpeg"
	case channels.MessageVideo:
		return "video/mp4"
	case channels.MessageAudio:
		return "audio/ogg"
	}
	return "application/octet-stream"
}
