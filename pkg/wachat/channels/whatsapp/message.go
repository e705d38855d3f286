package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/wachat/pkg/wachat/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// extractContent tags msg with its kind and copies the text body or
// caption. Placeholders for non-text kinds are left to the chat engine.
func extractContent(m *waE2E.Message, msg *channels.IncomingMessage) {
	msg.Type = channels.MessageUnknown
	if m == nil {
		return
	}

	switch {
	case m.Conversation != nil:
		msg.Type = channels.MessageText
		msg.Content = m.GetConversation()

	case m.ExtendedTextMessage != nil:
		msg.Type = channels.MessageText
		msg.Content = m.GetExtendedTextMessage().GetText()

	case m.ImageMessage != nil:
		img := m.GetImageMessage()
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageImage,
			MimeType:      img.GetMimetype(),
			FileSize:      img.GetFileLength(),
			Caption:       img.GetCaption(),
			DirectPath:    img.GetDirectPath(),
			MediaKey:      img.GetMediaKey(),
			FileSHA256:    img.GetFileSHA256(),
			FileEncSHA256: img.GetFileEncSHA256(),
		}

	case m.VideoMessage != nil:
		vid := m.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Content = vid.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageVideo,
			MimeType:      vid.GetMimetype(),
			FileSize:      vid.GetFileLength(),
			Caption:       vid.GetCaption(),
			Duration:      vid.GetSeconds(),
			DirectPath:    vid.GetDirectPath(),
			MediaKey:      vid.GetMediaKey(),
			FileSHA256:    vid.GetFileSHA256(),
			FileEncSHA256: vid.GetFileEncSHA256(),
		}

	case m.AudioMessage != nil:
		aud := m.GetAudioMessage()
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageAudio,
			MimeType:      aud.GetMimetype(),
			FileSize:      aud.GetFileLength(),
			Duration:      aud.GetSeconds(),
			DirectPath:    aud.GetDirectPath(),
			MediaKey:      aud.GetMediaKey(),
			FileSHA256:    aud.GetFileSHA256(),
			FileEncSHA256: aud.GetFileEncSHA256(),
		}

	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageDocument,
			MimeType:      doc.GetMimetype(),
			Filename:      doc.GetFileName(),
			FileSize:      doc.GetFileLength(),
			Caption:       doc.GetCaption(),
			DirectPath:    doc.GetDirectPath(),
			MediaKey:      doc.GetMediaKey(),
			FileSHA256:    doc.GetFileSHA256(),
			FileEncSHA256: doc.GetFileEncSHA256(),
		}

	case m.StickerMessage != nil:
		st := m.GetStickerMessage()
		msg.Type = channels.MessageSticker
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageSticker,
			MimeType: st.GetMimetype(),
			FileSize: st.GetFileLength(),
		}

	case m.LocationMessage != nil:
		loc := m.GetLocationMessage()
		msg.Type = channels.MessageLocation
		msg.Location = &channels.LocationInfo{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
			Address:   loc.GetAddress(),
		}

	case m.LiveLocationMessage != nil:
		loc := m.GetLiveLocationMessage()
		msg.Type = channels.MessageLocation
		msg.Content = loc.GetCaption()
		msg.Location = &channels.LocationInfo{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}

	case m.ContactMessage != nil:
		c := m.GetContactMessage()
		msg.Type = channels.MessageContact
		msg.Contact = &channels.ContactInfo{
			DisplayName: c.GetDisplayName(),
			VCard:       c.GetVcard(),
		}

	case m.ReactionMessage != nil:
		r := m.GetReactionMessage()
		msg.Type = channels.MessageReaction
		msg.Content = r.GetText()
		msg.Reaction = &channels.ReactionInfo{
			Emoji:     r.GetText(),
			MessageID: r.GetKey().GetID(),
			Remove:    r.GetText() == "",
		}
	}
}

// extractQuoted fills ReplyTo and QuotedContent from the context info of
// kinds that can quote.
func extractQuoted(m *waE2E.Message, msg *channels.IncomingMessage) {
	if m == nil {
		return
	}

	var ci *waE2E.ContextInfo
	switch {
	case m.ExtendedTextMessage != nil:
		ci = m.GetExtendedTextMessage().GetContextInfo()
	case m.ImageMessage != nil:
		ci = m.GetImageMessage().GetContextInfo()
	case m.VideoMessage != nil:
		ci = m.GetVideoMessage().GetContextInfo()
	case m.AudioMessage != nil:
		ci = m.GetAudioMessage().GetContextInfo()
	case m.DocumentMessage != nil:
		ci = m.GetDocumentMessage().GetContextInfo()
	}
	if ci == nil {
		return
	}

	msg.ReplyTo = ci.GetStanzaID()
	if q := ci.GetQuotedMessage(); q != nil {
		switch {
		case q.Conversation != nil:
			msg.QuotedContent = q.GetConversation()
		case q.ExtendedTextMessage != nil:
			msg.QuotedContent = q.GetExtendedTextMessage().GetText()
		case q.ImageMessage != nil:
			msg.QuotedContent = q.GetImageMessage().GetCaption()
		case q.VideoMessage != nil:
			msg.QuotedContent = q.GetVideoMessage().GetCaption()
		}
	}
}

// buildTextMessage builds a plain text message, quoting replyTo when set.
func buildTextMessage(text, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String(replyTo),
			},
		},
	}
}

// DownloadMedia downloads and decrypts the media of an image, video,
// audio or document message. The returned MIME type falls back to the
// kind's default when WhatsApp did not send one.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.DirectPath == "" {
		return nil, "", fmt.Errorf("%w: message has no media", channels.ErrMediaDownloadFailed)
	}
	if w.client == nil || !w.connected.Load() {
		return nil, "", channels.ErrChannelDisconnected
	}

	mediaType, ok := downloadType(msg.Media.Type)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, msg.Media.Type)
	}

	m := msg.Media
	data, err := w.client.DownloadMediaWithPath(ctx, m.DirectPath, m.FileEncSHA256, m.FileSHA256,
		m.MediaKey, int(m.FileSize), mediaType, "")
	if err != nil {
		w.errorCount.Add(1)
		return nil, "", fmt.Errorf("%w: %w", channels.ErrMediaDownloadFailed, err)
	}

	mime := m.MimeType
	if mime == "" {
		mime = defaultMime(m.Type)
	}
	return data, mime, nil
}

func downloadType(t channels.MessageType) (whatsmeow.MediaType, bool) {
	switch t {
	case channels.MessageImage:
		return whatsmeow.MediaImage, true
	case channels.MessageVideo:
		return whatsmeow.MediaVideo, true
	case channels.MessageAudio:
		return whatsmeow.MediaAudio, true
	case channels.MessageDocument:
		return whatsmeow.MediaDocument, true
	}
	return "", false
}

func defaultMime(t channels.MessageType) string {
	switch t {
	case channels.MessageImage:
		return "image/jpeg"
	case channels.MessageVideo:
		return "video/mp4"
	case channels.MessageAudio:
		return "audio/ogg"
	}
	return "application/octet-stream"
}

// parseJID accepts a full JID ("5511999999999@s.whatsapp.net",
// "123-456@g.us") or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
