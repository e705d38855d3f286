package chat

import (
	"strings"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/llm"
)

// Prompt is the generator input: one text part plus media parts.
type Prompt = llm.Request

// MediaPart is an inline media attachment.
type MediaPart = llm.Blob

// timestampLayout renders instants as UTC ISO-8601 with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// BuildPrompt assembles the prompt text:
//
//	<role>
//
//	Current timestamp: <now>
//
//	Previous conversation:
//	[<ts>] User: <text>
//	[<ts>] Assistant: <text>
//
//	Current message [<now>]: <text>
//
// The history block is omitted when history is empty. Media is attached as
// separate parts, never inlined into the text.
func BuildPrompt(role string, history []Turn, text string, media []MediaPart, now time.Time) Prompt {
	ts := formatTimestamp(now)

	var sb strings.Builder
	sb.WriteString(role)
	sb.WriteString("\n\nCurrent timestamp: ")
	sb.WriteString(ts)
	sb.WriteString("\n\n")

	if len(history) > 0 {
		sb.WriteString("Previous conversation:\n")
		for _, turn := range history {
			tts := formatTimestamp(turn.Time())
			sb.WriteString("[" + tts + "] User: " + turn.User + "\n")
			sb.WriteString("[" + tts + "] Assistant: " + turn.Assistant + "\n\n")
		}
	}

	sb.WriteString("Current message [" + ts + "]: " + text)

	return Prompt{Text: sb.String(), Media: media}
}
