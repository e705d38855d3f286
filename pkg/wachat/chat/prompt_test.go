package chat

import (
	"testing"
	"time"
)

func TestBuildPrompt(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 30, 45, 123_000_000, time.UTC)

	t.Run("without history", func(t *testing.T) {
		p := BuildPrompt("You are helpful.", nil, "hi there", nil, now)
		want := "You are helpful.\n\nCurrent timestamp: 2025-03-01T12:30:45.123Z\n\n" +
			"Current message [2025-03-01T12:30:45.123Z]: hi there"
		if p.Text != want {
			t.Errorf("prompt mismatch\n got: %q\nwant: %q", p.Text, want)
		}
		if len(p.Media) != 0 {
			t.Errorf("unexpected media")
		}
	})

	t.Run("with history and media", func(t *testing.T) {
		earlier := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		history := []Turn{
			{User: "q1", Assistant: "a1", Timestamp: earlier.UnixMilli()},
			{User: "q2", Assistant: "a2", Timestamp: earlier.Add(time.Minute).UnixMilli()},
		}
		media := []MediaPart{{Data: []byte("x"), MimeType: "image/png"}}

		p := BuildPrompt("Role text.", history, "and now?", media, now)
		want := "Role text.\n\nCurrent timestamp: 2025-03-01T12:30:45.123Z\n\n" +
			"Previous conversation:\n" +
			"[2025-03-01T12:00:00.000Z] User: q1\n" +
			"[2025-03-01T12:00:00.000Z] Assistant: a1\n\n" +
			"[2025-03-01T12:01:00.000Z] User: q2\n" +
			"[2025-03-01T12:01:00.000Z] Assistant: a2\n\n" +
			"Current message [2025-03-01T12:30:45.123Z]: and now?"
		if p.Text != want {
			t.Errorf("prompt mismatch\n got: %q\nwant: %q", p.Text, want)
		}
		if len(p.Media) != 1 || p.Media[0].MimeType != "image/png" {
			t.Errorf("media not attached: %+v", p.Media)
		}
	})
}
