package playback

import (
	"context"
	"strings"
	"time"
)

type mockSpeaker struct {
	perWord time.Duration
}

// NewMockSpeaker returns a Speaker that stays "audible" for wordMS per word.
func NewMockSpeaker(wordMS int) Speaker {
	return &mockSpeaker{perWord: time.Duration(wordMS) * time.Millisecond}
}

func (m *mockSpeaker) Speak(ctx context.Context, text string) error {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(words) * m.perWord):
	}
	return nil
}
