package playback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interview/internal/config"
)

// Speaker is the contract for making text audible. Speak blocks until the
// utterance finished playing or ctx was cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// NewSpeaker builds the Speaker selected by cfg.Mode.
func NewSpeaker(cfg config.PlaybackConfig, logger *slog.Logger) (Speaker, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSpeaker(cfg.MockWordMS), nil
	case "exec":
		return NewExecSpeaker(cfg.Command, cfg.Voice)
	case "synth":
		return NewSynthSpeaker(cfg, logger)
	}
	return nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
}
