package tts

import (
	"context"
	"fmt"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
)

// Request contains parameters to synthesize speech. Text must be plain; some
// backing voices reject markup.
type Request struct {
	SessionID string
	Text      string
	Voice     string
}

// Result is the rendered reply audio, ready to ship in a JSON frame.
type Result struct {
	AudioBase64 string
	DurationMS  int
	SampleRate  int
	Channels    int
}

// Synthesizer is the contract for producing reply audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// New builds the synthesizer named by config.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
