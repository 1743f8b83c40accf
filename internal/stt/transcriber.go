package stt

import (
	"context"
	"fmt"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
)

// Result captures transcriber output. Confidence is a heuristic estimate and
// is advisory only; nothing downstream gates on it.
type Result struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeHint string) (Result, error)
}

// New builds the transcriber named by config.
func New(cfg config.STTConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
