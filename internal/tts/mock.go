package tts

import (
	"context"
	"encoding/base64"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	// Two samples of silence; enough for callers to see a payload.
	pcm := []byte{0, 0, 0, 0}
	return Result{
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		DurationMS:  len(req.Text) * 60,
		SampleRate:  m.sampleRate,
		Channels:    m.channels,
	}, nil
}
