package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, payload []byte, mimeHint string) (Result, error) {
	return Result{
		Text:       fmt.Sprintf("[transcript %s length=%d]", mimeHint, len(payload)),
		Confidence: 0,
	}, nil
}
