package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
)

// Request describes one conversational turn for the model.
type Request struct {
	SessionID   string
	System      string
	Prompt      string
	History     []protocol.Turn
	MaxTokens   int
	Temperature float64
}

// Reply is the model's full response for a turn. SessionComplete is set when
// the model signals that the current conversation goal (for example a logged
// meal) is finished and the session may end.
type Reply struct {
	Content          string
	SessionComplete  bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable conversational backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// New builds the generator named by cfg, wrapped with the configured
// secondary provider when one is set. Provider order is configuration, not
// contract: swapping primary and fallback is a config edit.
func New(cfg config.LLMConfig) (Generator, error) {
	primary, err := build(cfg.Mode, cfg.Endpoint, cfg.Command, cfg.Model, cfg.CompletionMarker)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackMode == "" {
		return primary, nil
	}
	secondary, err := build(cfg.FallbackMode, cfg.FallbackEndpoint, cfg.FallbackCommand, cfg.FallbackModel, cfg.CompletionMarker)
	if err != nil {
		return nil, fmt.Errorf("build fallback generator: %w", err)
	}
	return NewFallback(primary, secondary), nil
}

func build(mode, endpoint, command, model, marker string) (Generator, error) {
	switch mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(endpoint, model, marker), nil
	case "exec":
		return NewExecGenerator(command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", mode)
	}
}

// renderHistory flattens a conversation for prompt-only backends.
func renderHistory(history []protocol.Turn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, turn := range history {
		switch turn.Speaker {
		case protocol.SpeakerAgent:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// stripMarker removes a trailing completion marker, reporting whether it was
// present.
func stripMarker(content, marker string) (string, bool) {
	if marker == "" {
		return content, false
	}
	trimmed := strings.TrimSpace(content)
	if strings.HasSuffix(trimmed, marker) {
		return strings.TrimSpace(strings.TrimSuffix(trimmed, marker)), true
	}
	return content, false
}
