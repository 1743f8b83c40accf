package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
)

type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type execPayload struct {
	Prompt      string     `json:"prompt"`
	System      string     `json:"system,omitempty"`
	History     []execTurn `json:"history,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

type execResponse struct {
	Content          string `json:"content"`
	SessionComplete  bool   `json:"session_complete,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator shells out to an external model runner: JSON request on
// stdin, JSON reply on stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload := execPayload{
		Prompt:      req.Prompt,
		System:      req.System,
		History:     convertHistory(req.History),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, fault.New(fault.NetworkTimeout, "llm", ctx.Err())
		}
		return Reply{}, fault.Newf(fault.Unknown, "llm", "exec command failed: %v", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Reply{}, fault.New(fault.BadFormat, "llm", fmt.Errorf("decode exec response: %w", err))
	}

	return Reply{
		Content:          resp.Content,
		SessionComplete:  resp.SessionComplete,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}

func convertHistory(history []protocol.Turn) []execTurn {
	if len(history) == 0 {
		return nil
	}
	turns := make([]execTurn, 0, len(history))
	for _, t := range history {
		turns = append(turns, execTurn{Speaker: t.Speaker, Text: t.Text})
	}
	return turns
}
