package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
)

type ollamaGenerator struct {
	endpoint string
	model    string
	marker   string
}

// NewOllamaGenerator talks to a local Ollama endpoint and accumulates the
// streamed response into one reply.
func NewOllamaGenerator(endpoint, model, marker string) Generator {
	return &ollamaGenerator{endpoint: endpoint, model: model, marker: marker}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	prompt := req.Prompt
	if history := renderHistory(req.History); history != "" {
		prompt = history + "User: " + req.Prompt + "\nAssistant:"
	}
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: prompt,
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, fault.New(fault.NetworkTimeout, "llm", ctx.Err())
		}
		return Reply{}, fault.New(fault.Unknown, "llm", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Reply{}, fault.FromHTTPStatus("llm", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var accumulated string
	var promptTokens, completionTokens int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Reply{}, fault.New(fault.NetworkTimeout, "llm", ctx.Err())
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Reply{}, fault.New(fault.BadFormat, "llm", err)
		}
		accumulated += chunk.Response
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			promptTokens = chunk.PromptEvalCount
		}
	}
	if err := scanner.Err(); err != nil {
		return Reply{}, fault.New(fault.Unknown, "llm", err)
	}

	content, complete := stripMarker(accumulated, g.marker)
	return Reply{
		Content:          content,
		SessionComplete:  complete,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Latency:          time.Since(start),
	}, nil
}
