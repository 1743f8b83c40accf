package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	DurationMS  int    `json:"duration_ms,omitempty"`
}

// NewExecSynth shells out to an external voice: JSON request on stdin, JSON
// result with base64 PCM on stdout.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fault.New(fault.NetworkTimeout, "tts", ctx.Err())
		}
		return Result{}, fault.Newf(fault.Unknown, "tts", "exec command failed: %v", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, fault.New(fault.BadFormat, "tts", fmt.Errorf("decode exec response: %w", err))
	}

	duration := resp.DurationMS
	if duration == 0 {
		duration = estimateDurationMS(resp.AudioBase64, e.sampleRate, e.channels)
	}
	return Result{
		AudioBase64: resp.AudioBase64,
		DurationMS:  duration,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
	}, nil
}

// estimateDurationMS derives playback length from 16-bit PCM size when the
// voice did not report one.
func estimateDurationMS(audioBase64 string, sampleRate, channels int) int {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil || sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := len(raw) / 2 / channels
	return samples * 1000 / sampleRate
}
