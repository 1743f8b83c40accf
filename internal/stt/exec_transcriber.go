package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
)

type execTranscriber struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecTranscriber shells out to an external recognizer. The command
// receives the audio as a file path and prints a JSON result on stdout.
func NewExecTranscriber(cfg config.STTConfig) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execTranscriber{cmd: args, cfg: cfg}, nil
}

func (t *execTranscriber) Transcribe(ctx context.Context, payload []byte, mimeHint string) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "voiced_stt_*"+extForMime(mimeHint))
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if isRawPCM(mimeHint) {
		if err := writePCMToWav(file, payload, t.cfg.SampleRate, t.cfg.Channels); err != nil {
			return Result{}, fault.New(fault.BadFormat, "stt", err)
		}
	} else if _, err := file.Write(payload); err != nil {
		return Result{}, fmt.Errorf("write audio file: %w", err)
	}

	args := append([]string{}, t.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if t.cfg.ModelPath != "" {
		args = append(args, "--model", t.cfg.ModelPath)
	}
	if t.cfg.Language != "" {
		args = append(args, "--language", t.cfg.Language)
	}

	command := exec.CommandContext(ctx, t.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fault.New(fault.NetworkTimeout, "stt", ctx.Err())
		}
		return Result{}, fault.Newf(fault.Unknown, "stt", "command failed: %v: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fault.New(fault.BadFormat, "stt", fmt.Errorf("decode response: %w", err))
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func isRawPCM(mimeHint string) bool {
	switch strings.ToLower(strings.TrimSpace(mimeHint)) {
	case "audio/pcm", "audio/l16", "audio/x-raw":
		return true
	}
	return false
}

func extForMime(mimeHint string) string {
	if isRawPCM(mimeHint) {
		return ".wav"
	}
	switch strings.ToLower(strings.TrimSpace(mimeHint)) {
	case "audio/webm":
		return ".webm"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".bin"
	}
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
