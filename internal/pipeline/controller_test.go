package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
	"github.com/Chandru-3009/conversational-be-sub001/internal/llm"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
	"github.com/Chandru-3009/conversational-be-sub001/internal/stt"
	"github.com/Chandru-3009/conversational-be-sub001/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPipelineConfig() config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.STTTimeoutMS = 100
	cfg.LLMTimeoutMS = 100
	cfg.TTSTimeoutMS = 100
	cfg.TTSRetryInitialMS = 1
	return cfg
}

type stubTranscriber struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (s *stubTranscriber) Transcribe(ctx context.Context, _ []byte, _ string) (stt.Result, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return stt.Result{}, s.err
	}
	return stt.Result{Text: s.text, Confidence: 0.92}, nil
}

type stubGenerator struct {
	reply   llm.Reply
	err     error
	calls   int
	lastReq llm.Request
}

func (g *stubGenerator) Generate(_ context.Context, req llm.Request) (llm.Reply, error) {
	g.calls++
	g.lastReq = req
	if g.err != nil {
		return llm.Reply{}, g.err
	}
	return g.reply, nil
}

type stubSynth struct {
	result  tts.Result
	err     error
	calls   int
	lastReq tts.Request
}

func (s *stubSynth) Synthesize(_ context.Context, req tts.Request) (tts.Result, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return tts.Result{}, s.err
	}
	return s.result, nil
}

func newTestController(transcriber stt.Transcriber, gen llm.Generator, synth tts.Synthesizer) *Controller {
	return NewController(testPipelineConfig(), transcriber, gen, synth, "en-US", "You log meals.", newLogger())
}

func speech(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%250) + 1
	}
	return data
}

func TestExecuteSuccess(t *testing.T) {
	transcriber := &stubTranscriber{text: "I had eggs for breakfast"}
	gen := &stubGenerator{reply: llm.Reply{Content: "Logged eggs for breakfast."}}
	synth := &stubSynth{result: tts.Result{AudioBase64: "c2lsZW5jZQ==", DurationMS: 1200}}
	c := newTestController(transcriber, gen, synth)

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})

	if result.Outcome != Success {
		t.Fatalf("expected Success, got %v", result.Outcome)
	}
	if result.Transcript != "I had eggs for breakfast" {
		t.Fatalf("unexpected transcript: %q", result.Transcript)
	}
	if result.ReplyText != "Logged eggs for breakfast." {
		t.Fatalf("unexpected reply: %q", result.ReplyText)
	}
	if result.AudioBase64 == "" || result.DurationMS != 1200 {
		t.Fatalf("expected synthesized audio, got %+v", result)
	}
	if result.TextOnly {
		t.Fatal("expected audio delivery, got text only")
	}
}

func TestExecuteTranscriptionTimeout(t *testing.T) {
	transcriber := &stubTranscriber{delay: time.Second}
	gen := &stubGenerator{reply: llm.Reply{Content: "should not run"}}
	synth := &stubSynth{}
	c := newTestController(transcriber, gen, synth)

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})

	if result.Outcome != TimedOut {
		t.Fatalf("expected TimedOut, got %v", result.Outcome)
	}
	if result.Transcript != "" {
		t.Fatalf("timed-out run must not carry a transcript, got %q", result.Transcript)
	}
	if result.ReplyText == "" || !result.TextOnly {
		t.Fatalf("expected a text-only fallback utterance, got %+v", result)
	}
	if gen.calls != 0 {
		t.Fatal("generation must not run after a transcription timeout")
	}
}

func TestExecuteNoSpeech(t *testing.T) {
	transcriber := &stubTranscriber{text: "  "}
	gen := &stubGenerator{}
	c := newTestController(transcriber, gen, &stubSynth{})

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})

	if result.Outcome != NoSpeech {
		t.Fatalf("expected NoSpeech, got %v", result.Outcome)
	}
	if result.ReplyText != "" {
		t.Fatalf("no-speech run must stay silent, got %q", result.ReplyText)
	}
	if gen.calls != 0 {
		t.Fatal("generation must not run without speech")
	}
}

func TestExecuteGenerationFailureKeepsTranscript(t *testing.T) {
	transcriber := &stubTranscriber{text: "I had soup"}
	gen := &stubGenerator{err: errors.New("model unavailable")}
	c := newTestController(transcriber, gen, &stubSynth{})

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})

	if result.Outcome != ProviderError {
		t.Fatalf("expected ProviderError, got %v", result.Outcome)
	}
	if result.Transcript != "I had soup" {
		t.Fatalf("transcript must survive a generation failure, got %q", result.Transcript)
	}
	if !strings.Contains(result.ReplyText, "Sorry") || !result.TextOnly {
		t.Fatalf("expected a spoken apology, got %+v", result)
	}
}

func TestSynthesisFailureDeliversTextOnly(t *testing.T) {
	transcriber := &stubTranscriber{text: "I had soup"}
	gen := &stubGenerator{reply: llm.Reply{Content: "Noted."}}
	synth := &stubSynth{err: fault.New(fault.RateLimited, "tts", errors.New("429"))}
	c := newTestController(transcriber, gen, synth)

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})

	if result.Outcome != Success {
		t.Fatalf("expected Success, got %v", result.Outcome)
	}
	if !result.TextOnly || result.AudioBase64 != "" {
		t.Fatalf("expected text-only delivery, got %+v", result)
	}
	if result.ReplyText != "Noted." {
		t.Fatalf("reply text must survive synthesis failure, got %q", result.ReplyText)
	}
	if synth.calls != 3 {
		t.Fatalf("expected 3 synthesis attempts, got %d", synth.calls)
	}
}

func TestSynthesisAuthFaultIsNotRetried(t *testing.T) {
	transcriber := &stubTranscriber{text: "I had soup"}
	gen := &stubGenerator{reply: llm.Reply{Content: "Noted."}}
	synth := &stubSynth{err: fault.New(fault.Unauthorized, "tts", errors.New("bad key"))}
	c := newTestController(transcriber, gen, synth)

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})

	if result.Outcome != Success || !result.TextOnly {
		t.Fatalf("expected text-only success, got %+v", result)
	}
	if synth.calls != 1 {
		t.Fatalf("auth fault must not be retried, got %d attempts", synth.calls)
	}
}

func TestRepeatedUtteranceServedFromCache(t *testing.T) {
	transcriber := &stubTranscriber{text: "what did I eat today"}
	gen := &stubGenerator{reply: llm.Reply{Content: "You had eggs."}}
	synth := &stubSynth{result: tts.Result{AudioBase64: "YQ==", DurationMS: 700}}
	c := newTestController(transcriber, gen, synth)

	history := []protocol.Turn{{Speaker: protocol.SpeakerAgent, Text: "Hello"}}
	run := Run{SessionID: "s1", Input: speech(40 * 1024), History: history}

	first := c.Execute(context.Background(), run)
	second := c.Execute(context.Background(), run)

	if gen.calls != 1 {
		t.Fatalf("expected repeated utterance to hit the cache, got %d generations", gen.calls)
	}
	if second.ReplyText != first.ReplyText || second.AudioBase64 != first.AudioBase64 {
		t.Fatalf("cached reply differs: %+v vs %+v", first, second)
	}
	if second.Outcome != Success {
		t.Fatalf("expected Success from cache, got %v", second.Outcome)
	}
}

func TestCacheMissWhenHistoryMovesOn(t *testing.T) {
	transcriber := &stubTranscriber{text: "what did I eat today"}
	gen := &stubGenerator{reply: llm.Reply{Content: "You had eggs."}}
	c := newTestController(transcriber, gen, &stubSynth{})

	c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})
	c.Execute(context.Background(), Run{
		SessionID: "s1",
		Input:     speech(40 * 1024),
		History:   []protocol.Turn{{Speaker: protocol.SpeakerUser, Text: "something new"}},
	})

	if gen.calls != 2 {
		t.Fatalf("same words in a new context must regenerate, got %d generations", gen.calls)
	}
}

func TestSessionCompletionSignal(t *testing.T) {
	transcriber := &stubTranscriber{text: "that's everything"}
	gen := &stubGenerator{reply: llm.Reply{Content: "Great, talk soon!", SessionComplete: true}}
	c := newTestController(transcriber, gen, &stubSynth{})

	result := c.Execute(context.Background(), Run{SessionID: "s1", Input: speech(40 * 1024)})
	if !result.SessionComplete {
		t.Fatal("expected session completion to propagate")
	}
}

func TestExecuteTextSkipsTranscription(t *testing.T) {
	transcriber := &stubTranscriber{text: "should not be used"}
	gen := &stubGenerator{reply: llm.Reply{Content: "Typed reply."}}
	c := newTestController(transcriber, gen, &stubSynth{result: tts.Result{AudioBase64: "YQ=="}})

	result := c.ExecuteText(context.Background(), Run{SessionID: "s1"}, "I had a salad")

	if result.Outcome != Success {
		t.Fatalf("expected Success, got %v", result.Outcome)
	}
	if transcriber.calls != 0 {
		t.Fatal("typed input must not hit the transcriber")
	}
	if result.Transcript != "I had a salad" {
		t.Fatalf("unexpected transcript: %q", result.Transcript)
	}
	if gen.lastReq.Prompt != "I had a salad" {
		t.Fatalf("unexpected prompt: %q", gen.lastReq.Prompt)
	}
}

func TestSynthesizeTextVoiceSelection(t *testing.T) {
	synth := &stubSynth{result: tts.Result{AudioBase64: "YQ=="}}
	c := newTestController(&stubTranscriber{}, &stubGenerator{}, synth)

	if _, err := c.SynthesizeText(context.Background(), "s1", "Hello", "alloy"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if synth.lastReq.Voice != "alloy" {
		t.Fatalf("requested voice was not used, got %q", synth.lastReq.Voice)
	}

	if _, err := c.SynthesizeText(context.Background(), "s1", "Hello", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if synth.lastReq.Voice != "en-US" {
		t.Fatalf("expected the configured voice, got %q", synth.lastReq.Voice)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	transcriber := &stubTranscriber{delay: 50 * time.Millisecond}
	c := newTestController(transcriber, &stubGenerator{}, &stubSynth{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := c.Execute(ctx, Run{SessionID: "s1", Input: speech(40 * 1024)})
	if result.Outcome != Cancelled {
		t.Fatalf("expected Cancelled, got %v", result.Outcome)
	}
}
