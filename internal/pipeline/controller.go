// Package pipeline drives one STT -> AI -> TTS run for a flushed audio
// buffer. A Controller is shared by all sessions; each call to Execute is
// one run, and the caller guarantees at most one run per session at a time.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
	"github.com/Chandru-3009/conversational-be-sub001/internal/llm"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
	"github.com/Chandru-3009/conversational-be-sub001/internal/stt"
	"github.com/Chandru-3009/conversational-be-sub001/internal/tts"
)

// Outcome classifies how a run ended.
type Outcome int

const (
	Success Outcome = iota
	NoSpeech
	TimedOut
	ProviderError
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NoSpeech:
		return "no_speech"
	case TimedOut:
		return "timed_out"
	case ProviderError:
		return "provider_error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Scripted utterances used when a run degrades. The conversation must
// continue even when a provider does not.
const (
	misheardUtterance = "Sorry, I didn't catch that. Could you say it again?"
	apologyUtterance  = "Sorry, I'm having trouble thinking right now. Let's try again in a moment."
)

// Run is one attempt to turn an accumulated buffer into a spoken reply.
type Run struct {
	SessionID string
	Input     []byte
	MimeHint  string
	History   []protocol.Turn
	StartedAt time.Time
}

// Result carries everything the session needs to finish a run. Transcript is
// only set when speech was recognized; the caller appends it as a user turn
// unless the outcome says history must stay untouched. ReplyText on a failed
// outcome is a scripted fallback and is delivered but never recorded.
type Result struct {
	Outcome         Outcome
	Transcript      string
	Confidence      float64
	ReplyText       string
	AudioBase64     string
	DurationMS      int
	TextOnly        bool
	SessionComplete bool
}

type cachedReply struct {
	content         string
	sessionComplete bool
	audioBase64     string
	durationMS      int
	textOnly        bool
}

// Controller owns the turn-processing policy: deadlines, retries, fallback
// utterances and the short-window reply cache.
type Controller struct {
	cfg   config.PipelineConfig
	stt   stt.Transcriber
	gen   llm.Generator
	synth tts.Synthesizer
	voice string
	sys   string
	log   *slog.Logger
	cache *expirable.LRU[string, cachedReply]

	runCounter metric.Int64Counter
	runLatency metric.Float64Histogram
}

func NewController(cfg config.PipelineConfig, transcriber stt.Transcriber, gen llm.Generator, synth tts.Synthesizer, voice, systemPrompt string, log *slog.Logger) *Controller {
	c := &Controller{
		cfg:   cfg,
		stt:   transcriber,
		gen:   gen,
		synth: synth,
		voice: voice,
		sys:   systemPrompt,
		log:   log.With(slog.String("component", "pipeline")),
		cache: expirable.NewLRU[string, cachedReply](cfg.CacheSize, nil, time.Duration(cfg.CacheTTLMS)*time.Millisecond),
	}
	c.initMetrics()
	return c
}

func (c *Controller) initMetrics() {
	meter := otel.Meter("github.com/Chandru-3009/conversational-be-sub001/pipeline")
	if counter, err := meter.Int64Counter("voiced.pipeline.runs",
		metric.WithDescription("Completed pipeline runs by outcome")); err == nil {
		c.runCounter = counter
	}
	if hist, err := meter.Float64Histogram("voiced.pipeline.run_seconds",
		metric.WithDescription("Pipeline run latency in seconds")); err == nil {
		c.runLatency = hist
	}
}

// Execute performs one run. It blocks for at most the sum of the configured
// provider deadlines and always returns a Result, never a panic or an error:
// degraded runs carry scripted fallback text instead.
func (c *Controller) Execute(ctx context.Context, run Run) Result {
	started := time.Now()
	result := c.execute(ctx, run)
	if ctx.Err() != nil {
		result.Outcome = Cancelled
	}
	c.observe(run.SessionID, result.Outcome, time.Since(started))
	return result
}

func (c *Controller) execute(ctx context.Context, run Run) Result {
	sttCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.STTTimeoutMS)*time.Millisecond)
	recognized, err := c.stt.Transcribe(sttCtx, run.Input, run.MimeHint)
	cancel()
	if err != nil {
		outcome := ProviderError
		if errors.Is(err, context.DeadlineExceeded) || fault.KindOf(err) == fault.NetworkTimeout {
			outcome = TimedOut
		}
		c.log.Warn("transcription failed",
			slog.String("session_id", run.SessionID),
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()))
		return Result{Outcome: outcome, ReplyText: misheardUtterance, TextOnly: true}
	}

	transcript := strings.TrimSpace(recognized.Text)
	if len(transcript) < c.cfg.MinTranscriptChars {
		return Result{Outcome: NoSpeech}
	}

	return c.respond(ctx, run, transcript, recognized.Confidence)
}

// ExecuteText runs the conversational stages for typed input, skipping
// transcription. Run.Input is ignored.
func (c *Controller) ExecuteText(ctx context.Context, run Run, text string) Result {
	started := time.Now()
	transcript := strings.TrimSpace(text)
	var result Result
	if len(transcript) < c.cfg.MinTranscriptChars {
		result = Result{Outcome: NoSpeech}
	} else {
		result = c.respond(ctx, run, transcript, 1)
	}
	if ctx.Err() != nil {
		result.Outcome = Cancelled
	}
	c.observe(run.SessionID, result.Outcome, time.Since(started))
	return result
}

// respond takes a confirmed utterance through the reply cache, the AI
// backend and synthesis.
func (c *Controller) respond(ctx context.Context, run Run, transcript string, confidence float64) Result {
	key := c.cacheKey(run.History, transcript)
	if cached, ok := c.cache.Get(key); ok {
		return Result{
			Outcome:         Success,
			Transcript:      transcript,
			Confidence:      confidence,
			ReplyText:       cached.content,
			AudioBase64:     cached.audioBase64,
			DurationMS:      cached.durationMS,
			TextOnly:        cached.textOnly,
			SessionComplete: cached.sessionComplete,
		}
	}

	llmCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.LLMTimeoutMS)*time.Millisecond)
	reply, err := c.gen.Generate(llmCtx, llm.Request{
		SessionID: run.SessionID,
		System:    c.sys,
		Prompt:    transcript,
		History:   run.History,
	})
	cancel()
	if err != nil {
		c.log.Warn("ai turn failed",
			slog.String("session_id", run.SessionID),
			slog.String("error", err.Error()))
		return Result{
			Outcome:    ProviderError,
			Transcript: transcript,
			Confidence: confidence,
			ReplyText:  apologyUtterance,
			TextOnly:   true,
		}
	}

	result := Result{
		Outcome:         Success,
		Transcript:      transcript,
		Confidence:      confidence,
		ReplyText:       reply.Content,
		SessionComplete: reply.SessionComplete,
	}

	synthesized, err := c.synthesize(ctx, run.SessionID, reply.Content, "")
	if err != nil {
		kind := fault.KindOf(err)
		c.log.Warn("synthesis failed, delivering text only",
			slog.String("session_id", run.SessionID),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()))
		result.TextOnly = true
	} else {
		result.AudioBase64 = synthesized.AudioBase64
		result.DurationMS = synthesized.DurationMS
	}

	c.cache.Add(key, cachedReply{
		content:         result.ReplyText,
		sessionComplete: result.SessionComplete,
		audioBase64:     result.AudioBase64,
		durationMS:      result.DurationMS,
		textOnly:        result.TextOnly,
	})
	return result
}

// synthesize renders reply audio with bounded exponential retry. Faults that
// a retry cannot fix (auth, validation, missing voice) abort immediately. An
// empty voice selects the configured default.
func (c *Controller) synthesize(ctx context.Context, sessionID, text, voice string) (tts.Result, error) {
	if voice == "" {
		voice = c.voice
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(c.cfg.TTSRetryInitialMS) * time.Millisecond

	operation := func() (tts.Result, error) {
		ttsCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TTSTimeoutMS)*time.Millisecond)
		defer cancel()
		result, err := c.synth.Synthesize(ttsCtx, tts.Request{
			SessionID: sessionID,
			Text:      text,
			Voice:     voice,
		})
		if err != nil && !fault.Retryable(fault.KindOf(err)) {
			return tts.Result{}, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.TTSRetryAttempts)))
}

// SynthesizeText is used outside a run, for greeting audio and direct
// synthesis requests. Voice may be empty to use the configured default.
func (c *Controller) SynthesizeText(ctx context.Context, sessionID, text, voice string) (tts.Result, error) {
	return c.synthesize(ctx, sessionID, text, voice)
}

// cacheKey hashes the tail of the conversation plus the transcript so that
// rapid duplicate utterances in the same context hit the cache while the
// same words later in a conversation do not.
func (c *Controller) cacheKey(history []protocol.Turn, transcript string) string {
	const tail = 4
	h := sha256.New()
	start := 0
	if len(history) > tail {
		start = len(history) - tail
	}
	for _, turn := range history[start:] {
		h.Write([]byte(turn.Speaker))
		h.Write([]byte{0})
		h.Write([]byte(turn.Text))
		h.Write([]byte{0})
	}
	h.Write([]byte(transcript))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Controller) observe(sessionID string, outcome Outcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	if c.runCounter != nil {
		c.runCounter.Add(context.Background(), 1, attrs)
	}
	if c.runLatency != nil {
		c.runLatency.Record(context.Background(), elapsed.Seconds(), attrs)
	}
	c.log.Debug("pipeline run finished",
		slog.String("session_id", sessionID),
		slog.String("outcome", outcome.String()),
		slog.Duration("elapsed", elapsed))
}
