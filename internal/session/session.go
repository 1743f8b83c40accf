// Package session owns the per-conversation state machine. Each session runs
// a single worker goroutine that serializes audio intake, pipeline results
// and lifecycle signals through an inbox, so the buffer, queue and history
// never need locking.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/audio"
	"github.com/Chandru-3009/conversational-be-sub001/internal/bus"
	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/greeting"
	"github.com/Chandru-3009/conversational-be-sub001/internal/pipeline"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
	"github.com/Chandru-3009/conversational-be-sub001/internal/store"
)

// Sender delivers frames to the connected client. Implementations must be
// safe for use from the session worker goroutine.
type Sender interface {
	Send(frame protocol.Frame) error
	Close() error
}

// State is the session processing phase.
type State int32

const (
	StateIdle State = iota
	StateBuffering
	StateProcessing
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateProcessing:
		return "processing"
	case StateCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Conversation history kept in memory per session. Older turns are trimmed;
// the store retains the full transcript.
const maxHistoryTurns = 64

// Deps are the collaborators a session needs. Events may be nil.
type Deps struct {
	Controller *pipeline.Controller
	Store      *store.Store
	Resolver   *greeting.Resolver
	Events     *bus.Client
	Log        *slog.Logger
	Clock      func() time.Time
}

type chunkMsg struct {
	data []byte
	mime string
}

type runDoneMsg struct {
	result pipeline.Result
}

type textMsg struct {
	text string
}

type cooldownMsg struct{}

type identifyMsg struct {
	userID string
}

type stopMsg struct {
	reason string
}

// Session is one live conversation. All mutable fields below the atomics are
// touched only by the worker goroutine.
type Session struct {
	id string

	userMu sync.Mutex
	userID string

	pipeCfg config.PipelineConfig

	state        atomic.Int32
	lastActivity atomic.Int64

	inbox    chan any
	done     chan struct{}
	stopOnce sync.Once

	buffer   *audio.Buffer
	queue    *audio.Queue
	history  []protocol.Turn
	mimeHint string
	degraded bool

	sender Sender
	deps   Deps
	log    *slog.Logger
	onStop func(id string)
}

func newSession(id, userID string, pipeCfg config.PipelineConfig, sessCfg config.SessionConfig, sender Sender, deps Deps, onStop func(string)) *Session {
	s := &Session{
		id:      id,
		userID:  userID,
		pipeCfg: pipeCfg,
		inbox:   make(chan any, sessCfg.InboxBuffer),
		done:    make(chan struct{}),
		buffer: audio.NewBuffer(audio.Limits{
			MinChunkBytes:       pipeCfg.MinChunkBytes,
			FlushThresholdBytes: pipeCfg.FlushThresholdBytes,
			MaxBufferBytes:      pipeCfg.MaxBufferBytes,
			ZeroByteRatio:       pipeCfg.ZeroByteRatio,
		}),
		queue:  audio.NewQueue(pipeCfg.MaxQueuedChunks, pipeCfg.MaxQueuedBytes),
		sender: sender,
		deps:   deps,
		log:    deps.Log.With(slog.String("component", "session"), slog.String("session_id", id)),
		onStop: onStop,
	}
	s.touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user, which may be empty for anonymous sessions.
func (s *Session) UserID() string {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.userID
}

// State reports the current processing phase.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity reports when the session last saw client traffic or finished
// a pipeline run.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// HandleAudio submits a raw audio chunk. It is safe to call from the
// transport goroutine; chunks posted after the session stopped are dropped.
func (s *Session) HandleAudio(data []byte, mimeHint string) {
	s.post(chunkMsg{data: data, mime: mimeHint})
}

// HandleText submits a typed utterance, bypassing transcription.
func (s *Session) HandleText(text string) {
	s.post(textMsg{text: text})
}

// Identify attaches a user to a session that was created anonymously. The
// first identity wins; later attempts with a different user are ignored.
func (s *Session) Identify(userID string) {
	if userID == "" {
		return
	}
	s.post(identifyMsg{userID: userID})
}

// Touch records client activity without submitting audio.
func (s *Session) Touch() { s.touch() }

// stop asks the worker to shut the session down. It must not be called from
// the worker goroutine itself.
func (s *Session) stop(reason string) {
	s.stopOnce.Do(func() {
		select {
		case s.inbox <- stopMsg{reason: reason}:
		case <-s.done:
		}
	})
}

// Done is closed once the worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) post(msg any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(s.deps.Clock().UnixNano())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.greet(ctx)

	for {
		select {
		case <-ctx.Done():
			s.finalize("shutdown")
			return
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case chunkMsg:
				s.onChunk(ctx, m)
			case textMsg:
				s.onText(ctx, m.text)
			case runDoneMsg:
				if reason := s.onRunDone(ctx, m.result); reason != "" {
					s.finalize(reason)
					return
				}
			case cooldownMsg:
				s.onCooldown(ctx)
			case identifyMsg:
				s.onIdentify(ctx, m.userID)
			case stopMsg:
				s.finalize(m.reason)
				return
			}
		}
	}
}

// greet opens the conversation. The greeting itself never fails; audio is
// best-effort and the store lookups degrade to a first-time snapshot.
func (s *Session) greet(ctx context.Context) {
	greetCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	snapshot := s.snapshotUser(greetCtx)
	text := s.deps.Resolver.Resolve(greetCtx, snapshot)

	response := protocol.AIResponse{Text: text}
	if synth, err := s.deps.Controller.SynthesizeText(greetCtx, s.id, text, ""); err == nil {
		response.AudioBase64 = synth.AudioBase64
		response.DurationMS = synth.DurationMS
	} else {
		s.log.Warn("greeting synthesis failed", slog.String("error", err.Error()))
	}
	s.send(protocol.NewFrame(protocol.FrameAIResponse, s.id, response))

	turn := protocol.Turn{Speaker: protocol.SpeakerAgent, Text: text, Timestamp: s.deps.Clock().UTC()}
	s.appendHistory(turn)
	s.persistTurn(ctx, turn)

	s.deps.Events.PublishSessionEvent(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: s.id,
		UserID:    s.UserID(),
		Timestamp: s.deps.Clock().UTC(),
	})
}

func (s *Session) snapshotUser(ctx context.Context) greeting.UserSnapshot {
	userID := s.UserID()
	snapshot := greeting.UserSnapshot{UserID: userID, FirstTime: true}
	if userID == "" {
		return snapshot
	}

	if err := s.deps.Store.EnsureUser(ctx, userID); err != nil {
		s.log.Warn("failed to register user", slog.String("error", err.Error()))
	}
	hasHistory, err := s.deps.Store.HasHistory(ctx, userID)
	if err != nil {
		s.log.Warn("failed to load user history", slog.String("error", err.Error()))
		return snapshot
	}
	snapshot.FirstTime = !hasHistory
	if at, ok, err := s.deps.Store.LastActivity(ctx, userID); err == nil && ok {
		snapshot.LastActivity = at
	}
	if meals, err := s.deps.Store.MealsOn(ctx, userID, s.deps.Clock()); err == nil {
		snapshot.TodayMeals = meals
	}
	return snapshot
}

// onIdentify binds an anonymous session to a user.
func (s *Session) onIdentify(ctx context.Context, userID string) {
	s.touch()
	current := s.UserID()
	if current == userID {
		return
	}
	if current != "" {
		s.log.Warn("ignoring identity change on a bound session",
			slog.String("user_id", userID))
		return
	}
	s.userMu.Lock()
	s.userID = userID
	s.userMu.Unlock()
	s.log.Info("session identified", slog.String("user_id", userID))

	if err := s.deps.Store.EnsureUser(ctx, userID); err != nil {
		s.log.Warn("failed to register user", slog.String("error", err.Error()))
	}
}

func (s *Session) onChunk(ctx context.Context, m chunkMsg) {
	s.touch()
	if m.mime != "" {
		s.mimeHint = m.mime
	}

	if err := s.buffer.Limits().Check(m.data); err != nil {
		s.log.Debug("dropping audio chunk",
			slog.Int("bytes", len(m.data)),
			slog.String("reason", err.Error()))
		return
	}

	if s.State() == StateProcessing {
		if !s.queue.Enqueue(m.data) {
			s.log.Warn("audio queue full, shedding chunk",
				slog.Int("bytes", len(m.data)),
				slog.Int("dropped_total", s.queue.Dropped()))
			if !s.degraded {
				s.degraded = true
				s.send(protocol.NewFrame(protocol.FrameStatus, s.id, protocol.Status{
					State:  "degraded",
					Detail: "audio arriving faster than it can be processed; some chunks were dropped",
				}))
			}
		}
		return
	}

	s.feed(ctx, m.data)
}

// feed pushes validated audio through the buffer and reacts to the
// disposition. An Overflow forces a run even during cooldown; the memory
// ceiling takes precedence over pacing.
func (s *Session) feed(ctx context.Context, data []byte) {
	switch s.buffer.Append(data) {
	case audio.RejectedSmall, audio.RejectedCorrupt:
		// Already validated on the intake path; merged queue drains can
		// still trip the zero-byte heuristic.
		s.log.Debug("buffer rejected audio", slog.Int("bytes", len(data)))
	case audio.Buffered:
		if s.State() == StateIdle {
			s.setState(StateBuffering)
		}
	case audio.FlushReady:
		if s.State() == StateCooling {
			return
		}
		s.startRun(ctx, s.buffer.Flush())
	case audio.Overflow:
		pending := s.buffer.Flush()
		if len(pending) == 0 {
			s.startRun(ctx, data)
			return
		}
		s.startRun(ctx, pending)
		if !s.queue.Enqueue(data) {
			s.log.Warn("audio queue full after forced flush, shedding chunk",
				slog.Int("bytes", len(data)))
		}
	}
}

// onText runs a typed utterance through the conversational stages. Typed
// input is deliberate, so it skips the cooldown that paces audio storms.
func (s *Session) onText(ctx context.Context, text string) {
	s.touch()
	if s.State() == StateProcessing {
		s.log.Debug("ignoring typed input during an active run")
		return
	}
	s.setState(StateProcessing)
	s.send(protocol.NewFrame(protocol.FrameStatus, s.id, protocol.Status{State: "processing"}))

	run := pipeline.Run{
		SessionID: s.id,
		History:   append([]protocol.Turn(nil), s.history...),
		StartedAt: s.deps.Clock(),
	}
	go func() {
		result := s.deps.Controller.ExecuteText(ctx, run, text)
		s.post(runDoneMsg{result: result})
	}()
}

func (s *Session) startRun(ctx context.Context, input []byte) {
	s.setState(StateProcessing)
	s.send(protocol.NewFrame(protocol.FrameStatus, s.id, protocol.Status{State: "processing"}))

	run := pipeline.Run{
		SessionID: s.id,
		Input:     input,
		MimeHint:  s.mimeHint,
		History:   append([]protocol.Turn(nil), s.history...),
		StartedAt: s.deps.Clock(),
	}
	go func() {
		result := s.deps.Controller.Execute(ctx, run)
		s.post(runDoneMsg{result: result})
	}()
}

// onRunDone applies a finished pipeline run. A non-empty return value tells
// the worker to shut the session down with that reason.
func (s *Session) onRunDone(ctx context.Context, result pipeline.Result) string {
	s.touch()

	switch result.Outcome {
	case pipeline.Success:
		now := s.deps.Clock().UTC()
		userTurn := protocol.Turn{Speaker: protocol.SpeakerUser, Text: result.Transcript, Timestamp: now}
		agentTurn := protocol.Turn{Speaker: protocol.SpeakerAgent, Text: result.ReplyText, Timestamp: now}
		s.appendHistory(userTurn)
		s.appendHistory(agentTurn)
		s.persistTurn(ctx, userTurn)
		s.persistTurn(ctx, agentTurn)

		s.send(protocol.NewFrame(protocol.FrameAIResponse, s.id, protocol.AIResponse{
			Text:        result.ReplyText,
			AudioBase64: result.AudioBase64,
			DurationMS:  result.DurationMS,
		}))
		s.publishTurn(result)
		s.setState(StateIdle)

		if result.SessionComplete {
			s.send(protocol.NewFrame(protocol.FrameConversationCompleted, s.id, nil))
			return "completed"
		}

	case pipeline.NoSpeech, pipeline.Cancelled:
		s.setState(StateIdle)

	case pipeline.TimedOut, pipeline.ProviderError:
		// Fallback utterances are delivered but never recorded as agent
		// turns. A failed transcription leaves the history untouched.
		if result.Outcome == pipeline.ProviderError && result.Transcript != "" {
			userTurn := protocol.Turn{Speaker: protocol.SpeakerUser, Text: result.Transcript, Timestamp: s.deps.Clock().UTC()}
			s.appendHistory(userTurn)
			s.persistTurn(ctx, userTurn)
		}
		if result.ReplyText != "" {
			s.send(protocol.NewFrame(protocol.FrameAIResponse, s.id, protocol.AIResponse{Text: result.ReplyText}))
		}
		s.publishTurn(result)
		s.enterCooldown()
	}

	// Queued audio must land in the buffer ahead of any chunk that arrives
	// during the cooldown. While Cooling, feed buffers without flushing.
	if s.State() != StateProcessing {
		if merged := s.queue.Drain(); merged != nil {
			s.feed(ctx, merged)
		}
	}
	return ""
}

func (s *Session) enterCooldown() {
	s.setState(StateCooling)
	cooldown := time.Duration(s.pipeCfg.CooldownMS) * time.Millisecond
	time.AfterFunc(cooldown, func() {
		s.post(cooldownMsg{})
	})
}

func (s *Session) onCooldown(ctx context.Context) {
	if s.State() != StateCooling {
		return
	}
	if s.buffer.Len() > 0 {
		s.setState(StateBuffering)
	} else {
		s.setState(StateIdle)
	}
	if merged := s.queue.Drain(); merged != nil {
		s.feed(ctx, merged)
		if s.State() == StateProcessing {
			return
		}
	}
	if s.buffer.FlushReady() {
		s.startRun(ctx, s.buffer.Flush())
	}
}

func (s *Session) finalize(reason string) {
	s.log.Info("session ended", slog.String("reason", reason))

	s.deps.Events.PublishSessionEvent(protocol.SubjectSessionEnded, protocol.SessionEvent{
		SessionID: s.id,
		UserID:    s.UserID(),
		Reason:    reason,
		Timestamp: s.deps.Clock().UTC(),
	})

	if err := s.sender.Close(); err != nil {
		s.log.Debug("failed to close client connection", slog.String("error", err.Error()))
	}
	if s.onStop != nil {
		s.onStop(s.id)
	}
}

func (s *Session) appendHistory(turn protocol.Turn) {
	s.history = append(s.history, turn)
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
}

func (s *Session) persistTurn(ctx context.Context, turn protocol.Turn) {
	if err := s.deps.Store.AppendTurn(ctx, s.id, s.UserID(), turn); err != nil {
		s.log.Warn("failed to persist turn", slog.String("error", err.Error()))
	}
}

func (s *Session) publishTurn(result pipeline.Result) {
	s.deps.Events.PublishTurnEvent(protocol.TurnEvent{
		SessionID:  s.id,
		UserID:     s.UserID(),
		Transcript: result.Transcript,
		Reply:      result.ReplyText,
		Outcome:    result.Outcome.String(),
		Timestamp:  s.deps.Clock().UTC(),
	})
}

func (s *Session) send(frame protocol.Frame) {
	if err := s.sender.Send(frame); err != nil {
		s.log.Debug("failed to send frame",
			slog.String("frame_type", frame.Type),
			slog.String("error", err.Error()))
	}
}
