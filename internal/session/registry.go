package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
)

// Registry tracks live sessions, assigns identifiers and evicts sessions
// that have gone quiet.
type Registry struct {
	pipeCfg config.PipelineConfig
	sessCfg config.SessionConfig
	deps    Deps
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, pipeCfg config.PipelineConfig, sessCfg config.SessionConfig, deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	regCtx, cancel := context.WithCancel(ctx)

	r := &Registry{
		pipeCfg:  pipeCfg,
		sessCfg:  sessCfg,
		deps:     deps,
		log:      deps.Log.With(slog.String("component", "session_registry")),
		sessions: make(map[string]*Session),
		ctx:      regCtx,
		cancel:   cancel,
	}
	r.initMetrics()

	r.wg.Add(1)
	go r.sweep()

	return r
}

func (r *Registry) initMetrics() {
	meter := otel.Meter("voiced/session")
	gauge, err := meter.Int64ObservableGauge("voiced.sessions.active",
		metric.WithDescription("Number of live conversation sessions"))
	if err != nil {
		r.log.Warn("failed to create session gauge", slog.String("error", err.Error()))
		return
	}
	r.activeGauge = gauge
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(r.Count()))
		return nil
	}, gauge)
	if err != nil {
		r.log.Warn("failed to register session gauge callback", slog.String("error", err.Error()))
	}
}

// GetOrCreate returns the session with the given identifier, creating and
// starting it when absent. An empty identifier allocates a fresh one.
func (r *Registry) GetOrCreate(id, userID string, sender Sender) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		sess.Touch()
		return sess
	}

	sess := newSession(id, userID, r.pipeCfg, r.sessCfg, sender, r.deps, r.remove)
	r.sessions[id] = sess

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sess.run(r.ctx)
	}()

	r.log.Info("session started",
		slog.String("session_id", id),
		slog.String("user_id", userID))
	return sess
}

// Get returns a live session without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove asks a session to stop. The map entry disappears once the worker
// has finished; in-flight pipeline results for the session are discarded.
func (r *Registry) Remove(id, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	go sess.stop(reason)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweep() {
	defer r.wg.Done()

	interval := time.Duration(r.sessCfg.SweepIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	idle := time.Duration(r.sessCfg.IdleTimeoutMS) * time.Millisecond
	cutoff := r.deps.Clock().Add(-idle)

	r.mu.Lock()
	var stale []*Session
	for _, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range stale {
		r.log.Info("evicting idle session",
			slog.String("session_id", sess.ID()),
			slog.Time("last_activity", sess.LastActivity()))
		go sess.stop("idle_evicted")
	}
}

// Close stops the sweeper and every live session and waits for the workers
// to drain.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.log.Info("session registry closed")
}
