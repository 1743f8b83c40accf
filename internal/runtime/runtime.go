// Package runtime assembles the voice backend: providers, pipeline, session
// registry, persistence, eventing and the HTTP surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/bus"
	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/greeting"
	"github.com/Chandru-3009/conversational-be-sub001/internal/llm"
	"github.com/Chandru-3009/conversational-be-sub001/internal/natsserver"
	"github.com/Chandru-3009/conversational-be-sub001/internal/pipeline"
	"github.com/Chandru-3009/conversational-be-sub001/internal/session"
	"github.com/Chandru-3009/conversational-be-sub001/internal/store"
	"github.com/Chandru-3009/conversational-be-sub001/internal/stt"
	"github.com/Chandru-3009/conversational-be-sub001/internal/transport"
	"github.com/Chandru-3009/conversational-be-sub001/internal/tts"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	store       *store.Store
	events      *bus.Client
	embedded    *natsserver.EmbeddedServer
	registry    *session.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the service up and blocks until the context is cancelled,
// then tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.store, err = store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if r.cfg.Bus.Enabled {
		r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		r.events, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			// Eventing is best-effort; the voice path works without it.
			r.logger.Warn("event bus unavailable, continuing without it",
				slog.String("error", err.Error()))
			r.events = nil
		}
	}

	transcriber, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to build transcriber: %w", err)
	}
	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to build AI backend: %w", err)
	}
	synthesizer, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to build synthesizer: %w", err)
	}

	controller := pipeline.NewController(r.cfg.Pipeline, transcriber, generator, synthesizer,
		r.cfg.TTS.Voice, r.cfg.LLM.SystemPrompt, r.logger)
	resolver := greeting.NewResolver(generator, r.cfg.Session.GreetingRetries,
		time.Duration(r.cfg.Session.GreetingDelayMS)*time.Millisecond, r.logger)

	r.registry = session.NewRegistry(ctx, r.cfg.Pipeline, r.cfg.Session, session.Deps{
		Controller: controller,
		Store:      r.store,
		Resolver:   resolver,
		Events:     r.events,
		Log:        r.logger,
		Clock:      time.Now,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.Handle("/ws", transport.NewHandler(r.registry, controller, r.cfg.Session, r.logger))

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.registry.Close()
	r.events.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("store shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
