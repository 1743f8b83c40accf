// Package transport exposes the conversation websocket. Binary messages
// carry raw audio; text messages carry JSON frames.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/pipeline"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
	"github.com/Chandru-3009/conversational-be-sub001/internal/session"
)

const (
	writeTimeout   = 10 * time.Second
	enqueueTimeout = time.Second
	pingInterval   = 30 * time.Second
	maxFrameBytes  = 1 << 20
)

// Handler upgrades /ws requests and bridges each connection to a session.
type Handler struct {
	registry   *session.Registry
	controller *pipeline.Controller
	cfg        config.SessionConfig
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

func NewHandler(registry *session.Registry, controller *pipeline.Controller, cfg config.SessionConfig, log *slog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		controller: controller,
		cfg:        cfg,
		log:        log.With(slog.String("component", "transport")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps, not browsers; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")

	wsc := newWSConn(conn, h.cfg.OutboundBuffer, h.log)
	go wsc.writePump()

	sess := h.registry.GetOrCreate(sessionID, userID, wsc)
	h.readLoop(r, sess, wsc)
}

func (h *Handler) readLoop(r *http.Request, sess *session.Session, wsc *wsConn) {
	mimeHint := "audio/pcm"

	for {
		messageType, data, err := wsc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()))
			}
			h.registry.Remove(sess.ID(), "disconnected")
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			sess.HandleAudio(data, mimeHint)

		case websocket.TextMessage:
			var frame protocol.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				wsc.sendError(sess.ID(), "bad_frame", "frame is not valid JSON")
				continue
			}
			if done := h.handleFrame(r, sess, wsc, frame, &mimeHint); done {
				return
			}
		}
	}
}

// handleFrame dispatches one JSON frame. It returns true when the read loop
// should exit.
func (h *Handler) handleFrame(r *http.Request, sess *session.Session, wsc *wsConn, frame protocol.Frame, mimeHint *string) bool {
	switch frame.Type {
	case protocol.FrameClientReadyRequest:
		var ready protocol.ClientReady
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &ready); err != nil {
				wsc.sendError(sess.ID(), "bad_frame", "client_ready_request payload is malformed")
				return false
			}
		}
		if ready.Format != "" {
			*mimeHint = ready.Format
		}
		if ready.UserID != "" {
			sess.Identify(ready.UserID)
		}
		sess.Touch()
		h.send(wsc, protocol.NewFrame(protocol.FrameClientReadyResponse, sess.ID(), protocol.Status{State: "ready"}))

	case protocol.FrameUserMessage:
		var msg protocol.UserMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.Text == "" {
			wsc.sendError(sess.ID(), "bad_frame", "user_message payload needs a text field")
			return false
		}
		sess.HandleText(msg.Text)

	case protocol.FrameTTSRequest:
		var req protocol.TTSRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.Text == "" {
			wsc.sendError(sess.ID(), "bad_frame", "tts_request payload needs a text field")
			return false
		}
		sess.Touch()
		go func() {
			result, err := h.controller.SynthesizeText(r.Context(), sess.ID(), req.Text, req.Voice)
			if err != nil {
				wsc.sendError(sess.ID(), "tts_failed", "speech synthesis is unavailable")
				return
			}
			h.send(wsc, protocol.NewFrame(protocol.FrameAudio, sess.ID(), protocol.AIResponse{
				Text:        req.Text,
				AudioBase64: result.AudioBase64,
				DurationMS:  result.DurationMS,
			}))
		}()

	case protocol.FrameRealtimeSessionRequest:
		sess.Touch()
		h.send(wsc, protocol.NewFrame(protocol.FrameRealtimeSessionResponse, sess.ID(), protocol.Status{
			State:  "unavailable",
			Detail: "realtime passthrough is not enabled on this deployment",
		}))

	case protocol.FrameConversationCompleted:
		h.registry.Remove(sess.ID(), "completed")
		return true

	case protocol.FrameStatus:
		sess.Touch()

	default:
		wsc.sendError(sess.ID(), "unsupported_frame", "unrecognized frame type: "+frame.Type)
	}
	return false
}

func (h *Handler) send(wsc *wsConn, frame protocol.Frame) {
	if err := wsc.Send(frame); err != nil {
		h.log.Debug("failed to send frame", slog.String("frame_type", frame.Type), slog.String("error", err.Error()))
	}
}

// wsConn serializes all writes through a single pump goroutine, as required
// by the websocket library.
type wsConn struct {
	conn   *websocket.Conn
	send   chan protocol.Frame
	closed chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func newWSConn(conn *websocket.Conn, outboundBuffer int, log *slog.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan protocol.Frame, outboundBuffer),
		closed: make(chan struct{}),
		log:    log,
	}
}

var errConnClosed = errors.New("websocket connection closed")

// Send queues a frame for delivery. When the outbound buffer is full, status
// frames are shed first; other frames wait briefly before giving up.
func (c *wsConn) Send(frame protocol.Frame) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
	}

	if frame.Type == protocol.FrameStatus {
		return nil
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return errConnClosed
	case <-time.After(enqueueTimeout):
		return errors.New("outbound buffer full")
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Debug("websocket write failed", slog.String("error", err.Error()))
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) sendError(sessionID, code, message string) {
	frame := protocol.NewFrame(protocol.FrameError, sessionID, protocol.ErrorData{Code: code, Message: message})
	if err := c.Send(frame); err != nil {
		c.log.Debug("failed to send error frame", slog.String("error", err.Error()))
	}
}
