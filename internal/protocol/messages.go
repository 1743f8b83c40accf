package protocol

import (
	"encoding/json"
	"time"
)

// Frame is the JSON envelope exchanged on the websocket. Binary websocket
// messages carry raw audio and never use this envelope.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Frame types understood on the wire.
const (
	FrameAudio                   = "audio"
	FrameText                    = "text"
	FrameStatus                  = "status"
	FrameError                   = "error"
	FrameClientReadyRequest      = "client_ready_request"
	FrameClientReadyResponse     = "client_ready_response"
	FrameConversationCompleted   = "conversation_completed"
	FrameUserMessage             = "user_message"
	FrameAIResponse              = "ai_response"
	FrameRealtimeSessionRequest  = "realtime_session_request"
	FrameRealtimeSessionResponse = "realtime_session_response"
	FrameTTSRequest              = "tts_request"
)

// ClientReady is the payload of a client_ready_request frame.
type ClientReady struct {
	UserID string `json:"user_id,omitempty"`
	Format string `json:"format,omitempty"`
}

// AIResponse is the payload of an ai_response frame. AudioBase64 is omitted
// when synthesis was skipped and the reply is text-only.
type AIResponse struct {
	Text        string `json:"text"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	DurationMS  int    `json:"duration_ms,omitempty"`
}

// UserMessage is the payload of a user_message frame carrying typed input.
type UserMessage struct {
	Text string `json:"text"`
}

// TTSRequest is the payload of a tts_request frame.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Status is the payload of a status frame.
type Status struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Speaker identifies the author of a conversation turn.
const (
	SpeakerUser  = "user"
	SpeakerAgent = "agent"
)

// Turn is one utterance in a session's conversation history.
type Turn struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent is broadcast on the bus when a session starts or ends.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent is broadcast on the bus after a completed pipeline run.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSessionStarted = "conv.session.started"
	SubjectSessionEnded   = "conv.session.ended"
	SubjectTurnCompleted  = "conv.turn.completed"
)

// NewFrame builds an envelope with a marshalled payload. Payloads are plain
// structs, so marshalling cannot fail in practice.
func NewFrame(frameType, sessionID string, payload any) Frame {
	frame := Frame{
		Type:      frameType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			frame.Data = data
		}
	}
	return frame
}
