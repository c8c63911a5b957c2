package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest    MessageType = "chat_request"
	TypeClearSession   MessageType = "clear_session"
	TypeChatResponse   MessageType = "chat_response"
	TypeSessionCleared MessageType = "session_cleared"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatRequest asks a question within a session. RequestID is echoed back so
// clients can match replies.
type ChatRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id"`
	Query     string      `json:"query"`
}

type ClearSession struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id"`
}

type ChatResponse struct {
	Type          MessageType `json:"type"`
	RequestID     string      `json:"request_id,omitempty"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id"`
	Answer        string      `json:"answer"`
	RetrievedDocs []string    `json:"retrieved_docs"`
}

type SessionCleared struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id"`
	Cleared   bool        `json:"cleared"`
	Message   string      `json:"message"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes a client frame. Field-level validation of
// session ids and queries happens in the pipeline, not here.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClearSession:
		var msg ClearSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
