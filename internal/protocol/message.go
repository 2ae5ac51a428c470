package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all relay messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeRuntimeEvent = "runtime.event"
	TypeRuntimeReply = "runtime.reply"
	TypeRuntimeExit  = "runtime.exit"
	TypeError        = "error"
)

// Client → Server message types.
const (
	TypeRuntimeTell = "runtime.tell"
	TypeRuntimeAsk  = "runtime.ask"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrSessionClosed  = "SESSION_CLOSED"
	ErrCommandFailed  = "COMMAND_FAILED"
)

// Server → Client payloads.

type RuntimeEventPayload struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value bool   `json:"value,omitempty"`
	Event *Event `json:"event,omitempty"`
	Text  string `json:"text,omitempty"`
}

type RuntimeReplyPayload struct {
	RequestID string `json:"requestId"`
	Reply     string `json:"reply"`
}

type RuntimeExitPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type RuntimeTellPayload struct {
	Command string `json:"command"`
}

type RuntimeAskPayload struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
}

// NewEventPayload converts a callback frame into its relay payload.
func NewEventPayload(f Frame) RuntimeEventPayload {
	p := RuntimeEventPayload{
		Kind: f.Kind.String(),
		Key:  f.Key,
	}
	switch f.Kind {
	case KindBool:
		p.Value = f.Value
	case KindEvent:
		ev := f.Event
		p.Event = &ev
	case KindFont:
		p.Text = f.Text
	}
	return p
}
