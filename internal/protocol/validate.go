package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid message")

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeRuntimeTell: true,
	TypeRuntimeAsk:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalid, err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing 'type' field", ErrInvalid)
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("%w: unknown message type: %s", ErrInvalid, msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: missing 'payload' field", ErrInvalid)
	}

	switch msg.Type {
	case TypeRuntimeTell:
		var p RuntimeTellPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: invalid payload for %s: %v", ErrInvalid, msg.Type, err)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("%w: missing required field 'command' in %s payload", ErrInvalid, msg.Type)
		}

	case TypeRuntimeAsk:
		var p RuntimeAskPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: invalid payload for %s: %v", ErrInvalid, msg.Type, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("%w: missing required field 'requestId' in %s payload", ErrInvalid, msg.Type)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("%w: missing required field 'command' in %s payload", ErrInvalid, msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
