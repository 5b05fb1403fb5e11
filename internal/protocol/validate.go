package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionJoin:        true,
	TypeSessionLeave:       true,
	TypeSessionInput:       true,
	TypeSessionMessage:     true,
	TypeSessionCreate:      true,
	TypeSessionStop:        true,
	TypeSessionRemove:      true,
	TypeSessionResume:      true,
	TypeSessionRename:      true,
	TypeFilesRequestTree:   true,
	TypeAgentRequestConfig: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.WorkingDirectory == "" {
			return nil, missing(msg.Type, "workingDirectory")
		}

	case TypeSessionInput:
		var p SessionInputPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}
		if p.Data == "" {
			return nil, missing(msg.Type, "data")
		}

	case TypeSessionMessage:
		var p SessionMessagePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}
		if p.Text == "" {
			return nil, missing(msg.Type, "text")
		}

	case TypeSessionRename:
		var p SessionRenamePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}
		if p.Name == "" {
			return nil, missing(msg.Type, "name")
		}

	default:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing(msg.Type, "sessionId")
		}
	}

	return &msg, nil
}

func decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missing(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
