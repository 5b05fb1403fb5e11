package protocol

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/SchlenkR/ronboard/internal/session"
)

func rawClientMessage(t *testing.T, msgType string, payload map[string]any) []byte {
	t.Helper()
	msg := map[string]any{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestNewMessage(t *testing.T) {
	payload := SessionPayload{Session: session.View{
		Session:   session.Session{ID: "test-id", Name: "Untitled", Mode: session.ModeStream},
		IsRunning: true,
	}}

	msg, err := NewMessage(TypeSessionCreated, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeSessionCreated {
		t.Errorf("expected type %s, got %s", TypeSessionCreated, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p struct {
		Session struct {
			ID        string `json:"id"`
			Mode      string `json:"mode"`
			IsRunning bool   `json:"isRunning"`
		} `json:"session"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Session.ID != "test-id" || p.Session.Mode != "stream" || !p.Session.IsRunning {
		t.Errorf("unexpected session payload: %+v", p.Session)
	}
}

func TestValidateClientMessage_Valid(t *testing.T) {
	tests := []struct {
		msgType string
		payload map[string]any
	}{
		{TypeSessionCreate, map[string]any{"workingDirectory": "/tmp/test", "name": "x", "mode": "stream"}},
		{TypeSessionCreate, map[string]any{"workingDirectory": "~/code"}},
		{TypeSessionJoin, map[string]any{"sessionId": "abc"}},
		{TypeSessionLeave, map[string]any{"sessionId": "abc"}},
		{TypeSessionInput, map[string]any{"sessionId": "abc", "data": "ls\r"}},
		{TypeSessionMessage, map[string]any{"sessionId": "abc", "text": "hello"}},
		{TypeSessionStop, map[string]any{"sessionId": "abc"}},
		{TypeSessionRemove, map[string]any{"sessionId": "abc"}},
		{TypeSessionResume, map[string]any{"sessionId": "abc"}},
		{TypeSessionRename, map[string]any{"sessionId": "abc", "name": "New Name"}},
		{TypeFilesRequestTree, map[string]any{"sessionId": "abc"}},
		{TypeAgentRequestConfig, map[string]any{"sessionId": "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			result, err := ValidateClientMessage(rawClientMessage(t, tt.msgType, tt.payload))
			if err != nil {
				t.Fatalf("expected valid message, got error: %v", err)
			}
			if result.Type != tt.msgType {
				t.Errorf("expected type %s, got %s", tt.msgType, result.Type)
			}
		})
	}
}

func TestValidateClientMessage_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload map[string]any
	}{
		{"create without directory", TypeSessionCreate, map[string]any{"name": "test"}},
		{"join without session", TypeSessionJoin, map[string]any{}},
		{"input without session", TypeSessionInput, map[string]any{"data": "x"}},
		{"input without data", TypeSessionInput, map[string]any{"sessionId": "abc"}},
		{"message without text", TypeSessionMessage, map[string]any{"sessionId": "abc"}},
		{"rename without name", TypeSessionRename, map[string]any{"sessionId": "abc"}},
		{"stop without session", TypeSessionStop, map[string]any{"name": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateClientMessage(rawClientMessage(t, tt.msgType, tt.payload)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	_, err := ValidateClientMessage([]byte(`{"payload":{}}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateClientMessage_UnknownType(t *testing.T) {
	_, err := ValidateClientMessage(rawClientMessage(t, "unknown.action", map[string]any{}))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	data := []byte(`{"type":"session.create","timestamp":"2024-01-01T00:00:00.000Z"}`)

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestValidateClientMessage_WrongPayloadShape(t *testing.T) {
	data := []byte(`{"type":"session.message","payload":{"sessionId":42,"text":"hi"}}`)

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for non-string sessionId")
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrSessionNotFound, "session xyz not found")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Code != ErrSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrSessionNotFound, p.Code)
	}
}
