package session

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// UntitledName marks a session that has not been named yet.
const UntitledName = "Untitled"

// Mode fixes the framing protocol of a session for its whole lifetime.
type Mode string

const (
	ModeTerminal Mode = "terminal"
	ModeStream   Mode = "stream"
)

// ParseMode maps a client-supplied mode string to a Mode. Anything other
// than "stream" selects terminal mode.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, string(ModeStream)) {
		return ModeStream
	}
	return ModeTerminal
}

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Session holds metadata and state for a single agent conversation.
type Session struct {
	ID               string    `json:"id"`
	Number           int       `json:"number"`
	Name             string    `json:"name"`
	WorkingDirectory string    `json:"workingDirectory"`
	Mode             Mode      `json:"mode"`
	Model            string    `json:"model,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUsedAt       time.Time `json:"lastUsedAt"`
}

// Message is one entry of a stream-mode transcript.
type Message struct {
	Index     int             `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"rawJson"`
}

// MessageTypeUserMessage tags the entries synthesized for user input.
const MessageTypeUserMessage = "user_message"

// View is the API representation of a session.
type View struct {
	Session
	IsRunning bool `json:"isRunning"`
}
