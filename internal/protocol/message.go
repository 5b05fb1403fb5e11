package protocol

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/SchlenkR/ronboard/internal/session"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
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
	TypeSessionCreated  = "session.created"
	TypeSessionStopped  = "session.stopped"
	TypeSessionRemoved  = "session.removed"
	TypeSessionResumed  = "session.resumed"
	TypeSessionRenamed  = "session.renamed"
	TypeSessionStatus   = "session.status"
	TypeSessionEnded    = "session.ended"
	TypeTerminalHistory = "terminal.history"
	TypeTerminalOutput  = "terminal.output"
	TypeStreamHistory   = "stream.history"
	TypeStreamMessage   = "stream.message"
	TypeFilesUpdate     = "files.update"
	TypeFilesTree       = "files.tree"
	TypeAgentConfig     = "agent.config"
	TypeError           = "error"
)

// Client → Server message types.
const (
	TypeSessionJoin        = "session.join"
	TypeSessionLeave       = "session.leave"
	TypeSessionInput       = "session.input"
	TypeSessionMessage     = "session.message"
	TypeSessionCreate      = "session.create"
	TypeSessionStop        = "session.stop"
	TypeSessionRemove      = "session.remove"
	TypeSessionResume      = "session.resume"
	TypeSessionRename      = "session.rename"
	TypeFilesRequestTree   = "files.requestTree"
	TypeAgentRequestConfig = "agent.requestConfig"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrWrongMode       = "WRONG_MODE"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

// SessionPayload carries a session snapshot for lifecycle messages.
type SessionPayload struct {
	Session session.View `json:"session"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type TerminalDataPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type StreamHistoryPayload struct {
	SessionID string            `json:"sessionId"`
	Messages  []session.Message `json:"messages"`
}

type StreamMessagePayload struct {
	SessionID string          `json:"sessionId"`
	Message   session.Message `json:"message"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type FilesTreePayload struct {
	SessionID string     `json:"sessionId"`
	Tree      []FileNode `json:"tree"`
}

type AgentConfigPayload struct {
	SessionID string       `json:"sessionId"`
	Files     []ConfigFile `json:"files"`
}

type ConfigFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
	Mode             string `json:"mode"`
	Model            string `json:"model,omitempty"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SessionRenamePayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// FileNode represents a file or directory in the tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
