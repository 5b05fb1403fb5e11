package session

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// TerminalBuffer is the append-only raw output of a terminal-mode session.
// Chunk boundaries carry no meaning; readers get the concatenation.
type TerminalBuffer struct {
	mu     sync.RWMutex
	chunks []string
	size   int
}

// NewTerminalBuffer creates a buffer seeded with previously persisted output.
func NewTerminalBuffer(history string) *TerminalBuffer {
	tb := &TerminalBuffer{}
	if history != "" {
		tb.chunks = []string{history}
		tb.size = len(history)
	}
	return tb
}

// Append adds a chunk of output.
func (tb *TerminalBuffer) Append(chunk string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.chunks = append(tb.chunks, chunk)
	tb.size += len(chunk)
}

// String returns all output in arrival order.
func (tb *TerminalBuffer) String() string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	var sb strings.Builder
	sb.Grow(tb.size)
	for _, c := range tb.chunks {
		sb.WriteString(c)
	}
	return sb.String()
}

// Len returns the total number of bytes buffered.
func (tb *TerminalBuffer) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.size
}

// MessageBuffer is the ordered transcript of a stream-mode session. It owns
// index assignment so that agent output and synthesized user messages share
// one gap-free sequence.
type MessageBuffer struct {
	mu   sync.RWMutex
	msgs []Message
	next int
}

// NewMessageBuffer creates a buffer seeded with previously persisted
// messages. New indices continue after the highest loaded one.
func NewMessageBuffer(history []Message) *MessageBuffer {
	mb := &MessageBuffer{msgs: make([]Message, 0, len(history))}
	for _, m := range history {
		mb.msgs = append(mb.msgs, m)
		if m.Index >= mb.next {
			mb.next = m.Index + 1
		}
	}
	return mb
}

// Append stores a new message and returns it with its assigned index.
func (mb *MessageBuffer) Append(ts time.Time, msgType string, payload json.RawMessage) Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	msg := Message{
		Index:     mb.next,
		Timestamp: ts,
		Type:      msgType,
		Payload:   payload,
	}
	mb.next++
	mb.msgs = append(mb.msgs, msg)
	return msg
}

// Snapshot returns a copy of all messages in index order.
func (mb *MessageBuffer) Snapshot() []Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	result := make([]Message, len(mb.msgs))
	copy(result, mb.msgs)
	return result
}

// Len returns the number of buffered messages.
func (mb *MessageBuffer) Len() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.msgs)
}
