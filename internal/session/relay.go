package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// relay drains one process's output into the session until the process
// closes it. Once a newer process is attached, remaining output is dropped
// and no session_ended is published for the old one.
func (m *Manager) relay(ls *liveSession, proc *Process, gen uint64, done chan struct{}) {
	defer m.background.Done()
	defer close(done)

	id := ls.snapshot().ID
	ctx := context.Background()
	frames, dropped := 0, 0
	for {
		frame, ok := proc.Next(ctx)
		if !ok {
			break
		}

		ls.recordMu.Lock()
		if ls.generation() != gen {
			ls.recordMu.Unlock()
			dropped++
			continue
		}
		frames++
		ev := ls.strategy.record(ls, frame, time.Now().UTC())
		ev.SessionID = id
		m.record(ls, ev)
		ls.recordMu.Unlock()
	}

	log.Debug().
		Str("sessionId", id).
		Int("pid", proc.Pid()).
		Int("frames", frames).
		Int("dropped", dropped).
		Msg("output relay finished")

	if ls.generation() == gen {
		m.bus.Publish(Event{Type: EventSessionEnded, SessionID: id})
	}
}

// record persists an already-buffered output unit and announces it. The
// caller holds ls.recordMu.
func (m *Manager) record(ls *liveSession, ev Event) {
	id := ev.SessionID
	switch ev.Type {
	case EventTerminalOutput:
		chunk := ev.Data
		ls.persist.enqueue("terminal output", func(ctx context.Context) error {
			return m.store.AppendTerminalOutput(ctx, id, chunk)
		})
	case EventStreamMessage:
		msg := *ev.Message
		ls.persist.enqueue("stream message", func(ctx context.Context) error {
			return m.store.AppendStreamMessage(ctx, id, msg)
		})
	}

	m.touch(ls)
	m.bus.Publish(Event{Type: EventOutputObserved, SessionID: id})
	m.bus.Publish(ev)
}

func (terminalMode) record(ls *liveSession, f Frame, _ time.Time) Event {
	ls.terminal.Append(f.Data)
	return Event{Type: EventTerminalOutput, Data: f.Data}
}

func (streamMode) record(ls *liveSession, f Frame, ts time.Time) Event {
	msg := ls.messages.Append(ts, f.Type, f.Payload)
	return Event{Type: EventStreamMessage, Message: &msg}
}
