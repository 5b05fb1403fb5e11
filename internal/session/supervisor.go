package session

import "github.com/rs/zerolog/log"

// supervise records the exit of one process instance. Exits of processes
// that were stopped on request or replaced by a resume are ignored.
func (m *Manager) supervise(ls *liveSession, proc *Process) {
	defer m.background.Done()

	<-proc.Done()

	ls.mu.Lock()
	if ls.proc != proc {
		ls.mu.Unlock()
		return
	}
	ls.proc = nil
	ls.session.Status = StatusStopped
	if proc.Err() != nil {
		ls.session.Status = StatusError
	}
	snap := ls.session
	ls.mu.Unlock()

	log.Info().
		Str("sessionId", snap.ID).
		Int("pid", proc.Pid()).
		Int("exitCode", proc.ExitCode()).
		Str("status", string(snap.Status)).
		Msg("agent process exited")

	m.saveMetadata(ls, snap)
	m.bus.Publish(Event{Type: EventSessionStatus, SessionID: snap.ID, Session: &snap})
}
