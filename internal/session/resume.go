package session

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog/log"
)

// Resume starts a new agent process for a session whose process is gone
// and primes it with the session's earlier inputs. Resuming a session that
// is still running returns it unchanged.
func (m *Manager) Resume(ctx context.Context, id string) (Session, error) {
	ls, ok := m.lookup(id)
	if !ok {
		return Session{}, notFound(id)
	}

	ls.resumeMu.Lock()
	defer ls.resumeMu.Unlock()

	if proc := ls.process(); proc != nil && !proc.Exited() {
		return ls.snapshot(), nil
	}

	inputs, err := m.store.LoadInputHistory(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", id).Msg("failed to load input history, resuming without context")
		inputs = nil
	}

	m.awaitRelay(ctx, ls)

	snap := ls.snapshot()
	proc, err := m.launcher.Start(ctx, snap.Mode, snap.WorkingDirectory, snap.Model)
	if err != nil {
		ls.mu.Lock()
		ls.session.Status = StatusError
		snap = ls.session
		ls.mu.Unlock()

		log.Error().Err(err).Str("sessionId", id).Msg("failed to resume session")
		m.saveMetadata(ls, snap)
		m.bus.Publish(Event{Type: EventSessionStatus, SessionID: id, Session: &snap})
		return snap, err
	}

	ls.mu.Lock()
	ls.proc = proc
	ls.session.Status = StatusRunning
	ls.session.LastUsedAt = time.Now().UTC()
	ls.dirty = false
	snap = ls.session
	ls.mu.Unlock()

	m.attach(ls, proc)

	if len(inputs) > 0 {
		m.prime(ls, proc, inputs)
	}

	log.Info().
		Str("sessionId", id).
		Int("pid", proc.Pid()).
		Int("inputs", len(inputs)).
		Msg("session resumed")

	m.saveMetadata(ls, snap)
	m.bus.Publish(Event{Type: EventSessionResumed, SessionID: id, Session: &snap})
	return snap, nil
}

// prime writes the resume prompt to a freshly started process. It bypasses
// the input log and the transcript.
func (m *Manager) prime(ls *liveSession, proc *Process, inputs []string) {
	if strings.TrimSpace(ansi.Strip(strings.Join(inputs, "\n"))) == "" {
		return
	}
	prompt := BuildResumePrompt(inputs)
	id := ls.snapshot().ID

	write := func() {
		if err := proc.WriteMessage(prompt); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to send resume prompt")
		}
	}

	delay := ls.strategy.primingDelay(m.settleDelay)
	if delay <= 0 {
		write()
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			write()
		case <-proc.Done():
		}
	}()
}
