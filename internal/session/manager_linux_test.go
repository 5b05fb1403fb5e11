//go:build linux

package session

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_TerminalResumeKeepsHistory(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no PTY support")
	}

	store := newMemStore()
	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeTerminal})
	require.Equal(t, StatusRunning, s.Status)
	view, ok := m.View(s.ID)
	require.True(t, ok)
	assert.True(t, view.IsRunning)

	require.NoError(t, m.SendInput(ctx, s.ID, "hello\r"))
	require.Eventually(t, func() bool { return strings.Contains(m.TerminalHistory(s.ID), "hello") }, waitFor, tick)
	require.Eventually(t, func() bool { return len(store.inputsOf(s.ID)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"hello\r"}, store.inputsOf(s.ID))
	assert.ErrorIs(t, m.SendMessage(ctx, s.ID, "hello"), ErrWrongMode)

	assert.True(t, m.Stop(ctx, s.ID))
	assert.True(t, m.Stop(ctx, s.ID))
	assert.Equal(t, 1, rec.count(EventSessionStopped, s.ID))
	require.Eventually(t, func() bool { return rec.count(EventSessionEnded, s.ID) == 1 }, waitFor, tick)

	before := m.TerminalHistory(s.ID)

	resumed, err := m.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)

	// The priming prompt is typed after the settle delay and echoed by the tty.
	require.Eventually(t, func() bool {
		return strings.Contains(m.TerminalHistory(s.ID), ResumeMarker)
	}, waitFor, tick)

	after := m.TerminalHistory(s.ID)
	assert.True(t, strings.HasPrefix(after, before), "history before the resume must be kept")
	assert.Contains(t, after[len(before):], "[User said]: hello")
	assert.Equal(t, []string{"hello\r"}, store.inputsOf(s.ID))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.terminal[s.ID] == m.TerminalHistory(s.ID)
	}, waitFor, tick)
}
