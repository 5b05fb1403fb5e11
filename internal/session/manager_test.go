package session

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

// memStore is an in-memory HistoryStore.
type memStore struct {
	mu       sync.Mutex
	meta     map[string]Session
	terminal map[string]string
	messages map[string][]Message
	inputs   map[string][]string
	deleted  []string
	next     int
}

func newMemStore() *memStore {
	return &memStore{
		meta:     make(map[string]Session),
		terminal: make(map[string]string),
		messages: make(map[string][]Message),
		inputs:   make(map[string][]string),
	}
}

func (s *memStore) SaveMetadata(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[sess.ID] = sess
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.meta {
		sess.Status = StatusStopped
		out = append(out, sess)
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, id)
	delete(s.terminal, id)
	delete(s.messages, id)
	delete(s.inputs, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memStore) AppendTerminalOutput(_ context.Context, id, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal[id] += chunk
	return nil
}

func (s *memStore) LoadTerminalHistory(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal[id], nil
}

func (s *memStore) AppendStreamMessage(_ context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msg)
	return nil
}

func (s *memStore) LoadStreamHistory(_ context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[id]...), nil
}

func (s *memStore) AppendInput(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[id] = append(s.inputs[id], text)
	return nil
}

func (s *memStore) LoadInputHistory(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs[id]...), nil
}

func (s *memStore) NextNumber(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) metadata(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.meta[id]
	return sess, ok
}

func (s *memStore) inputsOf(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs[id]...)
}

func (s *memStore) messagesOf(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[id]...)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ EventType, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ && e.SessionID == id {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, store *memStore, agent string) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(Options{
		Store:                 store,
		Launcher:              testLauncher(t, agent),
		ResumeSettleDelay:     50 * time.Millisecond,
		LastUsedFlushInterval: 20 * time.Millisecond,
	})
	rec := &recorder{}
	m.Subscribe(rec.handle)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, rec
}

func statusOf(m *Manager, id string) Status {
	s, _ := m.Get(id)
	return s.Status
}

func TestManager_CreateMissingDirectory(t *testing.T) {
	store := newMemStore()
	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))

	s := m.Create(context.Background(), CreateOptions{WorkingDirectory: "/nonexistent/ronboard", Mode: ModeTerminal})

	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, UntitledName, s.Name)
	assert.Equal(t, 1, s.Number)
	assert.Equal(t, 1, rec.count(EventSessionCreated, s.ID))

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s, got)

	require.Eventually(t, func() bool {
		stored, ok := store.metadata(s.ID)
		return ok && stored.Status == StatusError
	}, waitFor, tick)
}

func TestManager_ListOrderedByNumber(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), writeAgent(t, "exec cat"))

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		s := m.Create(context.Background(), CreateOptions{Name: name, WorkingDirectory: "/nonexistent"})
		ids = append(ids, s.ID)
	}

	list := m.List()
	require.Len(t, list, 3)
	for i, s := range list {
		assert.Equal(t, ids[i], s.ID)
		assert.Equal(t, i+1, s.Number)
	}
	assert.Equal(t, "two", list[1].Name)
}

func TestManager_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), writeAgent(t, "exec cat"))
	ctx := context.Background()

	_, ok := m.Get("nope")
	assert.False(t, ok)
	assert.ErrorIs(t, m.SendInput(ctx, "nope", "x"), ErrNotFound)
	assert.ErrorIs(t, m.SendMessage(ctx, "nope", "x"), ErrNotFound)
	assert.ErrorIs(t, m.Rename(ctx, "nope", "x"), ErrNotFound)
	_, err := m.Resume(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.Stop(ctx, "nope"))
	assert.False(t, m.Remove(ctx, "nope"))
	assert.Empty(t, m.TerminalHistory("nope"))
	assert.Nil(t, m.StreamHistory("nope"))
}

func TestManager_WrongMode(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), writeAgent(t, "exec cat"))
	ctx := context.Background()

	stream := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.Equal(t, StatusRunning, stream.Status)
	assert.ErrorIs(t, m.SendInput(ctx, stream.ID, "ls\r"), ErrWrongMode)

	terminal := m.Create(ctx, CreateOptions{WorkingDirectory: "/nonexistent", Mode: ModeTerminal})
	assert.ErrorIs(t, m.SendMessage(ctx, terminal.ID, "hello"), ErrWrongMode)
}

func TestManager_StreamRoundTrip(t *testing.T) {
	store := newMemStore()
	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.Equal(t, StatusRunning, s.Status)

	view, ok := m.View(s.ID)
	require.True(t, ok)
	assert.True(t, view.IsRunning)

	require.NoError(t, m.SendMessage(ctx, s.ID, "hello"))

	require.Eventually(t, func() bool { return len(m.StreamHistory(s.ID)) == 2 }, waitFor, tick)
	history := m.StreamHistory(s.ID)

	assert.Equal(t, 0, history[0].Index)
	assert.Equal(t, MessageTypeUserMessage, history[0].Type)
	assert.JSONEq(t, `{"text":"hello"}`, string(history[0].Payload))

	assert.Equal(t, 1, history[1].Index)
	assert.Equal(t, "user", history[1].Type)
	var echoed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(history[1].Payload, &echoed))
	assert.Equal(t, "hello", echoed.Message.Content)

	require.Eventually(t, func() bool { return len(store.messagesOf(s.ID)) == 2 }, waitFor, tick)
	assert.Equal(t, history, store.messagesOf(s.ID))
	assert.Equal(t, []string{"hello"}, store.inputsOf(s.ID))

	assert.Equal(t, 2, rec.count(EventStreamMessage, s.ID))
	assert.GreaterOrEqual(t, rec.count(EventOutputObserved, s.ID), 2)
}

func TestManager_StopKeepsStoppedStatus(t *testing.T) {
	store := newMemStore()
	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.Equal(t, StatusRunning, s.Status)

	assert.True(t, m.Stop(ctx, s.ID))
	assert.Equal(t, StatusStopped, statusOf(m, s.ID))

	require.Eventually(t, func() bool { return rec.count(EventSessionEnded, s.ID) == 1 }, waitFor, tick)
	assert.Equal(t, StatusStopped, statusOf(m, s.ID))
	assert.Zero(t, rec.count(EventSessionStatus, s.ID))

	assert.True(t, m.Stop(ctx, s.ID))
	assert.Equal(t, 1, rec.count(EventSessionStopped, s.ID))

	view, _ := m.View(s.ID)
	assert.False(t, view.IsRunning)

	require.NoError(t, m.SendMessage(ctx, s.ID, "ignored"))
	assert.Empty(t, m.StreamHistory(s.ID))
	assert.Empty(t, store.inputsOf(s.ID))
}

func TestManager_SupervisorRecordsExit(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   Status
	}{
		{name: "clean exit", script: "exit 0", want: StatusStopped},
		{name: "failure", script: "exit 3", want: StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			m, rec := newTestManager(t, store, writeAgent(t, tt.script))

			s := m.Create(context.Background(), CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})

			require.Eventually(t, func() bool { return rec.count(EventSessionStatus, s.ID) == 1 }, waitFor, tick)
			assert.Equal(t, tt.want, statusOf(m, s.ID))
			require.Eventually(t, func() bool {
				stored, ok := store.metadata(s.ID)
				return ok && stored.Status == tt.want
			}, waitFor, tick)
		})
	}
}

func TestManager_Rename(t *testing.T) {
	store := newMemStore()
	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: "/nonexistent"})
	require.NoError(t, m.Rename(ctx, s.ID, "Refactor Parser"))

	got, _ := m.Get(s.ID)
	assert.Equal(t, "Refactor Parser", got.Name)
	assert.Equal(t, 1, rec.count(EventSessionRenamed, s.ID))
	require.Eventually(t, func() bool {
		stored, _ := store.metadata(s.ID)
		return stored.Name == "Refactor Parser"
	}, waitFor, tick)
}

func TestManager_Remove(t *testing.T) {
	store := newMemStore()
	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.NoError(t, m.SendMessage(ctx, s.ID, "hello"))

	assert.True(t, m.Remove(ctx, s.ID))
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(EventSessionRemoved, s.ID))
	assert.False(t, m.Remove(ctx, s.ID))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.deleted, s.ID)
	assert.NotContains(t, store.meta, s.ID)
}

func TestManager_LoadRestoresStoppedSessions(t *testing.T) {
	store := newMemStore()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.meta["t1"] = Session{ID: "t1", Number: 1, Name: "term", Mode: ModeTerminal, Status: StatusRunning, CreatedAt: created, LastUsedAt: created}
	store.meta["s1"] = Session{ID: "s1", Number: 2, Name: "stream", Mode: ModeStream, Status: StatusRunning, CreatedAt: created, LastUsedAt: created}
	store.terminal["t1"] = "\x1b[1mhello\x1b[0m world"
	store.messages["s1"] = []Message{
		{Index: 0, Type: MessageTypeUserMessage, Payload: json.RawMessage(`{"text":"hi"}`)},
		{Index: 1, Type: "stream_event", Payload: json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi there"}}}`)},
	}

	m, _ := newTestManager(t, store, writeAgent(t, "exec cat"))
	require.NoError(t, m.Load(context.Background()))

	list := m.List()
	require.Len(t, list, 2)
	for _, s := range list {
		assert.Equal(t, StatusStopped, s.Status)
	}

	assert.Equal(t, "\x1b[1mhello\x1b[0m world", m.TerminalHistory("t1"))
	assert.Equal(t, "hello world", m.PlainText("t1"))
	assert.Len(t, m.StreamHistory("s1"), 2)
	assert.Equal(t, "Hi there", m.PlainText("s1"))
}

func TestManager_ResumeStreamPrimes(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	store.meta["s1"] = Session{ID: "s1", Number: 1, Name: "stream", WorkingDirectory: dir, Mode: ModeStream, Status: StatusStopped}
	store.messages["s1"] = []Message{
		{Index: 0, Type: MessageTypeUserMessage, Payload: json.RawMessage(`{"text":"first question"}`)},
		{Index: 1, Type: "result", Payload: json.RawMessage(`{"type":"result"}`)},
	}
	store.inputs["s1"] = []string{"first question"}

	m, rec := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	s, err := m.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, 1, rec.count(EventSessionResumed, "s1"))

	// cat echoes the priming prompt back as a "user" record.
	require.Eventually(t, func() bool { return len(m.StreamHistory("s1")) == 3 }, waitFor, tick)
	primed := m.StreamHistory("s1")[2]
	assert.Equal(t, 2, primed.Index)
	assert.Equal(t, "user", primed.Type)
	assert.Contains(t, string(primed.Payload), "[User said]: first question")
	assert.Contains(t, string(primed.Payload), ResumeMarker)

	assert.Equal(t, []string{"first question"}, store.inputsOf("s1"))

	again, err := m.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, again.Status)
	assert.Equal(t, 1, rec.count(EventSessionResumed, "s1"))
}

func TestManager_ResumeWithoutInputsSkipsPriming(t *testing.T) {
	store := newMemStore()
	store.meta["s1"] = Session{ID: "s1", Number: 1, WorkingDirectory: t.TempDir(), Mode: ModeStream}

	m, _ := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	_, err := m.Resume(ctx, "s1")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, m.StreamHistory("s1"))
}

func TestManager_ResumeLaunchFailure(t *testing.T) {
	store := newMemStore()
	store.meta["s1"] = Session{ID: "s1", Number: 1, WorkingDirectory: "/nonexistent/ronboard", Mode: ModeStream}

	m, _ := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	s, err := m.Resume(ctx, "s1")
	var notFound *DirectoryNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, StatusError, statusOf(m, "s1"))
}

func TestManager_LastUsedIsFlushed(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.SendMessage(ctx, s.ID, "hello"))

	require.Eventually(t, func() bool {
		stored, ok := store.metadata(s.ID)
		return ok && stored.LastUsedAt.After(s.LastUsedAt)
	}, waitFor, tick)
}

func TestManager_ShutdownStopsEverything(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, writeAgent(t, "exec cat"))
	ctx := context.Background()

	a := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	b := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	for _, id := range []string{a.ID, b.ID} {
		assert.Equal(t, StatusStopped, statusOf(m, id))
		stored, ok := store.metadata(id)
		require.True(t, ok)
		assert.Equal(t, StatusStopped, stored.Status)
	}
}

func (r *recorder) streamIndexes(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if e.Type == EventStreamMessage && e.SessionID == id {
			out = append(out, e.Message.Index)
		}
	}
	return out
}

// countAfter counts typ events for id published after the last marker event.
func (r *recorder) countAfter(marker, typ EventType, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.SessionID != id {
			continue
		}
		switch e.Type {
		case marker:
			n = 0
		case typ:
			n++
		}
	}
	return n
}

// tickAgent emits n stream records and then echoes its input.
func tickAgent(t *testing.T, n int) string {
	return writeAgent(t, fmt.Sprintf(`i=0
while [ $i -lt %d ]; do
  echo '{"type":"tick"}'
  i=$((i+1))
done
exec cat`, n))
}

func TestManager_StreamIndexesStayOrderedUnderConcurrentSends(t *testing.T) {
	const ticks, sends = 5000, 500

	store := newMemStore()
	m, rec := newTestManager(t, store, tickAgent(t, ticks))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.Equal(t, StatusRunning, s.Status)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < sends/4; i++ {
				assert.NoError(t, m.SendMessage(ctx, s.ID, fmt.Sprintf("msg %d", i)))
			}
		}()
	}
	wg.Wait()

	// Every send is recorded once as user_message and once as cat's echo.
	total := ticks + 2*sends
	require.Eventually(t, func() bool { return len(m.StreamHistory(s.ID)) == total }, 20*time.Second, tick)

	published := rec.streamIndexes(s.ID)
	require.Len(t, published, total)
	for i, idx := range published {
		require.Equal(t, i, idx, "published out of order")
	}

	require.Eventually(t, func() bool { return len(store.messagesOf(s.ID)) == total }, waitFor, tick)
	for i, msg := range store.messagesOf(s.ID) {
		require.Equal(t, i, msg.Index, "persisted out of order")
	}
}

func TestManager_StopThenResumeIsolatesProcesses(t *testing.T) {
	store := newMemStore()
	m, rec := newTestManager(t, store, tickAgent(t, 3000))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.Eventually(t, func() bool { return len(m.StreamHistory(s.ID)) > 0 }, waitFor, tick)

	require.True(t, m.Stop(ctx, s.ID))
	_, err := m.Resume(ctx, s.ID)
	require.NoError(t, err)

	// The first process's end is announced before the resume, never after.
	assert.Equal(t, 1, rec.count(EventSessionEnded, s.ID))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, rec.countAfter(EventSessionResumed, EventSessionEnded, s.ID))

	view, ok := m.View(s.ID)
	require.True(t, ok)
	assert.True(t, view.IsRunning)
	assert.Equal(t, StatusRunning, view.Status)

	published := rec.streamIndexes(s.ID)
	for i, idx := range published {
		require.Equal(t, i, idx)
	}
}

func TestManager_SnapshotHistoryHoldsBackOutput(t *testing.T) {
	const ticks = 3000

	m, _ := newTestManager(t, newMemStore(), tickAgent(t, ticks))
	ctx := context.Background()

	s := m.Create(ctx, CreateOptions{WorkingDirectory: t.TempDir(), Mode: ModeStream})
	require.Eventually(t, func() bool { return len(m.StreamHistory(s.ID)) > 0 }, waitFor, tick)

	var (
		mu   sync.Mutex
		seen []int
	)
	ok := m.SnapshotHistory(s.ID, func(h History) {
		assert.Equal(t, ModeStream, h.Mode)
		for _, msg := range h.Messages {
			seen = append(seen, msg.Index)
		}
		m.Subscribe(func(e Event) {
			if e.Type == EventStreamMessage && e.SessionID == s.ID {
				mu.Lock()
				seen = append(seen, e.Message.Index)
				mu.Unlock()
			}
		})
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= ticks
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, ticks)
	for i, idx := range seen {
		require.Equal(t, i, idx)
	}

	assert.False(t, m.SnapshotHistory("missing", func(History) { t.Fatal("called for unknown session") }))
}

func TestManager_FailedWriteIsNotLogged(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		send func(m *Manager) error
	}{
		{
			name: "terminal input",
			mode: ModeTerminal,
			send: func(m *Manager) error { return m.SendInput(context.Background(), "s1", "lost\r") },
		},
		{
			name: "stream message",
			mode: ModeStream,
			send: func(m *Manager) error { return m.SendMessage(context.Background(), "s1", "lost") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			m, _ := newTestManager(t, store, writeAgent(t, "exec cat"))

			// A child that is still running but no longer reads its input.
			ls := newLiveSession(Session{ID: "s1", Mode: tt.mode, Status: StatusRunning}, "", nil)
			ls.proc = &Process{
				cmd:      &exec.Cmd{},
				mode:     tt.mode,
				strategy: strategyFor(tt.mode),
				stdin:    &stdinWriter{closed: true},
				done:     make(chan struct{}),
			}
			m.mu.Lock()
			m.sessions["s1"] = ls
			m.mu.Unlock()

			assert.ErrorIs(t, tt.send(m), ErrProcessExited)

			// Writes are applied in order; once the rename is stored an
			// earlier input entry would be too.
			require.NoError(t, m.Rename(context.Background(), "s1", "renamed"))
			require.Eventually(t, func() bool {
				stored, ok := store.metadata("s1")
				return ok && stored.Name == "renamed"
			}, waitFor, tick)
			assert.Empty(t, store.inputsOf("s1"))
		})
	}
}
