package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultResumeSettleDelay     = 2 * time.Second
	defaultLastUsedFlushInterval = 5 * time.Second
	relayDrainTimeout            = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	Store    HistoryStore
	Launcher *Launcher
	// Bus receives every event. A new bus is created when nil.
	Bus *Bus
	// ResumeSettleDelay is how long a resumed terminal session is given
	// before the priming prompt is typed into it.
	ResumeSettleDelay time.Duration
	// LastUsedFlushInterval batches lastUsedAt writes.
	LastUsedFlushInterval time.Duration
}

// CreateOptions describes a new session.
type CreateOptions struct {
	Name             string
	WorkingDirectory string
	Mode             Mode
	Model            string
}

// Manager is the registry of sessions and the owner of their live
// processes and buffers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession

	store    HistoryStore
	launcher *Launcher
	bus      *Bus

	settleDelay   time.Duration
	flushInterval time.Duration

	// background tracks relays, supervisors and delayed priming writes.
	background sync.WaitGroup

	flushStop chan struct{}
	flushDone chan struct{}
	stopOnce  sync.Once
}

type liveSession struct {
	mu      sync.Mutex
	session Session
	proc    *Process
	dirty   bool
	// gen identifies the current process attachment. Output of an older
	// attachment is dropped.
	gen       uint64
	relayDone chan struct{}

	// recordMu makes buffer append, persistence enqueue and publish one
	// step, so indexes reach the store and subscribers in order.
	recordMu sync.Mutex
	// sendMu keeps a synthesized user message adjacent to its write.
	sendMu sync.Mutex
	// resumeMu serializes concurrent resumes of the same session.
	resumeMu sync.Mutex

	strategy modeStrategy
	terminal *TerminalBuffer
	messages *MessageBuffer
	persist  *persister
}

func newLiveSession(s Session, terminalHistory string, messages []Message) *liveSession {
	return &liveSession{
		session:  s,
		strategy: strategyFor(s.Mode),
		terminal: NewTerminalBuffer(terminalHistory),
		messages: NewMessageBuffer(messages),
		persist:  startPersister(s.ID),
	}
}

func (ls *liveSession) snapshot() Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.session
}

func (ls *liveSession) process() *Process {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.proc
}

func (ls *liveSession) generation() uint64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.gen
}

func (ls *liveSession) view() View {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return View{
		Session:   ls.session,
		IsRunning: ls.proc != nil && !ls.proc.Exited(),
	}
}

// NewManager creates a session manager and starts its metadata flusher.
// Call Load before serving and Shutdown when done.
func NewManager(opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = NewBus()
	}
	if opts.Launcher == nil {
		opts.Launcher = NewLauncher(DefaultLauncherConfig())
	}
	if opts.ResumeSettleDelay <= 0 {
		opts.ResumeSettleDelay = defaultResumeSettleDelay
	}
	if opts.LastUsedFlushInterval <= 0 {
		opts.LastUsedFlushInterval = defaultLastUsedFlushInterval
	}

	m := &Manager{
		sessions:      make(map[string]*liveSession),
		store:         opts.Store,
		launcher:      opts.Launcher,
		bus:           opts.Bus,
		settleDelay:   opts.ResumeSettleDelay,
		flushInterval: opts.LastUsedFlushInterval,
		flushStop:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *Bus { return m.bus }

// Subscribe registers h for every event published by the manager.
func (m *Manager) Subscribe(h Handler) (unsubscribe func()) {
	return m.bus.Subscribe(h)
}

// Load rebuilds the registry from the history store. Every loaded session
// is stopped; buffers are seeded with the persisted transcripts.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	loaded := make(map[string]*liveSession, len(stored))
	for _, s := range stored {
		s.Status = StatusStopped

		var (
			terminal string
			messages []Message
		)
		switch s.Mode {
		case ModeStream:
			messages, err = m.store.LoadStreamHistory(ctx, s.ID)
		default:
			terminal, err = m.store.LoadTerminalHistory(ctx, s.ID)
		}
		if err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("failed to load session history")
		}
		loaded[s.ID] = newLiveSession(s, terminal, messages)
	}

	m.mu.Lock()
	for id, ls := range loaded {
		if _, exists := m.sessions[id]; exists {
			ls.persist.close(ctx)
			continue
		}
		m.sessions[id] = ls
	}
	m.mu.Unlock()

	log.Info().Int("count", len(loaded)).Msg("loaded sessions")
	return nil
}

// Create registers a new session and launches its agent. It never fails:
// a launch failure leaves the session in StatusError.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) Session {
	number, err := m.store.NextNumber(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to allocate session number")
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = UntitledName
	}
	if opts.Mode != ModeStream {
		opts.Mode = ModeTerminal
	}

	now := time.Now().UTC()
	ls := newLiveSession(Session{
		ID:               uuid.NewString(),
		Number:           number,
		Name:             name,
		WorkingDirectory: opts.WorkingDirectory,
		Mode:             opts.Mode,
		Model:            opts.Model,
		Status:           StatusStarting,
		CreatedAt:        now,
		LastUsedAt:       now,
	}, "", nil)

	m.mu.Lock()
	m.sessions[ls.session.ID] = ls
	m.mu.Unlock()

	proc, err := m.launcher.Start(ctx, opts.Mode, opts.WorkingDirectory, opts.Model)

	ls.mu.Lock()
	if err != nil {
		ls.session.Status = StatusError
	} else {
		ls.session.Status = StatusRunning
		ls.proc = proc
	}
	snap := ls.session
	ls.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("sessionId", snap.ID).Msg("failed to start session")
	} else {
		m.attach(ls, proc)
		log.Info().
			Str("sessionId", snap.ID).
			Int("number", snap.Number).
			Str("mode", string(snap.Mode)).
			Msg("session created")
	}

	m.saveMetadata(ls, snap)
	m.bus.Publish(Event{Type: EventSessionCreated, SessionID: snap.ID, Session: &snap})
	return snap
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, bool) {
	ls, ok := m.lookup(id)
	if !ok {
		return Session{}, false
	}
	return ls.snapshot(), true
}

// View returns the API representation of the session.
func (m *Manager) View(id string) (View, bool) {
	ls, ok := m.lookup(id)
	if !ok {
		return View{}, false
	}
	return ls.view(), true
}

// List returns copies of all sessions ordered by number.
func (m *Manager) List() []Session {
	views := m.Views()
	result := make([]Session, len(views))
	for i, v := range views {
		result[i] = v.Session
	}
	return result
}

// Views returns the API representation of all sessions ordered by number.
func (m *Manager) Views() []View {
	m.mu.RLock()
	result := make([]View, 0, len(m.sessions))
	for _, ls := range m.sessions {
		result = append(result, ls.view())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Number != result[j].Number {
			return result[i].Number < result[j].Number
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// SendInput writes raw keystrokes to a terminal session. It is a no-op
// when the session has no live process.
func (m *Manager) SendInput(ctx context.Context, id, data string) error {
	ls, ok := m.lookup(id)
	if !ok {
		return notFound(id)
	}
	if ls.strategy.Mode() != ModeTerminal {
		return ErrWrongMode
	}

	proc := ls.process()
	if proc == nil || proc.Exited() {
		return nil
	}

	if err := proc.Write([]byte(data)); err != nil {
		return err
	}
	m.appendInput(ls, data)
	m.touch(ls)
	return nil
}

// SendMessage sends one user turn to a stream session. The turn is also
// recorded in the transcript as a user_message entry ahead of the write;
// the input log only gets it once the write succeeded.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	ls, ok := m.lookup(id)
	if !ok {
		return notFound(id)
	}
	if ls.strategy.Mode() != ModeStream {
		return ErrWrongMode
	}

	proc := ls.process()
	if proc == nil || proc.Exited() {
		return nil
	}

	payload, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return err
	}

	ls.sendMu.Lock()
	defer ls.sendMu.Unlock()

	ls.recordMu.Lock()
	msg := ls.messages.Append(time.Now().UTC(), MessageTypeUserMessage, payload)
	m.record(ls, Event{Type: EventStreamMessage, SessionID: id, Message: &msg})
	ls.recordMu.Unlock()

	if err := proc.WriteMessage(text); err != nil {
		return err
	}
	m.appendInput(ls, text)
	return nil
}

// Stop kills the session's process tree and marks it stopped. It reports
// whether the session exists.
func (m *Manager) Stop(ctx context.Context, id string) bool {
	ls, ok := m.lookup(id)
	if !ok {
		return false
	}
	m.stop(ls, true)
	return true
}

func (m *Manager) stop(ls *liveSession, publish bool) {
	ls.mu.Lock()
	proc := ls.proc
	if proc == nil && ls.session.Status == StatusStopped {
		ls.mu.Unlock()
		return
	}
	// Detaching first tells the supervisor the exit was requested.
	ls.proc = nil
	ls.session.Status = StatusStopped
	ls.dirty = false
	snap := ls.session
	ls.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			log.Warn().Err(err).Str("sessionId", snap.ID).Int("pid", proc.Pid()).Msg("failed to kill agent process")
		}
	}

	m.saveMetadata(ls, snap)
	log.Info().Str("sessionId", snap.ID).Msg("session stopped")

	if publish {
		m.bus.Publish(Event{Type: EventSessionStopped, SessionID: snap.ID, Session: &snap})
	}
}

// Remove stops the session, forgets it and deletes its durable state. It
// reports whether the session existed.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	m.mu.Lock()
	ls, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.stop(ls, false)

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx := context.Background()
		if err := ls.persist.close(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to drain persistence queue")
		}
		if err := m.store.Delete(ctx, id); err != nil {
			log.Error().Err(&PersistenceError{Op: "delete", SessionID: id, Err: err}).Msg("failed to delete session")
		}
	}()

	log.Info().Str("sessionId", id).Msg("session removed")
	m.bus.Publish(Event{Type: EventSessionRemoved, SessionID: id})
	return true
}

// Rename changes the session's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) error {
	ls, ok := m.lookup(id)
	if !ok {
		return notFound(id)
	}

	ls.mu.Lock()
	ls.session.Name = name
	snap := ls.session
	ls.mu.Unlock()

	m.saveMetadata(ls, snap)
	m.bus.Publish(Event{Type: EventSessionRenamed, SessionID: id, Session: &snap})
	return nil
}

// TerminalHistory returns everything a terminal session has printed.
func (m *Manager) TerminalHistory(id string) string {
	ls, ok := m.lookup(id)
	if !ok {
		return ""
	}
	return ls.terminal.String()
}

// History is a point-in-time copy of a session's output.
type History struct {
	Mode     Mode
	Terminal string
	Messages []Message
}

// SnapshotHistory calls fn with the session's history while new output is
// held back. Output recorded after the snapshot is published only after fn
// returns, so fn can subscribe to live output without gaps or duplicates.
// fn must not call back into the manager for the same session.
func (m *Manager) SnapshotHistory(id string, fn func(History)) bool {
	ls, ok := m.lookup(id)
	if !ok {
		return false
	}

	ls.recordMu.Lock()
	defer ls.recordMu.Unlock()

	h := History{Mode: ls.strategy.Mode()}
	if h.Mode == ModeStream {
		h.Messages = ls.messages.Snapshot()
	} else {
		h.Terminal = ls.terminal.String()
	}
	fn(h)
	return true
}

// StreamHistory returns a copy of a stream session's transcript.
func (m *Manager) StreamHistory(id string) []Message {
	ls, ok := m.lookup(id)
	if !ok {
		return nil
	}
	return ls.messages.Snapshot()
}

// PlainText returns the human-readable text of a session: the terminal
// output without escape sequences, or the streamed assistant text.
func (m *Manager) PlainText(id string) string {
	ls, ok := m.lookup(id)
	if !ok {
		return ""
	}
	if ls.strategy.Mode() == ModeStream {
		return streamText(ls.messages.Snapshot())
	}
	return ansi.Strip(ls.terminal.String())
}

type streamDelta struct {
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

func streamText(msgs []Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		if msg.Type != "stream_event" {
			continue
		}
		var d streamDelta
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			continue
		}
		if d.Event.Type == "content_block_delta" && d.Event.Delta.Type == "text_delta" {
			sb.WriteString(d.Event.Delta.Text)
		}
	}
	return sb.String()
}

// Shutdown stops every live session, flushes pending metadata and waits
// for all queued writes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.flushStop) })
	<-m.flushDone

	m.mu.RLock()
	all := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		all = append(all, ls)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, ls := range all {
		if ls.process() == nil {
			continue
		}
		g.Go(func() error {
			m.stop(ls, true)
			return nil
		})
	}
	_ = g.Wait()

	m.flushDirty()

	waited := make(chan struct{})
	go func() {
		m.background.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		log.Warn().Msg("shutdown: timed out waiting for session goroutines")
	}

	drain, dctx := errgroup.WithContext(ctx)
	for _, ls := range all {
		drain.Go(func() error { return ls.persist.close(dctx) })
	}
	if err := drain.Wait(); err != nil {
		return err
	}

	log.Info().Int("sessions", len(all)).Msg("session manager shut down")
	return nil
}

func (m *Manager) lookup(id string) (*liveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.sessions[id]
	return ls, ok
}

// attach starts the goroutines that serve one process instance.
func (m *Manager) attach(ls *liveSession, proc *Process) {
	ls.mu.Lock()
	ls.gen++
	gen := ls.gen
	done := make(chan struct{})
	ls.relayDone = done
	ls.mu.Unlock()

	m.background.Add(2)
	go m.relay(ls, proc, gen, done)
	go m.supervise(ls, proc)
}

// awaitRelay waits for the previous attachment's relay to drain, so its
// last output and session_ended precede anything a new process produces.
func (m *Manager) awaitRelay(ctx context.Context, ls *liveSession) {
	ls.mu.Lock()
	done := ls.relayDone
	ls.mu.Unlock()
	if done == nil {
		return
	}

	timer := time.NewTimer(relayDrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("sessionId", ls.snapshot().ID).Msg("previous output relay still running, detaching it")
	case <-ctx.Done():
	}
}

func (m *Manager) saveMetadata(ls *liveSession, snap Session) {
	ls.persist.enqueue("metadata", func(ctx context.Context) error {
		return m.store.SaveMetadata(ctx, snap)
	})
}

func (m *Manager) appendInput(ls *liveSession, text string) {
	id := ls.session.ID
	ls.persist.enqueue("input", func(ctx context.Context) error {
		return m.store.AppendInput(ctx, id, text)
	})
}

// touch marks lastUsedAt; the flusher persists it later.
func (m *Manager) touch(ls *liveSession) {
	ls.mu.Lock()
	ls.session.LastUsedAt = time.Now().UTC()
	ls.dirty = true
	ls.mu.Unlock()
}

func (m *Manager) flushLoop() {
	defer close(m.flushDone)

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushDirty()
		case <-m.flushStop:
			return
		}
	}
}

func (m *Manager) flushDirty() {
	m.mu.RLock()
	all := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		all = append(all, ls)
	}
	m.mu.RUnlock()

	for _, ls := range all {
		ls.mu.Lock()
		if !ls.dirty {
			ls.mu.Unlock()
			continue
		}
		ls.dirty = false
		snap := ls.session
		ls.mu.Unlock()

		m.saveMetadata(ls, snap)
	}
}
