// Package naming gives "Untitled" sessions a short title generated by the
// agent from their first output.
package naming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/SchlenkR/ronboard/internal/session"
)

const (
	defaultMinChars     = 200
	defaultSnippetChars = 500
	defaultMaxTitle     = 60
	defaultTimeout      = 60 * time.Second
	defaultMaxAttempts  = 3
)

const promptPrefix = "Given this conversation snippet, suggest a very short title " +
	"(2-4 words, no quotes, no punctuation, no explanation - ONLY the title):\n\n"

// Generator produces a title for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// AgentGenerator asks the agent CLI for a title in one-shot print mode.
type AgentGenerator struct {
	Launcher *session.Launcher
}

// Generate runs `<agent> --print` with prompt on stdin and returns its output.
func (g AgentGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	cmd := g.Launcher.Command(ctx, "--print")
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("agent --print: %w: %s", err, msg)
		}
		return "", fmt.Errorf("agent --print: %w", err)
	}
	return string(out), nil
}

// Options configures a Namer. Zero values select defaults.
type Options struct {
	Generator    Generator
	MinChars     int
	SnippetChars int
	MaxTitle     int
	Timeout      time.Duration
	// MaxAttempts bounds how often a session is retried after failed or
	// empty generations.
	MaxAttempts int
}

// Namer watches session output and renames sessions that are still
// untitled once enough text has accumulated.
type Namer struct {
	sessions *session.Manager
	opts     Options

	mu       sync.Mutex
	inFlight map[string]bool
	attempts map[string]int

	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a namer and subscribes it to m.
func New(m *session.Manager, opts Options) *Namer {
	if opts.Generator == nil {
		panic("naming: Options.Generator is required")
	}
	if opts.MinChars <= 0 {
		opts.MinChars = defaultMinChars
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = defaultSnippetChars
	}
	if opts.MaxTitle <= 0 {
		opts.MaxTitle = defaultMaxTitle
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Namer{
		sessions: m,
		opts:     opts,
		inFlight: make(map[string]bool),
		attempts: make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.unsubscribe = m.Subscribe(n.onEvent)
	return n
}

// Wait blocks until all in-flight attempts have finished.
func (n *Namer) Wait() {
	n.wg.Wait()
}

// Close unsubscribes, cancels running generations and waits for them.
func (n *Namer) Close() {
	n.unsubscribe()
	n.cancel()
	n.wg.Wait()
}

func (n *Namer) onEvent(e session.Event) {
	switch e.Type {
	case session.EventOutputObserved:
		n.maybeName(e.SessionID)
	case session.EventSessionRemoved:
		n.mu.Lock()
		delete(n.attempts, e.SessionID)
		n.mu.Unlock()
	}
}

func (n *Namer) maybeName(id string) {
	n.mu.Lock()
	busy := n.inFlight[id] || n.attempts[id] >= n.opts.MaxAttempts
	n.mu.Unlock()
	if busy {
		return
	}

	sess, ok := n.sessions.Get(id)
	if !ok || sess.Name != session.UntitledName {
		return
	}
	text := strings.TrimSpace(n.sessions.PlainText(id))
	if utf8.RuneCountInString(text) < n.opts.MinChars {
		return
	}

	n.mu.Lock()
	if n.inFlight[id] || n.attempts[id] >= n.opts.MaxAttempts {
		n.mu.Unlock()
		return
	}
	n.inFlight[id] = true
	n.attempts[id]++
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.inFlight, id)
			n.mu.Unlock()
		}()

		if err := n.name(id, truncate(text, n.opts.SnippetChars)); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("auto-naming failed")
		}
	}()
}

func (n *Namer) name(id, snippet string) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.Timeout)
	defer cancel()

	raw, err := n.opts.Generator.Generate(ctx, promptPrefix+snippet)
	if err != nil {
		return err
	}
	title := CleanTitle(raw, n.opts.MaxTitle)
	if title == "" {
		return errors.New("empty title")
	}

	// The user may have renamed the session while the agent was thinking.
	if sess, ok := n.sessions.Get(id); !ok || sess.Name != session.UntitledName {
		return nil
	}
	if err := n.sessions.Rename(ctx, id, title); err != nil {
		return err
	}

	log.Info().Str("sessionId", id).Str("title", title).Msg("auto-named session")
	return nil
}

// CleanTitle trims whitespace and surrounding quotes and caps the result
// at maxRunes runes.
func CleanTitle(raw string, maxRunes int) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	return strings.TrimSpace(truncate(title, maxRunes))
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}
