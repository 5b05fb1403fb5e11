// Package filestore persists sessions as a directory tree of plain files:
//
//	<dir>/counter.json
//	<dir>/sessions/<id>/metadata.json
//	<dir>/sessions/<id>/terminal.log
//	<dir>/sessions/<id>/stream.ndjson
//	<dir>/sessions/<id>/stdin.log
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/SchlenkR/ronboard/internal/session"
)

const (
	sessionsDir   = "sessions"
	metadataFile  = "metadata.json"
	terminalFile  = "terminal.log"
	streamFile    = "stream.ndjson"
	inputFile     = "stdin.log"
	counterFile   = "counter.json"
	counterLock   = "counter.json.lock"
	dirPerm       = 0o755
	filePerm      = 0o644
	maxLineLength = 64 * 1024 * 1024
)

// Store is a session.HistoryStore backed by files under one directory.
type Store struct {
	dir string

	counterMu   sync.Mutex
	counterLock *flock.Flock
}

var _ session.HistoryStore = (*Store)(nil)

// New creates the directory layout under dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, sessionsDir), dirPerm); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{
		dir:         dir,
		counterLock: flock.New(filepath.Join(dir, counterLock)),
	}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.dir, sessionsDir, id)
}

// SaveMetadata atomically replaces metadata.json.
func (s *Store) SaveMetadata(_ context.Context, sess session.Session) error {
	dir := s.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, metadataFile), data)
}

// LoadAll reads every session directory. Unreadable entries are skipped.
func (s *Store) LoadAll(_ context.Context) ([]session.Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []session.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, sessionsDir, entry.Name(), metadataFile)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping session without readable metadata")
			continue
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping session with malformed metadata")
			continue
		}
		if sess.ID == "" {
			sess.ID = entry.Name()
		}
		sess.Status = session.StatusStopped
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes the session's directory.
func (s *Store) Delete(_ context.Context, id string) error {
	return os.RemoveAll(s.sessionDir(id))
}

// AppendTerminalOutput appends raw bytes to terminal.log.
func (s *Store) AppendTerminalOutput(_ context.Context, id, chunk string) error {
	return s.appendFile(id, terminalFile, []byte(chunk))
}

// LoadTerminalHistory returns terminal.log, or "" if there is none.
func (s *Store) LoadTerminalHistory(_ context.Context, id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), terminalFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

// AppendStreamMessage appends one NDJSON line to stream.ndjson.
func (s *Store) AppendStreamMessage(_ context.Context, id string, msg session.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.appendFile(id, streamFile, append(data, '\n'))
}

// LoadStreamHistory parses stream.ndjson, skipping malformed lines.
func (s *Store) LoadStreamHistory(_ context.Context, id string) ([]session.Message, error) {
	var messages []session.Message
	err := s.readLines(id, streamFile, func(line []byte) {
		var msg session.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug().Err(err).Str("sessionId", id).Msg("skipping malformed stream line")
			return
		}
		messages = append(messages, msg)
	})
	return messages, err
}

type inputEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Input     *string   `json:"input,omitempty"`
	Message   *string   `json:"message,omitempty"`
}

// AppendInput appends one entry to stdin.log.
func (s *Store) AppendInput(_ context.Context, id, text string) error {
	data, err := json.Marshal(inputEntry{Timestamp: time.Now().UTC(), Input: &text})
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	return s.appendFile(id, inputFile, append(data, '\n'))
}

// LoadInputHistory returns the logged inputs in order. Entries written
// with a "message" field are accepted too.
func (s *Store) LoadInputHistory(_ context.Context, id string) ([]string, error) {
	var inputs []string
	err := s.readLines(id, inputFile, func(line []byte) {
		var entry inputEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Debug().Err(err).Str("sessionId", id).Msg("skipping malformed input line")
			return
		}
		switch {
		case entry.Message != nil:
			inputs = append(inputs, *entry.Message)
		case entry.Input != nil:
			inputs = append(inputs, *entry.Input)
		}
	})
	return inputs, err
}

type counter struct {
	NextNumber int `json:"nextNumber"`
}

// NextNumber returns the next display number. The counter file is guarded
// by a lock file so several processes sharing the directory stay unique.
func (s *Store) NextNumber(ctx context.Context) (int, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	locked, err := s.counterLock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return 0, fmt.Errorf("lock counter: %w", err)
	}
	if !locked {
		return 0, errors.New("lock counter: not acquired")
	}
	defer func() { _ = s.counterLock.Unlock() }()

	path := filepath.Join(s.dir, counterFile)
	c := counter{NextNumber: 1}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &c); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("resetting malformed counter")
			c.NextNumber = 1
		}
	case !errors.Is(err, fs.ErrNotExist):
		return 0, err
	}
	if c.NextNumber < 1 {
		c.NextNumber = 1
	}

	number := c.NextNumber
	c.NextNumber++
	data, err = json.Marshal(c)
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return 0, err
	}
	return number, nil
}

// Close is a no-op; files are opened per operation.
func (s *Store) Close() error { return nil }

func (s *Store) appendFile(id, name string, data []byte) error {
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) readLines(id, name string, fn func(line []byte)) error {
	f, err := os.Open(filepath.Join(s.sessionDir(id), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > maxLineLength {
			log.Warn().Str("sessionId", id).Str("file", name).Int("bytes", len(line)).Msg("skipping oversized line")
		} else if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			fn(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
