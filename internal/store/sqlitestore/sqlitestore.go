// Package sqlitestore persists sessions in a single SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/SchlenkR/ronboard/internal/session"
)

// FileName is the database file created inside the data directory.
const FileName = "ronboard.db"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	number            INTEGER NOT NULL,
	name              TEXT NOT NULL,
	working_directory TEXT NOT NULL,
	mode              TEXT NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	last_used_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS terminal_chunks (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	chunk      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_terminal_chunks_session ON terminal_chunks(session_id, seq);

CREATE TABLE IF NOT EXISTS stream_messages (
	session_id TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	timestamp  TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS inputs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	input      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inputs_session ON inputs(session_id, seq);

CREATE TABLE IF NOT EXISTS counter (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	next_number INTEGER NOT NULL
);
INSERT OR IGNORE INTO counter (id, next_number) VALUES (1, 1);
`

// Store is a session.HistoryStore backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ session.HistoryStore = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("opened sqlite history store")
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMetadata inserts or replaces the session row.
func (s *Store) SaveMetadata(ctx context.Context, sess session.Session) error {
	const query = `
		INSERT INTO sessions
		(id, number, name, working_directory, mode, model, status, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			name = excluded.name,
			working_directory = excluded.working_directory,
			mode = excluded.mode,
			model = excluded.model,
			status = excluded.status,
			created_at = excluded.created_at,
			last_used_at = excluded.last_used_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Number, sess.Name, sess.WorkingDirectory,
		string(sess.Mode), sess.Model, string(sess.Status),
		formatTime(sess.CreatedAt), formatTime(sess.LastUsedAt),
	)
	return err
}

// LoadAll returns every session ordered by number, all marked stopped.
func (s *Store) LoadAll(ctx context.Context) ([]session.Session, error) {
	const query = `
		SELECT id, number, name, working_directory, mode, model, created_at, last_used_at
		FROM sessions
		ORDER BY number, created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var (
			sess               session.Session
			mode               string
			createdAt, lastUse string
		)
		if err := rows.Scan(&sess.ID, &sess.Number, &sess.Name, &sess.WorkingDirectory,
			&mode, &sess.Model, &createdAt, &lastUse); err != nil {
			return nil, err
		}
		sess.Mode = session.ParseMode(mode)
		sess.Status = session.StatusStopped
		sess.CreatedAt = parseTime(createdAt)
		sess.LastUsedAt = parseTime(lastUse)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Delete removes the session and all of its logs.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range []string{
		`DELETE FROM terminal_chunks WHERE session_id = ?`,
		`DELETE FROM stream_messages WHERE session_id = ?`,
		`DELETE FROM inputs WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendTerminalOutput stores one chunk.
func (s *Store) AppendTerminalOutput(ctx context.Context, id, chunk string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO terminal_chunks (session_id, chunk) VALUES (?, ?)`, id, chunk)
	return err
}

// LoadTerminalHistory concatenates the chunks in insertion order.
func (s *Store) LoadTerminalHistory(ctx context.Context, id string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk FROM terminal_chunks WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var sb strings.Builder
	for rows.Next() {
		var chunk string
		if err := rows.Scan(&chunk); err != nil {
			return "", err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), rows.Err()
}

// AppendStreamMessage stores one transcript entry.
func (s *Store) AppendStreamMessage(ctx context.Context, id string, msg session.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO stream_messages (session_id, idx, timestamp, type, payload)
		VALUES (?, ?, ?, ?, ?)`,
		id, msg.Index, formatTime(msg.Timestamp), msg.Type, string(msg.Payload))
	return err
}

// LoadStreamHistory returns the transcript ordered by index. Rows whose
// payload is not valid JSON are skipped.
func (s *Store) LoadStreamHistory(ctx context.Context, id string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, timestamp, type, payload
		FROM stream_messages
		WHERE session_id = ?
		ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []session.Message
	for rows.Next() {
		var (
			msg     session.Message
			ts      string
			payload string
		)
		if err := rows.Scan(&msg.Index, &ts, &msg.Type, &payload); err != nil {
			return nil, err
		}
		if !json.Valid([]byte(payload)) {
			log.Debug().Str("sessionId", id).Int("index", msg.Index).Msg("skipping malformed stream message")
			continue
		}
		msg.Timestamp = parseTime(ts)
		msg.Payload = json.RawMessage(payload)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendInput stores one user input.
func (s *Store) AppendInput(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inputs (session_id, timestamp, input) VALUES (?, ?, ?)`,
		id, formatTime(time.Now()), text)
	return err
}

// LoadInputHistory returns the inputs in insertion order.
func (s *Store) LoadInputHistory(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT input FROM inputs WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inputs []string
	for rows.Next() {
		var input string
		if err := rows.Scan(&input); err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

// NextNumber atomically takes the next display number.
func (s *Store) NextNumber(ctx context.Context) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`UPDATE counter SET next_number = next_number + 1 WHERE id = 1 RETURNING next_number`,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next session number: %w", err)
	}
	return next - 1, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
