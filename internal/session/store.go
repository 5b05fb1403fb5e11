package session

import "context"

// HistoryStore is the durable side of the registry. The in-memory buffers
// are a cache rebuilt from it by Manager.Load.
//
// Implementations must preserve append order within each kind of log for
// one session.
type HistoryStore interface {
	SaveMetadata(ctx context.Context, s Session) error
	// LoadAll returns every persisted session with Status forced to
	// StatusStopped.
	LoadAll(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, id string) error

	AppendTerminalOutput(ctx context.Context, id, chunk string) error
	LoadTerminalHistory(ctx context.Context, id string) (string, error)

	AppendStreamMessage(ctx context.Context, id string, msg Message) error
	LoadStreamHistory(ctx context.Context, id string) ([]Message, error)

	AppendInput(ctx context.Context, id, text string) error
	LoadInputHistory(ctx context.Context, id string) ([]string, error)

	// NextNumber hands out display numbers for new sessions.
	NextNumber(ctx context.Context) (int, error)

	Close() error
}
