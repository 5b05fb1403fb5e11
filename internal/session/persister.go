package session

import (
	"context"

	"github.com/rs/zerolog/log"
)

type persistJob struct {
	op  string
	run func(ctx context.Context) error
}

// persister applies one session's durable writes in order on a background
// goroutine. Callers never wait for a write; failures are only logged.
type persister struct {
	sessionID string
	jobs      *queue[persistJob]
	done      chan struct{}
}

func startPersister(sessionID string) *persister {
	p := &persister{
		sessionID: sessionID,
		jobs:      newQueue[persistJob](),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(op string, run func(ctx context.Context) error) {
	if !p.jobs.Push(persistJob{op: op, run: run}) {
		log.Debug().
			Str("sessionId", p.sessionID).
			Str("op", op).
			Msg("persistence queue closed, dropping write")
	}
}

func (p *persister) run() {
	defer close(p.done)

	ctx := context.Background()
	for {
		job, ok := p.jobs.Next(ctx)
		if !ok {
			return
		}
		if err := job.run(ctx); err != nil {
			log.Error().
				Err(&PersistenceError{Op: job.op, SessionID: p.sessionID, Err: err}).
				Str("sessionId", p.sessionID).
				Msg("persistence failed")
		}
	}
}

// close stops accepting writes and waits until pending ones are applied.
func (p *persister) close(ctx context.Context) error {
	p.jobs.Close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
