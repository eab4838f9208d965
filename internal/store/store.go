package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a job id does not exist in the backend.
var ErrNotFound = errors.New("job not found")

// Backend is a durable job store. Writes are atomic per job; the
// backend also persists the small non-job state the system needs to
// survive restarts (counters, processed webhook sessions).
type Backend interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, upd Update) (*Job, error)
	ListByPhase(ctx context.Context, phase Phase) ([]*Job, error)
	ListRecent(ctx context.Context, limit int) ([]*Job, error)

	// NextCounter atomically increments and returns the named counter.
	NextCounter(ctx context.Context, key string) (uint64, error)

	// MarkSessionProcessed records a webhook session id, returning
	// false when the session was already recorded. This is the
	// at-most-once guard for duplicate deliveries.
	MarkSessionProcessed(ctx context.Context, sessionID string) (bool, error)

	// UnmarkSession releases a recorded session id so a redelivered
	// event can be processed again after a failure past the mark.
	UnmarkSession(ctx context.Context, sessionID string) error

	Close()
}

// Store is what the rest of the system consumes: a Backend plus
// change notification for the streaming endpoint.
type Store interface {
	Backend

	SetPhase(ctx context.Context, id string, phase Phase, message string) (*Job, error)

	// Subscribe returns a channel receiving a snapshot after every
	// write to the job, and a cancel func that releases the
	// subscription. The channel is closed on cancel.
	Subscribe(jobID string) (<-chan *Job, func())
}
