package registry

import (
	"context"
	"errors"

	"voice-transcribe-go/internal/types"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
	ErrTerminal = errors.New("job already in terminal state")
)

// Store is the keyed backing storage shared by every request handler.
// Implementations must return copies: mutating a returned Job never changes
// stored state.
type Store interface {
	Create(ctx context.Context, job types.Job) error
	Get(ctx context.Context, id string) (types.Job, error)
	// FindByTaskID returns the newest job whose id is taskID or ends with ":"+taskID.
	FindByTaskID(ctx context.Context, taskID string) (types.Job, error)
	// Update persists every field except ProcessingEvents, which only
	// AppendEvent writes. It returns ErrTerminal, writing nothing, when the
	// stored job is already terminal; the check and the write are atomic.
	Update(ctx context.Context, job types.Job) error
	AppendEvent(ctx context.Context, id string, ev types.ProcessingEvent) error
	Delete(ctx context.Context, id string) (bool, error)
	// List returns jobs newest first; limit <= 0 returns all of them.
	List(ctx context.Context, limit int) ([]types.Job, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
