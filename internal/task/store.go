package task

import (
	"context"
	"time"
)

// Store is the persistence contract the scheduling core depends on.
// Implementations must be safe for concurrent use by multiple workers.
//
// Get returns an error wrapping ErrNotFound for unknown IDs. Any other error is
// treated as store unavailability.
type Store interface {
	Get(ctx context.Context, id string) (Task, error)
	ListEnabled(ctx context.Context) ([]Task, error)
	SetLastRun(ctx context.Context, id string, at time.Time, status Outcome) error
}
