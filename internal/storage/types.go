package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoflow/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": tasks snapshot (json) + run journal (jsonl)
//   - "sqlite": SQLite database file
//   - "memory": process-local, nothing survives a restart
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// RunHistory caps the runs kept per task. 0 means 50.
	RunHistory int
}

// Store is the full task store. The scheduler only sees the task.Store subset.
type Store interface {
	task.Store

	List(ctx context.Context) ([]task.Task, error)
	Put(ctx context.Context, t task.Task) error
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) (task.Task, error)

	AppendRun(ctx context.Context, r RunRecord) error
	Runs(ctx context.Context, taskID string, limit int) ([]RunRecord, error)

	Close() error
}

// RunRecord is the persisted summary of one execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	ExecutionID string       `json:"execution_id"`
	TaskID      string       `json:"task_id"`
	Source      task.Source  `json:"source"`
	Outcome     task.Outcome `json:"outcome"`
	StartedAt   time.Time    `json:"started_at"`
	DurationMs  int64        `json:"duration_ms"`
	ExitCode    int          `json:"exit_code"`
	Error       string       `json:"error,omitempty"`
}

func notFound(id string) error {
	return fmt.Errorf("task %q: %w", id, task.ErrNotFound)
}

func validate(t task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(t.Script.Location) == "" {
		return fmt.Errorf("task %s: script is required", t.ID)
	}
	if !t.Script.Kind.Valid() {
		return fmt.Errorf("task %s: unknown script kind %q", t.ID, t.Script.Kind)
	}
	return nil
}
