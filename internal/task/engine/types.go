package engine

import (
	"context"
	"time"
)

// Config controls the worker pool.
//
// The pool is execution-only: triggers live in the scheduler, which submits
// here alongside manual "run now" requests through the same FIFO queue.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds jobs that do not set Job.Timeout. 0 disables it;
	// executors enforce their own absolute timeout.
	DefaultTimeout time.Duration

	HistorySize int
}

const (
	DefaultWorkers     = 5
	DefaultQueueSize   = 32
	DefaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Job is one unit of work. Run executes in a worker slot; Done always runs
// afterwards, including when the job is discarded during shutdown.
type Job struct {
	ID      string
	TaskID  string
	Name    string
	Source  string
	Timeout time.Duration

	Run  func(ctx context.Context) error
	Done func(err error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	Source     string        `json:"source"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	Source     string        `json:"source"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Workers  int           `json:"workers"`
	Busy     int           `json:"busy"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	Accepted uint64        `json:"accepted"`
	Rejected uint64        `json:"rejected"`
	History  []HistoryItem `json:"history"`
}
