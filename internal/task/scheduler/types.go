package scheduler

import (
	"context"
	"time"

	"autoflow/internal/clock"
	"autoflow/internal/eventbus"
	"autoflow/internal/task"
	"autoflow/internal/task/engine"
	logx "autoflow/pkg/logx"
)

const (
	DefaultMisfireGrace  = time.Hour
	DefaultRetryInterval = time.Second
)

// Config controls the trigger side. Execution limits live in engine.Config.
type Config struct {
	Timezone     string // IANA TZ used by tasks without their own, e.g. "Asia/Jakarta"
	MisfireGrace time.Duration

	// MaxConcurrent caps scheduler-submitted runs in flight. It defaults to,
	// and never exceeds, the pool's worker count.
	MaxConcurrent int

	// RetryInterval is how long a fire rejected by a full pool waits before
	// it is retried, unless a completion frees capacity first.
	RetryInterval time.Duration
}

func (c Config) withDefaults(workers int) Config {
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = DefaultMisfireGrace
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if workers <= 0 {
		workers = engine.DefaultWorkers
	}
	if c.MaxConcurrent <= 0 || c.MaxConcurrent > workers {
		c.MaxConcurrent = workers
	}
	return c
}

// Calculator computes fire instants. *trigger.Calculator satisfies it.
type Calculator interface {
	Validate(s task.Schedule) error
	Next(s task.Schedule, ref time.Time, loc *time.Location) (time.Time, error)
}

// Pool accepts jobs without blocking. *engine.Service satisfies it.
type Pool interface {
	Submit(job engine.Job) error
	Workers() int
}

// Runner performs one execution of t inside a worker slot.
type Runner interface {
	Run(ctx context.Context, t task.Task, src task.Source, execID string) error
}

type RunnerFunc func(ctx context.Context, t task.Task, src task.Source, execID string) error

func (f RunnerFunc) Run(ctx context.Context, t task.Task, src task.Source, execID string) error {
	return f(ctx, t, src, execID)
}

type Deps struct {
	Store  task.Store
	Calc   Calculator
	Pool   Pool
	Runner Runner

	Clock clock.Clock
	Log   logx.Logger
	Bus   eventbus.Bus

	// NewID generates execution IDs (uuid by default).
	NewID func() string
}

// TriggerInfo describes one armed trigger.
type TriggerInfo struct {
	TaskID   string    `json:"task_id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next"`
	Pending  bool      `json:"pending"`
}

// Counters are cumulative since New.
type Counters struct {
	Fired     uint64 `json:"fired"`
	Misfires  uint64 `json:"misfires"`
	Coalesced uint64 `json:"coalesced"`
	Deferred  uint64 `json:"deferred"`
	Busy      uint64 `json:"busy"`
	Dropped   uint64 `json:"dropped"`
}

type Snapshot struct {
	Running       bool          `json:"running"`
	Timezone      string        `json:"timezone"`
	MisfireGrace  time.Duration `json:"misfire_grace"`
	MaxConcurrent int           `json:"max_concurrent"`
	InFlight      int           `json:"in_flight"`
	Overflow      int           `json:"overflow"`
	Counters      Counters      `json:"counters"`
	Triggers      []TriggerInfo `json:"triggers"`
}

// TriggerEvent is published on the bus for trigger lifecycle events.
type TriggerEvent struct {
	TaskID string    `json:"task_id"`
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
	Next   time.Time `json:"next,omitempty"`
}
