// Package executor runs one task execution on the executor matching its kind.
//
// Every executor returns a fully classified task.Execution instead of an
// error: per-run failures are results, not faults of the caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

const (
	DefaultTimeout     = 300 * time.Second
	DefaultOutputLimit = 64 << 10
)

// Job is the executor-facing view of one run.
type Job struct {
	ID     string
	TaskID string
	Name   string
	Script task.ScriptRef
	Env    []string

	// Timeout overrides the dispatcher default when > 0.
	Timeout time.Duration
}

type Executor interface {
	Kind() task.Kind
	// Validate checks the reference before anything is started.
	Validate(ref task.ScriptRef) error
	Run(ctx context.Context, job Job) task.Execution
}

// Dispatcher selects the executor by kind and owns the absolute timeout.
type Dispatcher struct {
	mu      sync.RWMutex
	execs   map[task.Kind]Executor
	timeout time.Duration
	log     logx.Logger
	now     func() time.Time
}

func NewDispatcher(timeout time.Duration, log logx.Logger, execs ...Executor) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		execs:   map[task.Kind]Executor{},
		timeout: timeout,
		log:     log.With(logx.Comp("executor")),
		now:     time.Now,
	}
	for _, e := range execs {
		d.Register(e)
	}
	return d
}

// Register adds or replaces the executor for e.Kind().
func (d *Dispatcher) Register(e Executor) {
	if e == nil {
		return
	}
	d.mu.Lock()
	d.execs[e.Kind()] = e
	d.mu.Unlock()
}

func (d *Dispatcher) Kinds() []task.Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]task.Kind, 0, len(d.execs))
	for k := range d.execs {
		out = append(out, k)
	}
	return out
}

func (d *Dispatcher) Dispatch(ctx context.Context, job Job) task.Execution {
	start := d.now()
	base := task.Execution{ID: job.ID, TaskID: job.TaskID, StartTime: start, ExitCode: -1}

	d.mu.RLock()
	e, ok := d.execs[job.Script.Kind]
	d.mu.RUnlock()
	if !ok {
		base.EndTime = d.now()
		base.Outcome = task.OutcomeError
		base.Err = fmt.Errorf("%w: no executor for kind %q", task.ErrExecution, job.Script.Kind)
		d.log.Error("dispatch failed", logx.Task(job.TaskID), logx.Err(base.Err))
		return base
	}

	if err := e.Validate(job.Script); err != nil {
		base.EndTime = d.now()
		base.Outcome = task.OutcomeFailed
		base.Err = err
		base.Output = err.Error()
		d.log.Warn("script rejected", logx.Task(job.TaskID), logx.String("script", job.Script.Location), logx.Err(err))
		return base
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.log.Debug("execution started", logx.Task(job.TaskID), logx.Exec(job.ID), logx.String("kind", string(job.Script.Kind)), logx.Duration("timeout", timeout))
	ex := e.Run(runCtx, job)

	ex.ID, ex.TaskID = job.ID, job.TaskID
	if ex.StartTime.IsZero() {
		ex.StartTime = start
	}
	if ex.EndTime.IsZero() {
		ex.EndTime = d.now()
	}
	if ex.Outcome != task.OutcomeSuccess {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			ex.Outcome = task.OutcomeTimeout
			ex.Err = fmt.Errorf("%w after %s", task.ErrTimeout, timeout)
		case ex.Outcome == "":
			ex.Outcome = task.OutcomeError
		}
	}

	d.log.Info("execution finished",
		logx.Task(job.TaskID),
		logx.Exec(job.ID),
		logx.String("outcome", string(ex.Outcome)),
		logx.Int("exit_code", ex.ExitCode),
		logx.Duration("dur", ex.Duration()),
	)
	return ex
}
