package app

import (
	"context"
	"fmt"
	"time"

	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/result"
	"autoflow/internal/storage"
	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

const persistTimeout = 5 * time.Second

// Dispatcher runs one job on the executor for its script kind.
type Dispatcher interface {
	Dispatch(ctx context.Context, job executor.Job) task.Execution
}

// runner is the scheduler.Runner the app hands to the scheduler. It executes,
// records the outcome, then hands the result to the notifier.
type runner struct {
	dispatch Dispatcher
	env      func() []string
	store    storage.Store
	notify   result.Notifier
	bus      eventbus.Bus
	log      logx.Logger
}

// ExecutionEvent is published as "execution.finished".
type ExecutionEvent struct {
	Result result.Result `json:"result"`
}

func (r *runner) Run(ctx context.Context, t task.Task, src task.Source, execID string) error {
	log := r.log.With(logx.Task(t.ID), logx.Exec(execID), logx.String("source", string(src)))

	var env []string
	if r.env != nil {
		env = r.env()
	}
	ex := r.dispatch.Dispatch(ctx, executor.Job{
		ID:      execID,
		TaskID:  t.ID,
		Name:    t.DisplayName(),
		Script:  t.Script,
		Env:     env,
		Timeout: t.Timeout,
	})
	if ex.ID == "" {
		ex.ID = execID
	}
	ex.TaskID = t.ID
	ex.Source = src

	r.record(ctx, t, ex, log)

	res := result.FromExecution(t, ex)
	result.Deliver(r.notify, res, log)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "execution.finished", Time: ex.EndTime, Data: ExecutionEvent{Result: res}})
	}

	fields := []logx.Field{
		logx.String("outcome", string(ex.Outcome)),
		logx.Duration("took", ex.Duration()),
		logx.Int("exit_code", ex.ExitCode),
	}
	if ex.Outcome == task.OutcomeSuccess {
		log.Info("execution finished", fields...)
		return nil
	}
	if ex.StepIndex > 0 {
		fields = append(fields, logx.Int("step", ex.StepIndex), logx.String("command", ex.StepCommand))
	}
	log.Warn("execution failed", append(fields, logx.Err(ex.Err))...)
	if ex.Err != nil {
		return ex.Err
	}
	return fmt.Errorf("%w: outcome %s", task.ErrExecution, ex.Outcome)
}

// record persists last-run state and the run journal. The run context may
// already be done after a timeout, so writes get their own deadline.
func (r *runner) record(ctx context.Context, t task.Task, ex task.Execution, log logx.Logger) {
	if r.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := r.store.SetLastRun(pctx, t.ID, ex.StartTime, ex.Outcome); err != nil {
		log.Warn("last run not saved", logx.Err(err))
	}
	rec := storage.RunRecord{
		ExecutionID: ex.ID,
		TaskID:      t.ID,
		Source:      ex.Source,
		Outcome:     ex.Outcome,
		StartedAt:   ex.StartTime,
		DurationMs:  ex.Duration().Milliseconds(),
		ExitCode:    ex.ExitCode,
	}
	if ex.Err != nil {
		rec.Error = ex.Err.Error()
	}
	if err := r.store.AppendRun(pctx, rec); err != nil {
		log.Warn("run record not saved", logx.Err(err))
	}
}
