package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"

	"autoflow/internal/task"
	"autoflow/internal/task/engine"
	"autoflow/internal/task/trigger"
	logx "autoflow/pkg/logx"
)

// Arm registers or replaces the trigger of t. Disabled tasks are disarmed.
// Re-arming an unchanged schedule only swaps the task snapshot.
// A schedule that cannot fire leaves the task unscheduled and is returned as
// a *task.ScheduleError.
func (s *Service) Arm(t task.Task) error {
	if !t.Enabled {
		s.Disarm(t.ID)
		return nil
	}
	if err := s.calc.Validate(t.Schedule); err != nil {
		s.Disarm(t.ID)
		return withTaskID(t.ID, err)
	}

	loc, err := trigger.LoadLocation(t.Timezone, s.loc)
	if err != nil {
		s.log.Warn("invalid task timezone; using scheduler timezone", logx.Task(t.ID), logx.Err(err))
	}

	// Same schedule and zone: keep the pending fire so a window offset is
	// only re-rolled after it fires.
	s.mu.Lock()
	if tr, ok := s.byID[t.ID]; ok && tr.task.Schedule == t.Schedule && tr.loc.String() == loc.String() {
		tr.task = t
		next := tr.next
		s.mu.Unlock()
		s.log.Debug("trigger.kept", logx.Task(t.ID), logx.Time("next", next))
		return nil
	}
	s.mu.Unlock()

	now := s.clk.Now()
	next, err := s.calc.Next(t.Schedule, now, loc)
	if err != nil {
		s.Disarm(t.ID)
		return withTaskID(t.ID, err)
	}

	s.mu.Lock()
	if tr, ok := s.byID[t.ID]; ok {
		tr.task, tr.loc, tr.next = t, loc, next
		heap.Fix(&s.heap, tr.index)
	} else {
		tr := &armedTrigger{task: t, loc: loc, next: next}
		heap.Push(&s.heap, tr)
		s.byID[t.ID] = tr
	}
	s.mu.Unlock()
	s.signal()

	s.log.Info("trigger.armed",
		logx.Task(t.ID),
		logx.String("schedule", t.Schedule.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", next),
	)
	s.publish("trigger.armed", TriggerEvent{TaskID: t.ID, Name: t.DisplayName(), At: now, Next: next})
	return nil
}

// Disarm removes the trigger of id along with any fire of it still waiting
// in overflow. It reports whether a trigger was registered.
func (s *Service) Disarm(id string) bool {
	s.mu.Lock()
	tr, ok := s.byID[id]
	if ok {
		heap.Remove(&s.heap, tr.index)
		delete(s.byID, id)
	}
	kept := s.overflow[:0]
	for _, f := range s.overflow {
		if f.task.ID == id {
			delete(s.pending, id)
			continue
		}
		kept = append(kept, f)
	}
	s.overflow = kept
	s.mu.Unlock()

	if ok {
		s.signal()
		s.log.Info("trigger.disarmed", logx.Task(id))
		s.publish("trigger.disarmed", TriggerEvent{TaskID: id, At: s.clk.Now()})
	}
	return ok
}

// Refresh re-reads id from the store and arms or disarms it accordingly.
func (s *Service) Refresh(ctx context.Context, id string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.Disarm(id)
			return err
		}
		return storeErr(err)
	}
	return s.Arm(t)
}

// Sync reconciles the trigger set with every enabled task in the store.
func (s *Service) Sync(ctx context.Context) error {
	tasks, err := s.store.ListEnabled(ctx)
	if err != nil {
		return storeErr(err)
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		if err := s.Arm(t); err != nil {
			s.log.Error("task left unscheduled", logx.Task(t.ID), logx.Err(err))
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.byID {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Disarm(id)
	}
	return nil
}

// RunNow submits a manual run of id through the pool FIFO and returns its
// execution ID. It bypasses the scheduler ceiling and coalescing; a full pool
// yields engine.ErrBusy.
func (s *Service) RunNow(ctx context.Context, id string) (string, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return "", err
		}
		return "", storeErr(err)
	}

	execID := s.newID()
	err = s.pool.Submit(engine.Job{
		ID:     execID,
		TaskID: t.ID,
		Name:   t.DisplayName(),
		Source: string(task.SourceManual),
		Run: func(ctx context.Context) error {
			return s.runner.Run(ctx, t, task.SourceManual, execID)
		},
	})
	if err != nil {
		return "", err
	}
	s.log.Info("manual run queued", logx.Task(t.ID), logx.Exec(execID))
	return execID, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]TriggerInfo, 0, len(s.heap))
	for _, tr := range s.heap {
		items = append(items, TriggerInfo{
			TaskID:   tr.task.ID,
			Name:     tr.task.DisplayName(),
			Schedule: tr.task.Schedule.String(),
			Timezone: tr.loc.String(),
			Next:     tr.next,
			Pending:  s.pending[tr.task.ID],
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Next.Equal(items[j].Next) {
			return items[i].TaskID < items[j].TaskID
		}
		return items[i].Next.Before(items[j].Next)
	})

	return Snapshot{
		Running:       s.sup != nil,
		Timezone:      s.loc.String(),
		MisfireGrace:  s.cfg.MisfireGrace,
		MaxConcurrent: s.cfg.MaxConcurrent,
		InFlight:      s.inFlight,
		Overflow:      len(s.overflow),
		Counters:      s.counters,
		Triggers:      items,
	}
}

func withTaskID(id string, err error) error {
	var se *task.ScheduleError
	if errors.As(err, &se) {
		cp := *se
		cp.TaskID = id
		return &cp
	}
	return &task.ScheduleError{TaskID: id, Err: err}
}

func storeErr(err error) error {
	if errors.Is(err, task.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", task.ErrStoreUnavailable, err)
}
