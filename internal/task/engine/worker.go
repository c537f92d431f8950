package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"autoflow/internal/eventbus"
	logx "autoflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.busy, 1)
			s.execOne(ctx, qj)
			atomic.AddInt32(&s.busy, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	job := qj.job

	s.log.Debug("job.started", logx.Task(job.Name), logx.String("id", job.ID), logx.String("source", job.Source), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.started", Time: start, Data: JobEvent{ID: job.ID, TaskID: job.TaskID, Name: job.Name, Source: job.Source, Started: start, QueueDelay: queueDelay}})
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if qj.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
	}
	var err error
	// One bad job must not kill its worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job.panic", logx.Task(job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = job.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: job.ID, TaskID: job.TaskID, Name: job.Name, Source: job.Source, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: job.ID, TaskID: job.TaskID, Name: job.Name, Source: job.Source, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job.failed", logx.Task(job.Name), logx.String("id", job.ID), logx.Any("err", err), logx.Duration("dur", dur))
	} else {
		s.log.Info("job.completed", logx.Task(job.Name), logx.String("id", job.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.finished", Time: time.Now(), Data: ev})
	}

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	if job.Done != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("job.done panic", logx.Task(job.Name), logx.Any("panic", r))
				}
			}()
			job.Done(err)
		}()
	}
}
