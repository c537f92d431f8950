package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoflow/internal/clock"
	"autoflow/internal/eventbus"
	rtsup "autoflow/internal/runtime/supervisor"
	"autoflow/internal/task"
	"autoflow/internal/task/engine"
	"autoflow/internal/task/trigger"
	logx "autoflow/pkg/logx"
)

type fire struct {
	task task.Task
	at   time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	store  task.Store
	calc   Calculator
	pool   Pool
	runner Runner
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	newID  func() string

	heap triggerHeap
	byID map[string]*armedTrigger

	// pending marks tasks whose scheduled fire is in overflow, queued in the
	// pool or running. Further fires of those tasks coalesce.
	pending  map[string]bool
	overflow []fire
	inFlight int
	retryAt  time.Time

	counters Counters

	wake chan struct{}
	sup  *rtsup.Supervisor
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("scheduler"))

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	calc := deps.Calc
	if calc == nil {
		calc = trigger.New()
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	workers := 0
	if deps.Pool != nil {
		workers = deps.Pool.Workers()
	}
	cfg = cfg.withDefaults(workers)

	loc, err := trigger.LoadLocation(cfg.Timezone, time.Local)
	if err != nil {
		log.Warn("invalid scheduler timezone; using local", logx.String("tz", cfg.Timezone), logx.Err(err))
	}

	return &Service{
		cfg:     cfg,
		loc:     loc,
		store:   deps.Store,
		calc:    calc,
		pool:    deps.Pool,
		runner:  deps.Runner,
		clk:     clk,
		log:     log,
		bus:     deps.Bus,
		newID:   newID,
		byID:    map[string]*armedTrigger{},
		pending: map[string]bool{},
		wake:    make(chan struct{}, 1),
	}
}

// Start arms every enabled task and starts the dispatch loop. A store that
// cannot be listed is fatal; individual bad schedules are logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	if err := s.Sync(ctx); err != nil {
		return err
	}

	// The first loop pass reads the armed set directly.
	select {
	case <-s.wake:
	default:
	}

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.mu.Lock()
	s.sup = sup
	armed := len(s.heap)
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", func(c context.Context) error {
		s.loop(c)
		return nil
	})
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("triggers", armed),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.Duration("misfire_grace", s.cfg.MisfireGrace),
	)
	return nil
}

// Stop ends the dispatch loop. Triggers stay registered; fires still waiting
// in overflow are dropped. Runs already in the pool are not affected.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler stop incomplete", logx.Err(err))
	}

	s.mu.Lock()
	dropped := len(s.overflow)
	for _, f := range s.overflow {
		delete(s.pending, f.task.ID)
	}
	s.overflow = nil
	s.retryAt = time.Time{}
	s.mu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("overflow_dropped", dropped), logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context) {
	for {
		s.mu.Lock()
		at, ok := s.nextWakeLocked()
		s.mu.Unlock()

		var timer clock.Timer
		var tc <-chan time.Time
		if ok {
			timer = s.clk.NewTimer(at.Sub(s.clk.Now()))
			tc = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-tc:
		}
		if timer != nil {
			timer.Stop()
		}
		s.tick()
	}
}

func (s *Service) nextWakeLocked() (time.Time, bool) {
	var at time.Time
	ok := false
	if len(s.heap) > 0 {
		at, ok = s.heap[0].next, true
	}
	if !s.retryAt.IsZero() && len(s.overflow) > 0 && (!ok || s.retryAt.Before(at)) {
		at, ok = s.retryAt, true
	}
	return at, ok
}

func (s *Service) tick() {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.heap) > 0 && !s.heap[0].next.After(now) {
		s.fireLocked(s.heap[0], now)
	}
	s.drainLocked(now)
}

func (s *Service) fireLocked(tr *armedTrigger, now time.Time) {
	due := tr.next
	t := tr.task

	if late := now.Sub(due); late > s.cfg.MisfireGrace {
		s.counters.Misfires++
		s.log.Warn("trigger.misfire",
			logx.Task(t.ID),
			logx.Time("due", due),
			logx.Duration("late", late),
			logx.Duration("grace", s.cfg.MisfireGrace),
		)
		s.rearmLocked(tr, now)
		s.publish("trigger.misfire", TriggerEvent{TaskID: t.ID, Name: t.DisplayName(), At: due, Next: tr.next})
		return
	}

	s.counters.Fired++
	s.enqueueLocked(fire{task: t, at: due}, now)

	ref := due
	if now.After(ref) {
		ref = now
	}
	s.rearmLocked(tr, ref)
	s.log.Debug("trigger.fired", logx.Task(t.ID), logx.Time("due", due), logx.Time("next", tr.next))
	s.publish("trigger.fired", TriggerEvent{TaskID: t.ID, Name: t.DisplayName(), At: due, Next: tr.next})
}

func (s *Service) rearmLocked(tr *armedTrigger, ref time.Time) {
	next, err := s.calc.Next(tr.task.Schedule, ref, tr.loc)
	if err != nil {
		heap.Remove(&s.heap, tr.index)
		delete(s.byID, tr.task.ID)
		s.log.Error("trigger dropped: no next fire", logx.Task(tr.task.ID), logx.Err(err))
		return
	}
	tr.next = next
	heap.Fix(&s.heap, tr.index)
}

func (s *Service) enqueueLocked(f fire, now time.Time) {
	id := f.task.ID
	if s.pending[id] {
		s.counters.Coalesced++
		s.log.Debug("trigger.coalesced", logx.Task(id), logx.Time("due", f.at))
		return
	}
	s.pending[id] = true
	s.overflow = append(s.overflow, f)
	s.drainLocked(now)
	if n := len(s.overflow); n > 0 && s.overflow[n-1].task.ID == id {
		s.counters.Deferred++
		s.log.Debug("fire deferred", logx.Task(id), logx.Int("overflow", n), logx.Int("in_flight", s.inFlight))
	}
}

// drainLocked submits overflow fires in FIFO order while under the ceiling.
// A full pool leaves the head in place until a completion or the retry tick.
func (s *Service) drainLocked(now time.Time) {
	if !s.retryAt.IsZero() && now.Before(s.retryAt) {
		return
	}
	s.retryAt = time.Time{}

	for len(s.overflow) > 0 && s.inFlight < s.cfg.MaxConcurrent {
		f := s.overflow[0]
		err := s.pool.Submit(s.scheduledJob(f.task))
		switch {
		case err == nil:
			s.overflow = s.overflow[1:]
			s.inFlight++
		case errors.Is(err, engine.ErrBusy):
			s.counters.Busy++
			s.retryAt = now.Add(s.cfg.RetryInterval)
			s.log.Warn("pool busy; fire kept at head of overflow", logx.Task(f.task.ID), logx.Duration("retry_in", s.cfg.RetryInterval))
			return
		default:
			s.overflow = s.overflow[1:]
			delete(s.pending, f.task.ID)
			s.counters.Dropped++
			s.log.Warn("fire dropped", logx.Task(f.task.ID), logx.Err(err))
		}
	}
}

func (s *Service) scheduledJob(t task.Task) engine.Job {
	execID := s.newID()
	return engine.Job{
		ID:     execID,
		TaskID: t.ID,
		Name:   t.DisplayName(),
		Source: string(task.SourceScheduled),
		Run: func(ctx context.Context) error {
			return s.runner.Run(ctx, t, task.SourceScheduled, execID)
		},
		Done: func(error) { s.onScheduledDone(t.ID) },
	}
}

func (s *Service) onScheduledDone(id string) {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	delete(s.pending, id)
	s.retryAt = time.Time{}
	s.drainLocked(s.clk.Now())
	needWake := !s.retryAt.IsZero()
	s.mu.Unlock()

	if needWake {
		s.signal()
	}
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(typ string, data TriggerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: data})
}
