package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autoflow/internal/eventbus"
	logx "autoflow/pkg/logx"

	rtsup "autoflow/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool draining one bounded FIFO queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queuedJob

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	busy     int32
	accepted uint64
	rejected uint64

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	lastBusyWarnAt int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.Comp("engine")), bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Workers reports the configured slot count.
func (s *Service) Workers() int {
	s.mu.Lock()
	n := s.cfg.Workers
	s.mu.Unlock()
	return n
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// a failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops intake, lets running jobs finish until ctx expires and discards
// jobs that never started (their Done receives ErrStopped).
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		discarded := 0
		for {
			select {
			case qj := <-queue:
				discarded++
				if qj.job.Done != nil {
					qj.job.Done(ErrStopped)
				}
				continue
			default:
			}
			break
		}
		if discarded > 0 {
			s.log.Warn("queued jobs discarded on stop", logx.Int("count", discarded))
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	// Running jobs observe cancellation through their context only when the
	// caller gives up waiting.
	select {
	case <-done:
		s.log.Info("worker pool stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("worker pool stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Submit enqueues job without blocking. A full queue yields ErrBusy.
func (s *Service) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job Run is nil")
	}
	now := time.Now()
	if strings.TrimSpace(job.ID) == "" {
		job.ID = s.newJobID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	select {
	case q <- queuedJob{job: job, enqueuedAt: now, timeout: timeout}:
		atomic.AddUint64(&s.accepted, 1)
		return nil
	default:
		s.onBusy(now, job, q)
		return ErrBusy
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		Busy:     int(atomic.LoadInt32(&s.busy)),
		QueueLen: ql,
		QueueCap: qc,
		Accepted: atomic.LoadUint64(&s.accepted),
		Rejected: atomic.LoadUint64(&s.rejected),
		History:  h,
	}
}

func (s *Service) newJobID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onBusy(now time.Time, job Job, q chan queuedJob) {
	atomic.AddUint64(&s.rejected, 1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.rejected", Time: now, Data: JobEvent{ID: job.ID, TaskID: job.TaskID, Name: job.Name, Source: job.Source, Started: now, Error: "busy"}})
	}
	if s.shouldWarn(&s.lastBusyWarnAt, now) {
		s.log.Warn(
			"job rejected: queue full",
			logx.Task(job.Name),
			logx.String("id", job.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("rejected", atomic.LoadUint64(&s.rejected)),
		)
	}
}
