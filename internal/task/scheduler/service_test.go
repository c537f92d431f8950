package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"autoflow/internal/clock"
	"autoflow/internal/task"
	"autoflow/internal/task/engine"
	"autoflow/internal/task/trigger"
	logx "autoflow/pkg/logx"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]task.Task
	err   error
}

func newFakeStore(tasks ...task.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]task.Task{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) put(t task.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
}

func (s *fakeStore) remove(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *fakeStore) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return task.Task{}, s.err
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return t, nil
}

func (s *fakeStore) ListEnabled(context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) SetLastRun(context.Context, string, time.Time, task.Outcome) error { return nil }

// fakePool records submissions without running them; tests call Done.
type fakePool struct {
	mu      sync.Mutex
	jobs    []engine.Job
	errs    []error
	workers int
}

func (p *fakePool) Submit(j engine.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.jobs = append(p.jobs, j)
	return nil
}

func (p *fakePool) Workers() int { return p.workers }

func (p *fakePool) submitted() []engine.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.Job(nil), p.jobs...)
}

func cronTask(id, expr string) task.Task {
	return task.Task{ID: id, Name: id, Enabled: true, Schedule: task.Schedule{Cron: expr}, Script: task.ResolveScriptRef("/opt/jobs/"+id+".sh", "")}
}

type harness struct {
	s     *Service
	clk   *clock.Fake
	store *fakeStore
	pool  *fakePool
	runs  chan task.Source
}

func newHarness(t *testing.T, cfg Config, start time.Time, tasks ...task.Task) *harness {
	t.Helper()
	h := &harness{
		clk:   clock.NewFake(start),
		store: newFakeStore(tasks...),
		pool:  &fakePool{workers: 5},
		runs:  make(chan task.Source, 16),
	}
	seq := 0
	var seqMu sync.Mutex
	h.s = New(cfg, Deps{
		Store: h.store,
		Calc:  trigger.New(trigger.WithRand(rand.New(rand.NewSource(1)))),
		Pool:  h.pool,
		Runner: RunnerFunc(func(ctx context.Context, _ task.Task, src task.Source, _ string) error {
			h.runs <- src
			return nil
		}),
		Clock: h.clk,
		Log:   logx.Nop(),
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("exec-%d", seq)
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.s.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start = %v", err)
	}
	h.waitArmed(t)
}

// waitArmed blocks until the dispatch loop sleeps on a timer.
func (h *harness) waitArmed(t *testing.T) {
	t.Helper()
	eventually(t, "loop timer", func() bool { return h.clk.Pending() >= 1 })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var t0 = time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)

func TestCoalescesWithinGraceAndResumesAfterCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "UTC"}, t0, cronTask("a", "* * * * *"))
	h.start(t)

	// 30 missed minutes inside the 1h grace yield a single submission.
	h.clk.Advance(30 * time.Minute)
	eventually(t, "first submission", func() bool { return len(h.pool.submitted()) == 1 })
	h.waitArmed(t)

	h.clk.Advance(time.Minute)
	eventually(t, "coalesced fire", func() bool { return h.s.Snapshot().Counters.Coalesced == 1 })
	if n := len(h.pool.submitted()); n != 1 {
		t.Fatalf("submissions = %d, want 1 while run outstanding", n)
	}
	h.waitArmed(t)

	h.pool.submitted()[0].Done(nil)
	h.clk.Advance(time.Minute)
	eventually(t, "second submission", func() bool { return len(h.pool.submitted()) == 2 })

	snap := h.s.Snapshot()
	if snap.Counters.Misfires != 0 {
		t.Fatalf("misfires = %d, want 0", snap.Counters.Misfires)
	}
	if got := snap.Triggers[0].Next; !got.After(h.clk.Now()) {
		t.Fatalf("next fire %v not after now %v", got, h.clk.Now())
	}
	if job := h.pool.submitted()[1]; job.Source != string(task.SourceScheduled) || job.TaskID != "a" {
		t.Fatalf("job = %+v, want scheduled run of a", job)
	}
}

func TestMisfireBeyondGraceIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "UTC"}, t0, cronTask("hourly", "0 * * * *"))
	h.start(t)

	h.clk.Advance(3 * time.Hour) // due 11:00, now 13:00:30
	eventually(t, "misfire", func() bool { return h.s.Snapshot().Counters.Misfires == 1 })

	if n := len(h.pool.submitted()); n != 0 {
		t.Fatalf("submissions = %d, want 0", n)
	}
	want := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	if got := h.s.Snapshot().Triggers[0].Next; !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}

func TestCeilingDefersFiresInFIFOOrder(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{Timezone: "UTC", MaxConcurrent: 1}, start,
		cronTask("a", "0 11 * * *"),
		cronTask("b", "0 11 * * *"),
	)
	h.start(t)

	h.clk.Advance(time.Hour)
	eventually(t, "deferred fire", func() bool { return h.s.Snapshot().Counters.Deferred == 1 })

	jobs := h.pool.submitted()
	if len(jobs) != 1 || jobs[0].TaskID != "a" {
		t.Fatalf("submitted = %v, want only a", jobs)
	}
	if snap := h.s.Snapshot(); snap.InFlight != 1 || snap.Overflow != 1 {
		t.Fatalf("in_flight=%d overflow=%d, want 1 and 1", snap.InFlight, snap.Overflow)
	}

	jobs[0].Done(nil)
	jobs = h.pool.submitted()
	if len(jobs) != 2 || jobs[1].TaskID != "b" {
		t.Fatalf("after completion submitted = %d jobs, want b second", len(jobs))
	}
}

func TestPoolBusyRetriesAfterInterval(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{Timezone: "UTC"}, start, cronTask("a", "0 11 * * *"))
	h.pool.errs = []error{engine.ErrBusy}
	h.start(t)

	h.clk.Advance(time.Hour)
	eventually(t, "busy rejection", func() bool { return h.s.Snapshot().Counters.Busy == 1 })
	if n := len(h.pool.submitted()); n != 0 {
		t.Fatalf("submissions = %d, want 0", n)
	}
	h.waitArmed(t)

	h.clk.Advance(DefaultRetryInterval)
	eventually(t, "retry submission", func() bool { return len(h.pool.submitted()) == 1 })
	if snap := h.s.Snapshot(); snap.Overflow != 0 || snap.InFlight != 1 {
		t.Fatalf("overflow=%d in_flight=%d, want 0 and 1", snap.Overflow, snap.InFlight)
	}
}

func TestArmReplacesExistingTrigger(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{Timezone: "UTC"}, start)

	if err := h.s.Arm(cronTask("a", "0 9 * * *")); err != nil {
		t.Fatalf("Arm = %v", err)
	}
	if err := h.s.Arm(cronTask("a", "0 12 * * *")); err != nil {
		t.Fatalf("re-Arm = %v", err)
	}
	snap := h.s.Snapshot()
	if len(snap.Triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(snap.Triggers))
	}
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := snap.Triggers[0].Next; !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}

	disabled := cronTask("a", "0 12 * * *")
	disabled.Enabled = false
	if err := h.s.Arm(disabled); err != nil {
		t.Fatalf("Arm disabled = %v", err)
	}
	if n := len(h.s.Snapshot().Triggers); n != 0 {
		t.Fatalf("triggers after disable = %d, want 0", n)
	}
}

func TestSyncKeepsPendingWindowFire(t *testing.T) {
	t.Parallel()
	win := cronTask("w", "")
	win.Schedule = task.Schedule{WindowStart: "09:00", WindowEnd: "17:00"}
	h := newHarness(t, Config{Timezone: "UTC"}, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), win)

	if err := h.s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	first := h.s.Snapshot().Triggers[0].Next
	if first.Day() != 1 || first.Hour() < 9 || first.Hour() >= 17 {
		t.Fatalf("next = %v, want inside 2024-01-01 09:00-17:00", first)
	}

	// Inside the open window and before the roll: an unchanged task keeps it.
	h.clk.Set(first.Add(-time.Second))
	renamed := win
	renamed.Name = "renamed"
	h.store.put(renamed)
	if err := h.s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	snap := h.s.Snapshot()
	if got := snap.Triggers[0].Next; !got.Equal(first) {
		t.Fatalf("next after unchanged sync = %v, want %v", got, first)
	}
	if snap.Triggers[0].Name != "renamed" {
		t.Fatalf("name = %q, want snapshot swapped", snap.Triggers[0].Name)
	}

	moved := renamed
	moved.Schedule = task.Schedule{WindowStart: "20:00", WindowEnd: "21:00"}
	h.store.put(moved)
	if err := h.s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	if got := h.s.Snapshot().Triggers[0].Next; got.Hour() != 20 || got.Day() != 1 {
		t.Fatalf("next after schedule change = %v, want 2024-01-01 20:xx", got)
	}
}

func TestArmBadScheduleLeavesTaskUnscheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "UTC"}, t0)
	_ = h.s.Arm(cronTask("a", "@hourly"))

	err := h.s.Arm(cronTask("a", "61 * * * *"))
	var se *task.ScheduleError
	if !errors.As(err, &se) || se.TaskID != "a" {
		t.Fatalf("Arm = %v, want ScheduleError for a", err)
	}
	if !errors.Is(err, task.ErrSchedule) {
		t.Fatalf("errors.Is(ErrSchedule) = false")
	}
	if n := len(h.s.Snapshot().Triggers); n != 0 {
		t.Fatalf("triggers = %d, want 0", n)
	}
}

func TestSyncAndRefreshReconcileWithStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "UTC"}, t0, cronTask("a", "@daily"), cronTask("b", "@daily"))
	if err := h.s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	if n := len(h.s.Snapshot().Triggers); n != 2 {
		t.Fatalf("triggers = %d, want 2", n)
	}

	h.store.remove("b")
	if err := h.s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	if snap := h.s.Snapshot(); len(snap.Triggers) != 1 || snap.Triggers[0].TaskID != "a" {
		t.Fatalf("triggers = %+v, want only a", snap.Triggers)
	}

	off := cronTask("a", "@daily")
	off.Enabled = false
	h.store.put(off)
	if err := h.s.Refresh(context.Background(), "a"); err != nil {
		t.Fatalf("Refresh = %v", err)
	}
	if n := len(h.s.Snapshot().Triggers); n != 0 {
		t.Fatalf("triggers after disable = %d, want 0", n)
	}

	if err := h.s.Refresh(context.Background(), "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Refresh missing = %v, want ErrNotFound", err)
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "UTC"}, t0, cronTask("a", "@daily"))

	if _, err := h.s.RunNow(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("RunNow unknown = %v, want ErrNotFound", err)
	}

	id, err := h.s.RunNow(context.Background(), "a")
	if err != nil || id != "exec-1" {
		t.Fatalf("RunNow = %q, %v; want exec-1", id, err)
	}
	job := h.pool.submitted()[0]
	if job.Source != string(task.SourceManual) {
		t.Fatalf("source = %q, want manual", job.Source)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("job.Run = %v", err)
	}
	if src := <-h.runs; src != task.SourceManual {
		t.Fatalf("runner source = %q, want manual", src)
	}

	h.pool.mu.Lock()
	h.pool.errs = []error{engine.ErrBusy}
	h.pool.mu.Unlock()
	if _, err := h.s.RunNow(context.Background(), "a"); !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("RunNow on full pool = %v, want ErrBusy", err)
	}

	h.store.mu.Lock()
	h.store.err = errors.New("disk gone")
	h.store.mu.Unlock()
	if _, err := h.s.RunNow(context.Background(), "a"); !errors.Is(err, task.ErrStoreUnavailable) {
		t.Fatalf("RunNow with broken store = %v, want ErrStoreUnavailable", err)
	}
}

func TestStartFailsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Timezone: "UTC"}, t0)
	h.store.err = errors.New("connection refused")

	if err := h.s.Start(context.Background()); !errors.Is(err, task.ErrStoreUnavailable) {
		t.Fatalf("Start = %v, want ErrStoreUnavailable", err)
	}
	if h.s.Snapshot().Running {
		t.Fatalf("scheduler running after failed start")
	}
}

func TestConfigMaxConcurrentClampedToWorkers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, workers, want int
	}{
		{0, 5, 5},
		{3, 5, 3},
		{10, 5, 5},
		{0, 0, engine.DefaultWorkers},
	}
	for _, tt := range tests {
		got := Config{MaxConcurrent: tt.in}.withDefaults(tt.workers)
		if got.MaxConcurrent != tt.want {
			t.Fatalf("withDefaults(%d workers, max %d).MaxConcurrent = %d, want %d", tt.workers, tt.in, got.MaxConcurrent, tt.want)
		}
		if got.MisfireGrace != DefaultMisfireGrace {
			t.Fatalf("MisfireGrace = %v, want %v", got.MisfireGrace, DefaultMisfireGrace)
		}
	}
}
