package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autoflow/internal/eventbus"
	logx "autoflow/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestSixSubmissionsFiveStartImmediately(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 5, QueueSize: 8})

	started := make(chan string, 6)
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		err := s.Submit(Job{ID: id, Name: "job-" + id, Run: func(ctx context.Context) error {
			started <- id
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit(%s) = %v", id, err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		seen[waitFor(t, started, "first five")] = true
	}
	select {
	case id := <-started:
		t.Fatalf("sixth job %s started while all slots were busy", id)
	case <-time.After(100 * time.Millisecond):
	}
	if seen["f"] {
		t.Fatalf("job f started before an earlier submission (FIFO violated): %v", seen)
	}
	if snap := s.Snapshot(); snap.Busy != 5 || snap.QueueLen != 1 {
		t.Fatalf("Snapshot busy=%d queue=%d, want 5 and 1", snap.Busy, snap.QueueLen)
	}

	release <- struct{}{}
	if got := waitFor(t, started, "sixth job"); got != "f" {
		t.Fatalf("sixth job = %s, want f", got)
	}
	close(release)
}

func TestSubmitFullQueueReturnsBusy(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, QueueSize: 1})

	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error {
		select {
		case started <- "x":
		default:
		}
		<-release
		return nil
	}
	if err := s.Submit(Job{Name: "running", Run: block}); err != nil {
		t.Fatalf("Submit running = %v", err)
	}
	waitFor(t, started, "running job")
	if err := s.Submit(Job{Name: "queued", Run: block}); err != nil {
		t.Fatalf("Submit queued = %v", err)
	}
	err := s.Submit(Job{Name: "rejected", Run: block})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit on full queue = %v, want ErrBusy", err)
	}
	if snap := s.Snapshot(); snap.Rejected != 1 || snap.Accepted != 2 {
		t.Fatalf("accepted=%d rejected=%d, want 2 and 1", snap.Accepted, snap.Rejected)
	}
}

func TestJobPanicIsContainedAndDoneCalled(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, QueueSize: 4})

	done := make(chan error, 2)
	_ = s.Submit(Job{Name: "panics", Run: func(ctx context.Context) error { panic("boom") }, Done: func(err error) { done <- err }})
	_ = s.Submit(Job{Name: "after", Run: func(ctx context.Context) error { return nil }, Done: func(err error) { done <- err }})

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("panicking job reported nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("panicking job never completed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow-up job err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	t.Parallel()
	s := startPool(t, Config{Workers: 1, QueueSize: 1})
	done := make(chan error, 1)
	_ = s.Submit(Job{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Done: func(err error) { done <- err }})
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job not cancelled by timeout")
	}
}

func TestSubmitWhenStoppedOrDisabled(t *testing.T) {
	t.Parallel()
	disabled := New(Config{Enabled: false}, logx.Nop(), nil)
	if err := disabled.Submit(Job{Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Submit = %v, want ErrDisabled", err)
	}
	notStarted := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := notStarted.Submit(Job{Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Submit = %v, want ErrStopped", err)
	}
}

func TestStopDiscardsQueuedJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan string, 1)
	var discarded int32
	_ = s.Submit(Job{Name: "running", Run: func(ctx context.Context) error {
		started <- "running"
		<-release
		return nil
	}})
	waitFor(t, started, "running job")
	for i := 0; i < 2; i++ {
		_ = s.Submit(Job{Name: "queued", Run: func(context.Context) error { return nil }, Done: func(err error) {
			if errors.Is(err, ErrStopped) {
				atomic.AddInt32(&discarded, 1)
			}
		}})
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := atomic.LoadInt32(&discarded); got != 2 {
		t.Fatalf("discarded = %d, want 2", got)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestPoolLinesCarryOneComp(t *testing.T) {
	t.Parallel()
	var out lockedBuffer
	s := New(Config{Enabled: true, Workers: 2}, logx.NewWriter(&out, "debug"), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	lines := out.lines()
	if len(lines) < 2 {
		t.Fatalf("lines = %q, want start and stop", lines)
	}
	for _, l := range lines {
		if n := strings.Count(l, `"comp":`); n != 1 {
			t.Fatalf("line %q has %d comp fields, want 1", l, n)
		}
	}
}
