package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/storage"
	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []executor.Job
	ex   task.Execution
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job executor.Job) task.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	ex := f.ex
	ex.ID = job.ID
	return ex
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
	ok     []bool
}

func (f *fakeNotifier) Notify(title string, success bool, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	f.ok = append(f.ok, success)
	return nil
}

func memStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunnerRecordsAndNotifies(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ex      task.Execution
		wantErr error
	}{
		{
			name: "success",
			ex:   task.Execution{StartTime: start, EndTime: start.Add(2 * time.Second), Outcome: task.OutcomeSuccess},
		},
		{
			name:    "step failure",
			ex:      task.Execution{StartTime: start, EndTime: start.Add(time.Second), Outcome: task.OutcomeFailed, ExitCode: 1, StepIndex: 3, StepCommand: "click", Err: &task.StepError{Test: "login", Index: 3, Command: "click", Err: errors.New("no element")}},
			wantErr: task.ErrExecution,
		},
		{
			name:    "timeout without error value",
			ex:      task.Execution{StartTime: start, EndTime: start.Add(time.Minute), Outcome: task.OutcomeTimeout},
			wantErr: task.ErrExecution,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := memStore(t)
			tk := task.Task{ID: "sign", Script: task.ResolveScriptRef("/opt/sign.side", ""), Enabled: true, Schedule: task.Schedule{Cron: "@daily"}, Timeout: 90 * time.Second}
			if err := st.Put(context.Background(), tk); err != nil {
				t.Fatalf("Put: %v", err)
			}

			bus := eventbus.New()
			events, unsub := bus.Subscribe(4, "execution.")
			defer unsub()

			disp := &fakeDispatcher{ex: tt.ex}
			notif := &fakeNotifier{}
			r := &runner{
				dispatch: disp,
				env:      func() []string { return []string{"DISPLAY=:1"} },
				store:    st,
				notify:   notif,
				bus:      bus,
				log:      logx.Nop(),
			}

			err := r.Run(context.Background(), tk, task.SourceManual, "exec-1")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Run() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() = %v, want %v", err, tt.wantErr)
			}

			if len(disp.jobs) != 1 {
				t.Fatalf("dispatched %d jobs, want 1", len(disp.jobs))
			}
			job := disp.jobs[0]
			if job.Timeout != 90*time.Second || job.Env[0] != "DISPLAY=:1" || job.ID != "exec-1" {
				t.Fatalf("job = %+v", job)
			}

			got, _ := st.Get(context.Background(), "sign")
			if got.LastStatus != tt.ex.Outcome || !got.LastRun.Equal(start) {
				t.Fatalf("last run = %v %v, want %v %v", got.LastRun, got.LastStatus, start, tt.ex.Outcome)
			}
			runs, _ := st.Runs(context.Background(), "sign", 10)
			if len(runs) != 1 || runs[0].Source != task.SourceManual || runs[0].ExecutionID != "exec-1" {
				t.Fatalf("runs = %+v", runs)
			}

			if len(notif.ok) != 1 || notif.ok[0] != (tt.ex.Outcome == task.OutcomeSuccess) {
				t.Fatalf("notified = %v", notif.ok)
			}
			select {
			case e := <-events:
				if e.Type != "execution.finished" {
					t.Fatalf("event type = %q", e.Type)
				}
			case <-time.After(time.Second):
				t.Fatalf("no execution event")
			}
		})
	}
}

func TestSeedAndPrune(t *testing.T) {
	t.Parallel()
	st := memStore(t)
	ctx := context.Background()

	// Created outside the config file; seeding must not touch it.
	_ = st.Put(ctx, task.Task{ID: "manual", Script: task.ResolveScriptRef("/opt/m.py", ""), Schedule: task.Schedule{Cron: "@hourly"}})

	oldCfg := &config.Config{Tasks: []config.TaskConfig{
		{ID: "a", Script: "/opt/a.py", Cron: "0 9 * * *"},
		{ID: "b", Script: "/opt/b.side", WindowStart: "08:00", WindowEnd: "09:00", Timeout: "2m"},
	}}
	if n, err := seedTasks(ctx, st, oldCfg, logx.Nop()); n != 2 || err != nil {
		t.Fatalf("seedTasks = %d, %v", n, err)
	}
	b, err := st.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if b.Script.Kind != task.KindBrowserScript || b.Timeout != 2*time.Minute || !b.Enabled {
		t.Fatalf("b = %+v", b)
	}

	newCfg := &config.Config{Tasks: oldCfg.Tasks[:1]}
	removed := pruneRemoved(ctx, st, oldCfg, newCfg)
	if strings.Join(removed, ",") != "b" {
		t.Fatalf("removed = %v, want [b]", removed)
	}
	all, _ := st.List(ctx)
	if len(all) != 2 {
		t.Fatalf("tasks left = %d, want 2", len(all))
	}
	if _, err := st.Get(ctx, "manual"); err != nil {
		t.Fatalf("manual task removed: %v", err)
	}
}

func TestMapNotifier(t *testing.T) {
	t.Parallel()
	env := map[string]string{"TELEGRAM_BOT_TOKEN": "tok", "TELEGRAM_CHAT_ID": "-100"}
	getenv := func(k string) string { return env[k] }

	omitted := mapNotifier(&config.Config{}, getenv)
	if !omitted.Enabled || omitted.Telegram.ChatID != -100 {
		t.Fatalf("omitted section = %+v, want enabled from env", omitted)
	}
	if omitted.RetryMax != 3 {
		t.Fatalf("RetryMax = %d, want 3", omitted.RetryMax)
	}

	off := mapNotifier(&config.Config{Notifier: &config.NotifierConfig{Enabled: false}}, getenv)
	if off.Enabled {
		t.Fatalf("explicit disabled section enabled")
	}

	none := mapNotifier(&config.Config{}, func(string) string { return "" })
	if none.Enabled {
		t.Fatalf("enabled without any channel")
	}
}

func TestStepTimeout(t *testing.T) {
	t.Parallel()
	if got := stepTimeout(time.Time{}, false, 2*time.Second); got != 2*time.Second {
		t.Fatalf("no deadline = %v, want 2s", got)
	}
	if got := stepTimeout(time.Now().Add(-time.Second), true, 2*time.Second); got != 0 {
		t.Fatalf("past deadline = %v, want 0", got)
	}
	if got := stepTimeout(time.Now().Add(500*time.Millisecond), true, 2*time.Second); got > 500*time.Millisecond || got <= 0 {
		t.Fatalf("near deadline = %v, want (0, 500ms]", got)
	}
}

func TestAppStartStop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "autoflow.yaml")
	data := `
logging:
  level: error
storage:
  driver: file
  path: ` + filepath.Join(dir, "state") + `
tasks:
  - id: nightly
    script: /opt/jobs/nightly.sh
    cron: "0 3 * * *"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := a.sched.Snapshot()
	if !snap.Running || len(snap.Triggers) != 1 || snap.Triggers[0].TaskID != "nightly" {
		t.Fatalf("scheduler snapshot = %+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}
