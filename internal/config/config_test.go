package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true},
  "scheduler": {"timezone": "UTC", "misfire_grace": "30m"},
  "engine": {"workers": 3},
  "executor": {"default_timeout": "120s", "interpreters": {".ts": ["deno", "run"]}},
  "storage": {"driver": "sqlite", "path": "./data/autoflow.db"},
  "tasks": [
    {"id": "checkin", "script": "/opt/jobs/checkin.side", "window_start": "08:00", "window_end": "09:30"},
    {"id": "backup", "script": "/opt/jobs/backup.sh", "cron": "0 3 * * *", "enabled": false}
  ]
}`

const sampleYAML = `
logging:
  level: debug
scheduler:
  timezone: UTC
tasks:
  - id: sign
    script: nodeloc_sign
    cron: "@daily"
    timeout: 90s
`

func TestDecodeJSONAndYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("autoflow.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[1].IsEnabled() || !cfg.Tasks[0].IsEnabled() {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if got := strings.Join(cfg.Executor.Interpreters[".ts"], " "); got != "deno run" {
		t.Fatalf("interpreter = %q, want %q", got, "deno run")
	}
	if cfg.Notifier != nil {
		t.Fatalf("omitted notifier decoded as %+v", cfg.Notifier)
	}

	ycfg, err := Decode("autoflow.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if ycfg.Logging.Level != "debug" || len(ycfg.Tasks) != 1 || ycfg.Tasks[0].Timeout != "90s" {
		t.Fatalf("yaml cfg = %+v", ycfg)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
		want string
	}{
		{"unknown key", "c.json", `{"logging": {"levle": "x"}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yml", "logging: [", "yaml"},
		{"bad duration", "c.json", `{"scheduler": {"misfire_grace": "soon"}}`, "scheduler.misfire_grace"},
		{"negative duration", "c.json", `{"executor": {"default_timeout": "-1s"}}`, ">= 0"},
		{"bad timezone", "c.json", `{"scheduler": {"timezone": "Mars/Olympus"}}`, "scheduler.timezone"},
		{"bad driver", "c.json", `{"storage": {"driver": "redis"}}`, "storage.driver"},
		{"missing id", "c.json", `{"tasks": [{"script": "a.py", "cron": "* * * * *"}]}`, "id is required"},
		{"duplicate id", "c.json", `{"tasks": [{"id": "a", "script": "a.py", "cron": "* * * * *"}, {"id": "a", "script": "b.py", "cron": "* * * * *"}]}`, "duplicate id"},
		{"both schedules", "c.json", `{"tasks": [{"id": "a", "script": "a.py", "cron": "* * * * *", "window_start": "08:00"}]}`, "mutually exclusive"},
		{"no schedule", "c.json", `{"tasks": [{"id": "a", "script": "a.py"}]}`, "one of cron"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Hour},
		{raw: "0s", want: time.Hour},
		{raw: " 15m ", want: 15 * time.Minute},
		{raw: "x", wantErr: true},
		{raw: "-5s", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("f", tt.raw, time.Hour)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := Decode("a.json", []byte(sampleJSON))
	newCfg, _ := Decode("a.json", []byte(sampleJSON))
	if changed, _, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}

	newCfg.Logging.Level = "debug"
	newCfg.Notifier = &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "secret"}}
	newCfg.Tasks[0].WindowEnd = "10:00"
	newCfg.Tasks = append(newCfg.Tasks, TaskConfig{ID: "new", Script: "n.py", Cron: "* * * * *"})

	changed, attrs, tasks := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "logging,notifier,tasks" {
		t.Fatalf("changed = %q", got)
	}
	if got := strings.Join(tasks, ","); got != "checkin,new" {
		t.Fatalf("tasks changed = %q", got)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "autoflow.json")
	writeFile(t, path, `{"logging": {"level": "info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged Reload = %v, %v", ok, err)
	}

	writeFile(t, path, `{"logging": {"level": "debug"}}`)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return errors.New("nope") })
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("rejected Reload = %v, %v", ok, err)
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	m.SetValidator(nil)
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("Reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("no config published")
	}

	writeFile(t, path, `{"logging": {"level": 3}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("Reload accepted a malformed file")
	}
}

func TestManagerWatchPublishesEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "autoflow.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher may not be registered yet; keep rewriting until seen.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("published level = %q, want warn", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			writeFile(t, path, "logging:\n  level: warn\n")
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
