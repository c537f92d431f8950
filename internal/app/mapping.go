package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/envprov"
	"autoflow/internal/executor"
	"autoflow/internal/executor/browser"
	"autoflow/internal/httpapi"
	"autoflow/internal/notifier"
	"autoflow/internal/storage"
	"autoflow/internal/task"
	"autoflow/internal/task/engine"
	"autoflow/internal/task/scheduler"
	logx "autoflow/pkg/logx"
)

// Every mapper assumes config.Validate already passed, so duration strings
// parse and DurationOr never falls back silently on bad input.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled:   cfg.Logging.File.Enabled,
			Path:      cfg.Logging.File.Path,
			MaxSizeMB: cfg.Logging.File.MaxSizeMB,
		},
	}
}

func mapEngine(cfg *config.Config) engine.Config {
	return engine.Config{
		Enabled:     cfg.Engine.IsEnabled(),
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		HistorySize: cfg.Engine.HistorySize,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		MisfireGrace:  config.DurationOr(cfg.Scheduler.MisfireGrace, scheduler.DefaultMisfireGrace),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		RetryInterval: config.DurationOr(cfg.Scheduler.RetryInterval, scheduler.DefaultRetryInterval),
	}
}

func mapEnvironment(cfg *config.Config) envprov.Config {
	return envprov.Config{
		Display:     cfg.Environment.Display,
		XAuthority:  os.ExpandEnv(cfg.Environment.XAuthority),
		SessionFile: os.ExpandEnv(cfg.Environment.SessionFile),
	}
}

const defaultStatePath = "./data/autoflow"

func mapStorage(cfg *config.Config) storage.Config {
	driver := strings.TrimSpace(cfg.Storage.Driver)
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" && (driver == "" || driver == "file") {
		path = defaultStatePath
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
		RunHistory:  cfg.Storage.RunHistory,
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}
}

// mapNotifier fills channel secrets from the environment. An omitted section
// enables the pipeline only when the environment configures a channel.
func mapNotifier(cfg *config.Config, getenv func(string) string) notifier.Config {
	n := cfg.Notifier
	omitted := n == nil
	if omitted {
		n = &config.NotifierConfig{}
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.DurationOr(n.RetryBase, 0),
		RetryMaxDelay:   config.DurationOr(n.RetryMaxDelay, 0),
		SendTimeout:     config.DurationOr(n.SendTimeout, 0),
		DedupWindow:     config.DurationOr(n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
		Telegram: notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
			APIURL:   n.Telegram.APIURL,
		},
		Email: notifier.EmailConfig{
			Enabled:  n.Email.Enabled,
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			User:     n.Email.User,
			Password: n.Email.Password,
			From:     n.Email.From,
			To:       append([]string(nil), n.Email.To...),
		},
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	out = out.WithEnv(getenv)
	if omitted {
		out.Enabled = out.Telegram.Configured()
	}
	return out
}

func mapInterpreters(cfg *config.Config) map[string][]string {
	out := executor.DefaultInterpreters()
	for ext, argv := range cfg.Executor.Interpreters {
		out[ext] = argv
	}
	return out
}

func mapHumanize(b config.BrowserConfig) browser.Humanize {
	h := browser.DefaultHumanize()
	h.CommandMin = config.DurationOr(b.CommandDelayMin, h.CommandMin)
	h.CommandMax = config.DurationOr(b.CommandDelayMax, h.CommandMax)
	h.KeyMin = config.DurationOr(b.KeyDelayMin, h.KeyMin)
	h.KeyMax = config.DurationOr(b.KeyDelayMax, h.KeyMax)
	h.Settle = config.DurationOr(b.Settle, h.Settle)
	return h
}

func mapChrome(b config.BrowserConfig) browser.ChromeConfig {
	return browser.ChromeConfig{
		ExecPath:    b.ChromePath,
		UserAgent:   b.UserAgent,
		Headless:    b.Headless,
		FindTimeout: config.DurationOr(b.FindTimeout, 0),
		Width:       b.Width,
		Height:      b.Height,
	}
}

func mapMacro(cfg *config.Config) (executor.MacroConfig, executor.CompletionDetector) {
	m := cfg.Executor.Macro
	mc := executor.MacroConfig{
		Command:     m.Command,
		LogFile:     m.LogFile,
		ReadLimit:   m.ReadLimit,
		OutputLimit: cfg.Executor.OutputLimit,
	}
	return mc, executor.FixedDelay(config.DurationOr(m.CompletionDelay, executor.DefaultMacroSettle))
}

// buildDispatcher wires the three executors from config.
func buildDispatcher(cfg *config.Config, log logx.Logger) *executor.Dispatcher {
	timeout := config.DurationOr(cfg.Executor.DefaultTimeout, executor.DefaultTimeout)
	script := executor.NewScript(executor.ScriptConfig{
		Interpreters: mapInterpreters(cfg),
		OutputLimit:  cfg.Executor.OutputLimit,
	}, log)
	mc, detect := mapMacro(cfg)
	macro := executor.NewMacro(mc, detect, log)

	b := cfg.Executor.Browser
	chrome := browser.NewChromeOpener(mapChrome(b), log)
	web := browser.New(chrome, log,
		browser.WithHumanize(mapHumanize(b)),
		browser.WithWaitTimeout(config.DurationOr(b.WaitTimeout, 0)),
	)
	return executor.NewDispatcher(timeout, log, script, macro, web)
}

// taskFromConfig converts one declared task.
func taskFromConfig(tc config.TaskConfig) (task.Task, error) {
	timeout, err := config.ParseDurationField("tasks."+tc.ID+".timeout", tc.Timeout)
	if err != nil {
		return task.Task{}, err
	}
	t := task.Task{
		ID:      strings.TrimSpace(tc.ID),
		Name:    strings.TrimSpace(tc.Name),
		Script:  task.ResolveScriptRef(os.ExpandEnv(tc.Script), tc.Kind),
		Enabled: tc.IsEnabled(),
		Schedule: task.Schedule{
			Cron:        strings.TrimSpace(tc.Cron),
			WindowStart: strings.TrimSpace(tc.WindowStart),
			WindowEnd:   strings.TrimSpace(tc.WindowEnd),
		},
		Timezone: strings.TrimSpace(tc.Timezone),
		Timeout:  timeout,
	}
	if t.ID == "" {
		return task.Task{}, fmt.Errorf("task id is required")
	}
	return t, nil
}

// restartSections lists config sections that only apply on the next start.
var restartSections = map[string]bool{
	"scheduler":   true,
	"engine":      true,
	"executor":    true,
	"environment": true,
	"storage":     true,
	"http":        true,
}

// stepTimeout bounds one shutdown step by what is left of the caller's deadline.
func stepTimeout(dl time.Time, hasDL bool, max time.Duration) time.Duration {
	if !hasDL {
		return max
	}
	rem := time.Until(dl)
	if rem <= 0 {
		return 0
	}
	if rem < max {
		return rem
	}
	return max
}
