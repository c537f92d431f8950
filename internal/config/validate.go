package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks structure and duration strings. Schedule expressions are
// left to the scheduler: a bad one disables that task, not the whole config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Logging.File.MaxSizeMB < 0 {
		errs = append(errs, errors.New("logging.file.max_size_mb must be >= 0"))
	}

	dur("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	dur("scheduler.retry_interval", cfg.Scheduler.RetryInterval)
	if cfg.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	dur("executor.default_timeout", cfg.Executor.DefaultTimeout)
	b := cfg.Executor.Browser
	dur("executor.browser.wait_timeout", b.WaitTimeout)
	dur("executor.browser.find_timeout", b.FindTimeout)
	dur("executor.browser.command_delay_min", b.CommandDelayMin)
	dur("executor.browser.command_delay_max", b.CommandDelayMax)
	dur("executor.browser.key_delay_min", b.KeyDelayMin)
	dur("executor.browser.key_delay_max", b.KeyDelayMax)
	dur("executor.browser.settle", b.Settle)
	dur("executor.macro.completion_delay", cfg.Executor.Macro.CompletionDelay)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		id := strings.TrimSpace(t.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s: id is required", path))
		case seen[id]:
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", path, id))
		}
		seen[id] = true
		if strings.TrimSpace(t.Script) == "" {
			errs = append(errs, fmt.Errorf("%s: script is required", path))
		}
		hasCron := strings.TrimSpace(t.Cron) != ""
		hasWindow := t.WindowStart != "" || t.WindowEnd != ""
		if hasCron && hasWindow {
			errs = append(errs, fmt.Errorf("%s: cron and window_start/window_end are mutually exclusive", path))
		}
		if !hasCron && !hasWindow {
			errs = append(errs, fmt.Errorf("%s: one of cron or window_start/window_end is required", path))
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("%s.timezone: %w", path, err))
			}
		}
		dur(path+".timeout", t.Timeout)
	}
	return errors.Join(errs...)
}
