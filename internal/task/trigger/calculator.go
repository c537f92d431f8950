// Package trigger computes fire instants for task schedules.
//
// Two schedule modes are supported:
//   - cron: standard 5-field expressions (plus @daily style descriptors)
//   - window: one pseudo-random instant per day inside a local HH:MM window
//
// The calculator is pure apart from its injected randomness source.
package trigger

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autoflow/internal/task"
)

// MinWindow is the smallest effective random window.
const MinWindow = 60 * time.Second

type Calculator struct {
	parser cron.Parser

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Calculator)

// WithRand injects the randomness source used for window offsets.
func WithRand(r *rand.Rand) Option {
	return func(c *Calculator) {
		if r != nil {
			c.rng = r
		}
	}
}

func New(opts ...Option) *Calculator {
	c := &Calculator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Validate checks a schedule without computing a fire time.
func (c *Calculator) Validate(s task.Schedule) error {
	switch {
	case strings.TrimSpace(s.Cron) != "" && (s.WindowStart != "" || s.WindowEnd != ""):
		return &task.ScheduleError{Spec: s.String(), Err: errors.New("cron and window are mutually exclusive")}
	case s.IsWindow():
		if _, _, err := parseHHMM(s.WindowStart); err != nil {
			return &task.ScheduleError{Spec: s.String(), Err: fmt.Errorf("window_start: %w", err)}
		}
		if _, _, err := parseHHMM(s.WindowEnd); err != nil {
			return &task.ScheduleError{Spec: s.String(), Err: fmt.Errorf("window_end: %w", err)}
		}
		return nil
	case strings.TrimSpace(s.Cron) == "":
		return &task.ScheduleError{Spec: s.String(), Err: errors.New("empty schedule")}
	default:
		if _, err := c.parser.Parse(strings.TrimSpace(s.Cron)); err != nil {
			return &task.ScheduleError{Spec: s.Cron, Err: err}
		}
		return nil
	}
}

// Next returns the first fire instant strictly after ref, evaluated in loc.
func (c *Calculator) Next(s task.Schedule, ref time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := c.Validate(s); err != nil {
		return time.Time{}, err
	}
	if s.IsWindow() {
		return c.nextInWindow(s, ref, loc)
	}

	sched, err := c.parser.Parse(strings.TrimSpace(s.Cron))
	if err != nil {
		return time.Time{}, &task.ScheduleError{Spec: s.Cron, Err: err}
	}
	next := sched.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, &task.ScheduleError{Spec: s.Cron, Err: errors.New("expression never fires")}
	}
	return next, nil
}

// WindowSpan returns the effective duration of a daily window. Windows whose end
// is before their start wrap past midnight. The result is never below MinWindow.
func WindowSpan(start, end string) (time.Duration, error) {
	sh, sm, err := parseHHMM(start)
	if err != nil {
		return 0, err
	}
	eh, em, err := parseHHMM(end)
	if err != nil {
		return 0, err
	}
	from := time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute
	to := time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute
	if to < from {
		to += 24 * time.Hour
	}
	span := to - from
	if span < MinWindow {
		span = MinWindow
	}
	return span, nil
}

// nextInWindow picks a fresh offset for the first daily window opening after ref.
// A window that is already open at ref is not used, which keeps it to at most one
// fire per window even when the trigger is recomputed right after firing.
func (c *Calculator) nextInWindow(s task.Schedule, ref time.Time, loc *time.Location) (time.Time, error) {
	sh, sm, _ := parseHHMM(s.WindowStart)
	span, err := WindowSpan(s.WindowStart, s.WindowEnd)
	if err != nil {
		return time.Time{}, &task.ScheduleError{Spec: s.String(), Err: err}
	}

	local := ref.In(loc)
	y, m, d := local.Date()
	for delta := 0; delta <= 2; delta++ {
		open := time.Date(y, m, d+delta, sh, sm, 0, 0, loc)
		if !open.After(ref) {
			continue
		}
		return open.Add(c.offset(span)), nil
	}
	return time.Time{}, &task.ScheduleError{Spec: s.String(), Err: errors.New("no window found")}
}

func (c *Calculator) offset(span time.Duration) time.Duration {
	secs := int64(span / time.Second)
	if secs <= 0 {
		return 0
	}
	c.mu.Lock()
	n := c.rng.Int63n(secs)
	c.mu.Unlock()
	return time.Duration(n) * time.Second
}

// LoadLocation resolves an IANA zone name; empty or invalid names yield fallback.
func LoadLocation(name string, fallback *time.Location) (*time.Location, error) {
	if fallback == nil {
		fallback = time.Local
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}
