package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autoflow/internal/executor"
	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

const (
	DefaultWaitTimeout = 30 * time.Second
	maxTranscript      = 200
)

type Option func(*Executor)

func WithHumanize(h Humanize) Option { return func(e *Executor) { e.humanize = h } }

func WithRand(r *rand.Rand) Option { return func(e *Executor) { e.rng = r } }

// WithWaitTimeout bounds waitFor* commands that carry no explicit timeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.waitTimeout = d
		}
	}
}

// Executor replays .side bundles through a Driver.
type Executor struct {
	opener      Opener
	humanize    Humanize
	rng         *rand.Rand
	waitTimeout time.Duration
	log         logx.Logger
}

var _ executor.Executor = (*Executor)(nil)

func New(opener Opener, log logx.Logger, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		opener:      opener,
		humanize:    DefaultHumanize(),
		waitTimeout: DefaultWaitTimeout,
		log:         log.With(logx.Comp("executor.browser")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Kind() task.Kind { return task.KindBrowserScript }

func (e *Executor) Validate(ref task.ScriptRef) error {
	_, err := LoadBundle(ref.Location)
	return err
}

func (e *Executor) Run(ctx context.Context, job executor.Job) task.Execution {
	ex := task.Execution{StartTime: time.Now(), ExitCode: -1}
	fail := func(err error) task.Execution {
		ex.EndTime = time.Now()
		ex.Outcome = task.OutcomeFailed
		ex.Err = err
		return ex
	}

	bundle, err := LoadBundle(job.Script.Location)
	if err != nil {
		ex.Output = err.Error()
		return fail(err)
	}

	drv, err := e.opener.Open(ctx, job.Env)
	if err != nil {
		err = task.Launch(fmt.Errorf("browser: %w", err))
		ex.Output = err.Error()
		return fail(err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			e.log.Debug("browser close", logx.Task(job.TaskID), logx.Err(err))
		}
	}()

	s := &session{
		drv:         drv,
		base:        bundle.URL,
		vars:        Vars{},
		pace:        newPacer(e.humanize, e.rng),
		waitTimeout: e.waitTimeout,
	}

	executed := 0
	for _, test := range bundle.Tests {
		name := test.Name
		if name == "" {
			name = "Unnamed"
		}
		e.log.Info("test started", logx.Task(job.TaskID), logx.String("test", name), logx.Int("commands", len(test.Commands)))
		for i, c := range test.Commands {
			if c.Skip() {
				continue
			}
			if err := s.exec(ctx, c); err != nil {
				se := &task.StepError{Test: name, Index: i + 1, Command: c.Command, Err: err}
				e.log.Warn("command failed", logx.Task(job.TaskID), logx.String("test", name), logx.Int("step", i+1), logx.String("command", c.Command), logx.Err(err))
				s.note(se.Error())
				ex.StepIndex = se.Index
				ex.StepCommand = c.Command
				ex.Output = s.transcript()
				return fail(se)
			}
			executed++
		}
	}

	if err := sleep(ctx, e.humanize.Settle); err != nil {
		ex.Output = s.transcript()
		return fail(err)
	}

	ex.EndTime = time.Now()
	ex.ExitCode = 0
	ex.Outcome = task.OutcomeSuccess
	s.note(fmt.Sprintf("executed %d commands in %.2fs", executed, ex.EndTime.Sub(ex.StartTime).Seconds()))
	ex.Output = s.transcript()
	return ex
}

type session struct {
	drv         Driver
	base        string
	vars        Vars
	pace        *pacer
	waitTimeout time.Duration
	lines       []string
}

func (s *session) note(line string) {
	s.lines = append(s.lines, line)
	if len(s.lines) > maxTranscript {
		s.lines = s.lines[len(s.lines)-maxTranscript:]
	}
}

func (s *session) transcript() string { return strings.Join(s.lines, "\n") }

func (s *session) exec(ctx context.Context, c Command) error {
	if err := s.pace.command(ctx); err != nil {
		return err
	}
	target := s.vars.Expand(c.Target)
	value := s.vars.Expand(c.Value)
	s.note(strings.TrimRight(c.Command+" | "+target+" | "+value, " |"))
	loc := ParseLocator(target)

	switch c.Command {
	case "open":
		u, err := resolveURL(s.base, target)
		if err != nil {
			return err
		}
		return s.drv.Navigate(u)

	case "click", "clickAt":
		return s.drv.Click(loc)

	case "type":
		if err := s.drv.Clear(loc); err != nil {
			return err
		}
		for _, r := range value {
			if err := s.drv.SendKeys(loc, string(r)); err != nil {
				return err
			}
			if err := s.pace.key(ctx); err != nil {
				return err
			}
		}
		return nil

	case "sendKeys":
		return s.drv.SendKeys(loc, ExpandKeys(value))

	case "select":
		by, opt := parseOption(value)
		return s.drv.Select(loc, by, opt)

	case "waitForElementVisible":
		return s.drv.WaitVisible(loc, s.timeout(value))

	case "waitForElementPresent":
		return s.drv.WaitPresent(loc, s.timeout(value))

	case "pause":
		ms := value
		if ms == "" {
			ms = target
		}
		n, err := strconv.Atoi(strings.TrimSpace(ms))
		if err != nil {
			return fmt.Errorf("pause: bad duration %q", ms)
		}
		return sleep(ctx, time.Duration(n)*time.Millisecond)

	case "store":
		s.vars[value] = target
		return nil

	case "storeText":
		txt, err := s.drv.Text(loc)
		if err != nil {
			return err
		}
		s.vars[value] = txt
		return nil

	case "storeValue":
		v, err := s.drv.Value(loc)
		if err != nil {
			return err
		}
		s.vars[value] = v
		return nil

	case "storeTitle":
		title, err := s.drv.Title()
		if err != nil {
			return err
		}
		s.vars[value] = title
		return nil

	case "assertText":
		txt, err := s.drv.Text(loc)
		if err != nil {
			return err
		}
		if strings.TrimSpace(txt) != strings.TrimSpace(value) {
			return fmt.Errorf("assertText: got %q, want %q", txt, value)
		}
		return nil

	case "assertTitle":
		title, err := s.drv.Title()
		if err != nil {
			return err
		}
		if title != target {
			return fmt.Errorf("assertTitle: got %q, want %q", title, target)
		}
		return nil

	case "assertElementPresent":
		ok, err := s.drv.Present(loc)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("assertElementPresent: %s not found", loc)
		}
		return nil

	case "executeScript", "runScript":
		res, err := s.drv.Evaluate(target)
		if err != nil {
			return err
		}
		if value != "" {
			s.vars[value] = res
		}
		return nil

	case "setWindowSize":
		size := target
		if !strings.Contains(size, "x") {
			size = value
		}
		w, h, err := parseSize(size)
		if err != nil {
			return err
		}
		return s.drv.SetWindowSize(w, h)

	case "close":
		return s.drv.Close()

	case "echo":
		s.note(target)
		return nil
	}

	s.note("unsupported command skipped: " + c.Command)
	return nil
}

func (s *session) timeout(value string) time.Duration {
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return s.waitTimeout
}

// resolveURL applies an open target to the bundle base URL. Absolute targets
// win; "/path" is appended to the base as the IDE does.
func resolveURL(base, target string) (string, error) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("open: relative target without bundle url")
	}
	if target == "" {
		return base, nil
	}
	if strings.HasPrefix(target, "/") {
		return strings.TrimRight(base, "/") + target, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("open: bad bundle url: %w", err)
	}
	r, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("open: bad target: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

func parseOption(value string) (SelectBy, string) {
	switch {
	case strings.HasPrefix(value, "label="):
		return SelectByLabel, value[len("label="):]
	case strings.HasPrefix(value, "value="):
		return SelectByValue, value[len("value="):]
	case strings.HasPrefix(value, "index="):
		return SelectByIndex, value[len("index="):]
	}
	return SelectByLabel, value
}

func parseSize(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("setWindowSize: bad size %q", s)
	}
	wi, err1 := strconv.Atoi(strings.TrimSpace(w))
	hi, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 {
		return 0, 0, fmt.Errorf("setWindowSize: bad size %q", s)
	}
	return wi, hi, nil
}
