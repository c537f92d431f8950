package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

const (
	DefaultMacroSettle    = 3 * time.Second
	DefaultMacroReadLimit = 64 << 10
)

// CompletionDetector decides when a macro's asynchronous side effects are
// done. The daemon gives no completion signal, so the default only waits.
type CompletionDetector interface {
	Wait(ctx context.Context) error
}

// FixedDelay waits a constant time or until ctx ends.
type FixedDelay time.Duration

func (d FixedDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(d))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type MacroConfig struct {
	// Command is the invocation prefix; the macro name is appended.
	Command []string
	// LogFile is the daemon's shared log sink. Empty disables tailing.
	LogFile     string
	ReadLimit   int
	OutputLimit int
	// WaitDelay bounds how long a killed client may hold its pipes.
	WaitDelay time.Duration
}

// MacroExecutor triggers named macros on an already running GUI automation daemon.
type MacroExecutor struct {
	cfg    MacroConfig
	detect CompletionDetector
	log    logx.Logger
}

func NewMacro(cfg MacroConfig, detect CompletionDetector, log logx.Logger) *MacroExecutor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"autokey-run", "-s"}
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultMacroReadLimit
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	cfg.LogFile = os.ExpandEnv(strings.TrimSpace(cfg.LogFile))
	if detect == nil {
		detect = FixedDelay(DefaultMacroSettle)
	}
	return &MacroExecutor{cfg: cfg, detect: detect, log: log.With(logx.Comp("executor.macro"))}
}

func (m *MacroExecutor) Kind() task.Kind { return task.KindGuiMacro }

func (m *MacroExecutor) Validate(ref task.ScriptRef) error {
	if strings.TrimSpace(ref.Location) == "" {
		return fmt.Errorf("empty macro name: %w", task.ErrNotFound)
	}
	return nil
}

// Candidates lists the names tried in order: the reference as given, then
// without its extension.
func Candidates(ref string) []string {
	ref = strings.TrimSpace(ref)
	out := []string{ref}
	if stem := strings.TrimSuffix(ref, filepath.Ext(ref)); stem != "" && stem != ref {
		out = append(out, stem)
	}
	return out
}

func (m *MacroExecutor) Run(ctx context.Context, job Job) task.Execution {
	ex := task.Execution{StartTime: time.Now(), ExitCode: -1}
	offset := m.logOffset()

	out := newTailBuffer(m.cfg.OutputLimit)
	var lastErr error
	var used string
	for _, name := range Candidates(job.Script.Location) {
		argv := append(append([]string(nil), m.cfg.Command...), name)
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = job.Env
		cmd.WaitDelay = m.cfg.WaitDelay
		isolate(cmd)
		cmd.Stdout = out
		cmd.Stderr = out

		err := cmd.Run()
		if err == nil {
			used = name
			lastErr = nil
			break
		}
		lastErr = err
		m.log.Debug("macro candidate failed", logx.Task(job.TaskID), logx.String("name", name), logx.Err(err))
		if ctx.Err() != nil || errors.Is(err, exec.ErrNotFound) {
			break
		}
	}

	if lastErr != nil {
		ex.EndTime = time.Now()
		ex.Output = out.Output()
		if errors.Is(lastErr, exec.ErrNotFound) {
			ex.Outcome = task.OutcomeFailed
			ex.Err = task.Launch(lastErr)
			return ex
		}
		return classifyWait(ctx, ex, lastErr)
	}

	// Best effort: the daemon keeps writing after the trigger returns.
	if err := m.detect.Wait(ctx); err != nil {
		m.log.Debug("completion wait interrupted", logx.Task(job.TaskID), logx.Err(err))
	}
	if tail := m.readSince(offset); tail != "" {
		_, _ = io.WriteString(out, tail)
	}

	ex.EndTime = time.Now()
	ex.ExitCode = 0
	ex.Outcome = task.OutcomeSuccess
	ex.Output = out.Output()
	m.log.Debug("macro triggered", logx.Task(job.TaskID), logx.String("name", used))
	return ex
}

func (m *MacroExecutor) logOffset() int64 {
	if m.cfg.LogFile == "" {
		return 0
	}
	fi, err := os.Stat(m.cfg.LogFile)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// readSince returns at most ReadLimit bytes appended after offset. A rotated
// (shorter) log is read from the start.
func (m *MacroExecutor) readSince(offset int64) string {
	if m.cfg.LogFile == "" {
		return ""
	}
	f, err := os.Open(m.cfg.LogFile)
	if err != nil {
		return ""
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return ""
	}
	size := fi.Size()
	if size < offset {
		offset = 0
	}
	if size == offset {
		return ""
	}
	if size-offset > int64(m.cfg.ReadLimit) {
		offset = size - int64(m.cfg.ReadLimit)
	}
	b, err := io.ReadAll(io.NewSectionReader(f, offset, size-offset))
	if err != nil {
		m.log.Debug("macro log read failed", logx.String("path", m.cfg.LogFile), logx.Err(err))
		return ""
	}
	return string(b)
}
