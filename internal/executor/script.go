package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

// DefaultInterpreters maps lower-case file extensions to interpreter argv.
func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		".py":   {"python3", "-u"},
		".sh":   {"bash"},
		".bash": {"bash"},
		".js":   {"node"},
		".rb":   {"ruby"},
		".pl":   {"perl"},
	}
}

type ScriptConfig struct {
	Interpreters map[string][]string
	OutputLimit  int
	// WaitDelay bounds how long Wait lingers on inherited pipes after a kill.
	WaitDelay time.Duration
}

// ScriptExecutor runs interpreted scripts as isolated child processes.
type ScriptExecutor struct {
	interp    map[string][]string
	limit     int
	waitDelay time.Duration
	log       logx.Logger
}

func NewScript(cfg ScriptConfig, log logx.Logger) *ScriptExecutor {
	if log.IsZero() {
		log = logx.Nop()
	}
	interp := DefaultInterpreters()
	for ext, argv := range cfg.Interpreters {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if len(argv) == 0 {
			delete(interp, ext)
			continue
		}
		interp[ext] = append([]string(nil), argv...)
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 2 * time.Second
	}
	return &ScriptExecutor{interp: interp, limit: cfg.OutputLimit, waitDelay: cfg.WaitDelay, log: log.With(logx.Comp("executor.script"))}
}

func (s *ScriptExecutor) Kind() task.Kind { return task.KindInterpretedScript }

func (s *ScriptExecutor) Validate(ref task.ScriptRef) error {
	return validateFile(ref.Location)
}

// Command returns the argv used to run path.
func (s *ScriptExecutor) Command(path string) []string {
	argv, ok := s.interp[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return []string{path}
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv...)
	return append(out, path)
}

func (s *ScriptExecutor) Run(ctx context.Context, job Job) task.Execution {
	path, err := filepath.Abs(job.Script.Location)
	if err != nil {
		path = job.Script.Location
	}
	argv := s.Command(path)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = job.Env
	cmd.WaitDelay = s.waitDelay
	isolate(cmd)

	out := newTailBuffer(s.limit)
	cmd.Stdout = out
	cmd.Stderr = out

	ex := task.Execution{StartTime: time.Now(), ExitCode: -1}
	if err := cmd.Start(); err != nil {
		ex.EndTime = time.Now()
		ex.Outcome = task.OutcomeFailed
		ex.Err = task.Launch(err)
		ex.Output = ex.Err.Error()
		return ex
	}
	s.log.Debug("process started", logx.Task(job.TaskID), logx.Strings("argv", argv), logx.Int("pid", cmd.Process.Pid))

	err = cmd.Wait()
	ex.EndTime = time.Now()
	ex.Output = out.Output()
	return classifyWait(ctx, ex, err)
}

// classifyWait maps a finished process to an outcome. Context expiry is left
// as Error; the dispatcher turns its own deadline into Timeout.
func classifyWait(ctx context.Context, ex task.Execution, err error) task.Execution {
	if ctx.Err() != nil {
		ex.Outcome = task.OutcomeError
		ex.Err = ctx.Err()
		return ex
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		ex.ExitCode = 0
		ex.Outcome = task.OutcomeSuccess
	case errors.As(err, &exitErr):
		ex.ExitCode = exitErr.ExitCode()
		ex.Outcome = task.OutcomeFailed
		ex.Err = fmt.Errorf("%w: %s", task.ErrExecution, exitErr)
	default:
		ex.Outcome = task.OutcomeError
		ex.Err = err
	}
	return ex
}

func validateFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty script path: %w", task.ErrNotFound)
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("script %s: %w", path, task.ErrNotFound)
		}
		return fmt.Errorf("script %s: %w", path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("script %s is a directory: %w", path, task.ErrNotFound)
	}
	return nil
}
