// Package result turns an execution into the notifier-facing summary.
package result

import (
	"fmt"
	"html"
	"strings"
	"time"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"
)

const (
	MaxLog          = 2000
	TruncatedMarker = "...(log truncated)\n"
)

type Result struct {
	ExecutionID string       `json:"execution_id"`
	TaskID      string       `json:"task_id"`
	TaskName    string       `json:"task_name"`
	Script      string       `json:"script"`
	Kind        task.Kind    `json:"kind"`
	Source      task.Source  `json:"source"`
	Outcome     task.Outcome `json:"outcome"`
	DurationMs  int64        `json:"duration_ms"`
	ExitCode    int          `json:"exit_code"`
	StartedAt   time.Time    `json:"started_at"`

	TruncatedLog string `json:"log"`
	// FailureStepIndex is set only when a multi-step executor failed at a step.
	FailureStepIndex *int   `json:"failure_step_index,omitempty"`
	FailureCommand   string `json:"failure_command,omitempty"`
	Error            string `json:"error,omitempty"`
}

func FromExecution(t task.Task, e task.Execution) Result {
	r := Result{
		ExecutionID:  e.ID,
		TaskID:       t.ID,
		TaskName:     t.DisplayName(),
		Script:       t.Script.Location,
		Kind:         t.Script.Kind,
		Source:       e.Source,
		Outcome:      e.Outcome,
		DurationMs:   e.Duration().Milliseconds(),
		ExitCode:     e.ExitCode,
		StartedAt:    e.StartTime,
		TruncatedLog: Truncate(e.Output, MaxLog),
	}
	if e.StepIndex > 0 {
		idx := e.StepIndex
		r.FailureStepIndex = &idx
		r.FailureCommand = e.StepCommand
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	return r
}

// Truncate keeps the last runes of s so that marker plus tail fit in max runes.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	marker := []rune(TruncatedMarker)
	keep := max - len(marker)
	if keep <= 0 {
		return string(marker[:max])
	}
	return TruncatedMarker + string(r[len(r)-keep:])
}

func (r Result) Success() bool { return r.Outcome == task.OutcomeSuccess }

func (r Result) statusText() string {
	switch r.Outcome {
	case task.OutcomeSuccess:
		return "Success"
	case task.OutcomeTimeout:
		return "Timed out"
	case task.OutcomeError:
		return "Error"
	}
	return "Failed"
}

func (r Result) Title() string {
	emoji := "❌"
	if r.Success() {
		emoji = "✅"
	}
	return fmt.Sprintf("%s %s: %s", emoji, r.statusText(), r.TaskName)
}

// Body renders the message in Telegram HTML mode. Every dynamic field is escaped.
func (r Result) Body() string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "<b>%s:</b> %s\n", label, html.EscapeString(value))
	}
	line("Task", r.TaskName)
	line("Script", r.Script)
	line("Status", r.statusText())
	if r.Source != "" {
		line("Source", string(r.Source))
	}
	if !r.StartedAt.IsZero() {
		line("Time", r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	line("Duration", (time.Duration(r.DurationMs) * time.Millisecond).String())
	if r.FailureStepIndex != nil {
		line("Failed step", fmt.Sprintf("#%d %s", *r.FailureStepIndex, r.FailureCommand))
	}
	if !r.Success() && r.ExitCode > 0 {
		line("Exit code", fmt.Sprint(r.ExitCode))
	}
	if r.Error != "" && !r.Success() {
		line("Error", r.Error)
	}
	if r.TruncatedLog != "" {
		b.WriteString("<b>Details:</b>\n<pre>")
		b.WriteString(html.EscapeString(r.TruncatedLog))
		b.WriteString("</pre>")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier is any channel that can carry a finished result.
type Notifier interface {
	Notify(title string, success bool, body string) error
}

// Deliver hands r to n. Notifier failures and panics are logged, never returned.
func Deliver(n Notifier, r Result, log logx.Logger) {
	if n == nil {
		return
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error("notifier panicked", logx.Task(r.TaskID), logx.Any("panic", p))
		}
	}()
	if err := n.Notify(r.Title(), r.Success(), r.Body()); err != nil {
		log.Warn("notification not delivered", logx.Task(r.TaskID), logx.Err(err))
	}
}
