package task

import (
	"path/filepath"
	"strings"
	"time"
)

// Kind is the closed set of executor variants. It is resolved once when a task
// is loaded and carried on the ScriptRef from then on.
type Kind string

const (
	KindInterpretedScript Kind = "script"
	KindBrowserScript     Kind = "browser"
	KindGuiMacro          Kind = "macro"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInterpretedScript, KindBrowserScript, KindGuiMacro:
		return true
	}
	return false
}

// ScriptRef locates the automation unit a task runs.
type ScriptRef struct {
	Kind     Kind   `json:"kind"`
	Location string `json:"location"`
}

var interpretedExts = map[string]bool{
	".py":   true,
	".sh":   true,
	".bash": true,
	".js":   true,
	".rb":   true,
	".pl":   true,
}

// ResolveScriptRef builds a ScriptRef from a stored location and an optional
// explicit kind. An explicit, valid kind always wins.
func ResolveScriptRef(location, kind string) ScriptRef {
	location = strings.TrimSpace(location)
	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	if k.Valid() {
		return ScriptRef{Kind: k, Location: location}
	}
	ext := strings.ToLower(filepath.Ext(location))
	switch {
	case ext == ".side":
		k = KindBrowserScript
	case interpretedExts[ext]:
		k = KindInterpretedScript
	default:
		k = KindGuiMacro
	}
	return ScriptRef{Kind: k, Location: location}
}

// Schedule is either a cron expression or a daily random window, never both.
type Schedule struct {
	Cron        string `json:"cron,omitempty"`
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
}

func (s Schedule) IsWindow() bool {
	return strings.TrimSpace(s.Cron) == "" && (s.WindowStart != "" || s.WindowEnd != "")
}

func (s Schedule) String() string {
	if s.IsWindow() {
		return "window " + s.WindowStart + "-" + s.WindowEnd
	}
	return "cron " + s.Cron
}

// Task is a snapshot of a stored task record.
type Task struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Script   ScriptRef     `json:"script"`
	Enabled  bool          `json:"enabled"`
	Schedule Schedule      `json:"schedule"`
	Timezone string        `json:"timezone,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus Outcome   `json:"last_status,omitempty"`
}

// DisplayName falls back to the ID when Name is empty.
func (t Task) DisplayName() string {
	if strings.TrimSpace(t.Name) != "" {
		return t.Name
	}
	return t.ID
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

type Source string

const (
	SourceScheduled Source = "scheduled"
	SourceManual    Source = "manual"
)

// Execution is the transient record of one run.
type Execution struct {
	ID        string
	TaskID    string
	Source    Source
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int
	Output    string
	Outcome   Outcome

	// StepIndex is 1-based for multi-step executors; 0 means no failing step.
	StepIndex   int
	StepCommand string

	Err error
}

func (e Execution) Duration() time.Duration {
	if e.EndTime.Before(e.StartTime) {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}
