package config

// Config is the on-disk configuration (JSON, or YAML with the same keys).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Engine      EngineConfig      `json:"engine"`
	Executor    ExecutorConfig    `json:"executor"`
	Environment EnvironmentConfig `json:"environment"`

	// Notifier may be omitted; it then defaults to enabled with no channels
	// unless the environment supplies credentials.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`
	HTTP     HTTPConfig      `json:"http"`

	// Tasks are seeded into the store on start and on every reload.
	// Tasks that exist only in the store are left alone.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeMB int    `json:"max_size_mb,omitempty"`
}

// SchedulerConfig controls trigger dispatch.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Local"
//   - misfire_grace: "1h"
//   - max_concurrent: engine.workers
//   - retry_interval: "1s"
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	MisfireGrace  string `json:"misfire_grace,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
}

// EngineConfig controls the worker pool.
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
// explicit false.
type EngineConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	Workers     int   `json:"workers,omitempty"`
	QueueSize   int   `json:"queue_size,omitempty"`
	HistorySize int   `json:"history_size,omitempty"`
}

func (e EngineConfig) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

type ExecutorConfig struct {
	// DefaultTimeout applies to tasks without their own timeout. Default "300s".
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// OutputLimit caps captured bytes per run. Default 65536.
	OutputLimit int `json:"output_limit,omitempty"`
	// Interpreters maps a file extension to an argv prefix and is merged over
	// the built-in table. An empty argv removes the entry.
	Interpreters map[string][]string `json:"interpreters,omitempty"`

	Browser BrowserConfig `json:"browser"`
	Macro   MacroConfig   `json:"macro"`
}

type BrowserConfig struct {
	ChromePath  string `json:"chrome_path,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Headless    bool   `json:"headless,omitempty"`
	WaitTimeout string `json:"wait_timeout,omitempty"`
	FindTimeout string `json:"find_timeout,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	// Pacing between commands and typed characters.
	CommandDelayMin string `json:"command_delay_min,omitempty"`
	CommandDelayMax string `json:"command_delay_max,omitempty"`
	KeyDelayMin     string `json:"key_delay_min,omitempty"`
	KeyDelayMax     string `json:"key_delay_max,omitempty"`
	Settle          string `json:"settle,omitempty"`
}

type MacroConfig struct {
	Command         []string `json:"command,omitempty"`
	LogFile         string   `json:"log_file,omitempty"`
	CompletionDelay string   `json:"completion_delay,omitempty"`
	ReadLimit       int      `json:"read_limit,omitempty"`
}

type EnvironmentConfig struct {
	Display     string `json:"display,omitempty"`
	XAuthority  string `json:"xauthority,omitempty"`
	SessionFile string `json:"session_file,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Email    EmailConfig    `json:"email"`
}

// TelegramConfig: token and chat_id fall back to TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// EmailConfig: empty fields fall back to the SMTP_* and EMAIL_* variables.
type EmailConfig struct {
	Enabled  bool     `json:"enabled"`
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	User     string   `json:"user,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from,omitempty"`
	To       []string `json:"to,omitempty"`
}

// StorageConfig controls task persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autoflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	RunHistory  int    `json:"run_history,omitempty"`
}

// HTTPConfig controls the control API.
//
// Security note: prefer binding to localhost. When Token is set every /api
// request must carry "Authorization: Bearer <token>".
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`
	// Pprof mounts runtime profiles under /debug/pprof, behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}

// TaskConfig declares one task. Exactly one of cron or the window pair is set.
type TaskConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Script      string `json:"script"`
	Kind        string `json:"kind,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Cron        string `json:"cron,omitempty"`
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }
