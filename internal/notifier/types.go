package notifier

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the async notification pipeline and its channels.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// DedupWindow suppresses identical messages to the same channel. 0 disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int

	Telegram TelegramConfig
	Email    EmailConfig
}

// WithEnv fills empty channel settings from the process environment.
func (c Config) WithEnv(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}

	set(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	if c.Telegram.ChatID == 0 {
		if id, err := strconv.ParseInt(strings.TrimSpace(getenv("TELEGRAM_CHAT_ID")), 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}

	set(&c.Email.Host, "SMTP_HOST")
	set(&c.Email.User, "SMTP_USER")
	set(&c.Email.Password, "SMTP_PASSWORD")
	set(&c.Email.From, "EMAIL_FROM")
	if c.Email.Port == 0 {
		if p, err := strconv.Atoi(strings.TrimSpace(getenv("SMTP_PORT"))); err == nil {
			c.Email.Port = p
		}
	}
	if len(c.Email.To) == 0 {
		for _, to := range strings.Split(getenv("EMAIL_TO"), ",") {
			if to = strings.TrimSpace(to); to != "" {
				c.Email.To = append(c.Email.To, to)
			}
		}
	}
	return c
}

// Message is one rendered notification.
type Message struct {
	Title   string
	Body    string // Telegram-flavoured HTML
	Success bool
}

// Channel is a single delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Title   string    `json:"title"`
	Error   string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Title   string    `json:"title"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
