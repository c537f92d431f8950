package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (local bot server, tests).
	APIURL string
}

func (c TelegramConfig) Configured() bool {
	return strings.TrimSpace(c.Token) != "" && c.ChatID != 0
}

// Telegram posts messages to one chat in HTML parse mode.
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if !cfg.Configured() {
		return nil, errors.New("telegram token or chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
		// We only send; no getMe round-trip and no poller.
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, bot: b}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send ignores ctx beyond an early check; telebot has no per-call context and
// the HTTP client carries its own timeout.
func (t *Telegram) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := "<b>" + escapeTitle(m.Title) + "</b>"
	if m.Body != "" {
		text += "\n\n" + m.Body
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	}
	if plain, over := fitTelegram(text); over {
		text, opts.ParseMode = plain, tele.ModeDefault
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, opts)
	return err
}

// telegramMaxText is the Bot API text limit in UTF-16 units, counted after
// entity parsing.
const telegramMaxText = 4096

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// fitTelegram reports whether the rendered text of msg exceeds the limit and,
// if so, returns it as cut plain text. Both tags and entities only ever come
// from our own formatting, so stripping them is lossless.
func fitTelegram(msg string) (string, bool) {
	plain := html.UnescapeString(htmlTag.ReplaceAllString(msg, ""))
	units := utf16.Encode([]rune(plain))
	if len(units) <= telegramMaxText {
		return msg, false
	}
	cut := units[:telegramMaxText-1]
	// Never end on the high half of a surrogate pair.
	if r := rune(cut[len(cut)-1]); r >= 0xd800 && r < 0xdc00 {
		cut = cut[:len(cut)-1]
	}
	return string(utf16.Decode(cut)) + "…", true
}

var titleEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeTitle(s string) string { return titleEscaper.Replace(s) }
