package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int // 465 means implicit TLS; anything else uses STARTTLS
	User     string
	Password string
	From     string
	To       []string
}

func (c EmailConfig) Configured() bool {
	return c.Enabled && c.Host != "" && c.User != "" && c.Password != "" && len(c.To) > 0
}

func (c EmailConfig) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.User
}

// Email sends each message as one HTML mail over SMTP.
type Email struct {
	cfg  EmailConfig
	now  func() time.Time
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if !cfg.Configured() {
		return nil, errors.New("email config incomplete (host, user, password, to)")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &Email{cfg: cfg, now: time.Now, dial: d.DialContext}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, m Message) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	conn, err := e.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	tlsCfg := &tls.Config{ServerName: e.cfg.Host}
	if e.cfg.Port == 465 {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if e.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not offer STARTTLS")
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if err := c.Auth(smtp.PlainAuth("", e.cfg.User, e.cfg.Password, e.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(e.cfg.sender()); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, to := range e.cfg.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMessage(e.cfg, m, e.now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	return c.Quit()
}

func buildMessage(cfg EmailConfig, m Message, now time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", cfg.sender())
	header("To", strings.Join(cfg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", "[autoflow] "+m.Title))
	header("Date", now.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	color := "red"
	if m.Success {
		color = "green"
	}
	fmt.Fprintf(&b, "<h3 style=\"color: %s\">%s</h3>\r\n", color, escapeTitle(m.Title))
	// Body is already HTML; line breaks become <br> outside <pre>.
	body := m.Body
	pre := strings.Index(body, "<pre>")
	if pre < 0 {
		pre = len(body)
	}
	b.WriteString(strings.ReplaceAll(body[:pre], "\n", "<br>\r\n"))
	b.WriteString(body[pre:])
	b.WriteString("\r\n")
	return b.Bytes()
}
