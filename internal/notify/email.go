// Package notify delivers alerts by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends plain-text alerts to a fixed recipient list.
type Email struct {
	cfg  SMTPConfig
	to   []string
	send sendFunc
	now  func() time.Time
}

func NewEmail(cfg SMTPConfig, to []string) *Email {
	return &Email{cfg: cfg, to: to, send: smtp.SendMail, now: time.Now}
}

func (e *Email) Name() string { return "email" }

// Enabled reports whether both a host and at least one recipient are set.
func (e *Email) Enabled() bool { return e.cfg.Host != "" && len(e.to) > 0 }

// Notify sends subject/body to every recipient in one message.
func (e *Email) Notify(ctx context.Context, subject, body string) error {
	if !e.Enabled() {
		return errors.New("email: not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	from := e.cfg.From
	if from == "" {
		from = e.cfg.User
	}
	var auth smtp.Auth
	if e.cfg.User != "" {
		auth = smtp.PlainAuth("", e.cfg.User, e.cfg.Pass, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	if err := e.send(addr, auth, from, e.to, e.message(from, subject, body)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func (e *Email) message(from, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
