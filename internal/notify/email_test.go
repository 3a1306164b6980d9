package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

type capture struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
	err  error
}

func (c *capture) send(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	c.addr, c.auth, c.from, c.to, c.msg = addr, a, from, to, string(msg)
	return c.err
}

func newTestEmail(cfg SMTPConfig, to []string, c *capture) *Email {
	e := NewEmail(cfg, to)
	e.send = c.send
	e.now = func() time.Time { return time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC) }
	return e
}

func TestEmailNotify(t *testing.T) {
	c := &capture{}
	e := newTestEmail(SMTPConfig{Host: "smtp.example.com", Port: 587, User: "bot@example.com", Pass: "pw"},
		[]string{"a@example.com", "b@example.com"}, c)

	err := e.Notify(context.Background(), "[BTC Risk] Band flip: YELLOW → RED", "Risk 0.62\nRegime liquidity_off")
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if c.addr != "smtp.example.com:587" {
		t.Errorf("addr = %q", c.addr)
	}
	if c.auth == nil {
		t.Error("expected PLAIN auth when a user is set")
	}
	if c.from != "bot@example.com" {
		t.Errorf("from = %q, want the SMTP user", c.from)
	}
	if len(c.to) != 2 {
		t.Errorf("to = %v", c.to)
	}
	if !strings.Contains(c.msg, "Subject: =?UTF-8?b?") {
		t.Errorf("subject not encoded: %q", c.msg)
	}
	if !strings.Contains(c.msg, "Risk 0.62\r\nRegime") {
		t.Errorf("body line endings not normalized: %q", c.msg)
	}
}

func TestEmailNotConfigured(t *testing.T) {
	c := &capture{}
	e := newTestEmail(SMTPConfig{Host: "smtp.example.com"}, nil, c)
	if e.Enabled() {
		t.Fatal("Enabled() = true without recipients")
	}
	if err := e.Notify(context.Background(), "s", "b"); err == nil {
		t.Error("expected error when not configured")
	}
}

func TestEmailSendError(t *testing.T) {
	c := &capture{err: errors.New("535 auth failed")}
	e := newTestEmail(SMTPConfig{Host: "h", Port: 25, From: "x@example.com"}, []string{"a@example.com"}, c)
	err := e.Notify(context.Background(), "ascii subject", "b")
	if err == nil || !strings.Contains(err.Error(), "535") {
		t.Fatalf("err = %v", err)
	}
	if c.auth != nil {
		t.Error("no auth expected without a user")
	}
	if !strings.Contains(c.msg, "Subject: ascii subject\r\n") {
		t.Errorf("ascii subject should not be encoded: %q", c.msg)
	}
}
