package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

const telegramAPI = "https://api.telegram.org/bot"

// LatestReader returns the current snapshot.
type LatestReader interface {
	LoadLatest() (*risk.Document, error)
}

type Bot struct {
	token   string
	baseURL string
	chatIDs []int64
	latest  LatestReader
	logger  *slog.Logger
	client  *http.Client
	offset  int64
}

func NewBot(token string, chatIDs []int64, latest LatestReader, logger *slog.Logger) *Bot {
	return &Bot{
		token:   token,
		baseURL: telegramAPI,
		chatIDs: chatIDs,
		latest:  latest,
		logger:  logger,
		client:  &http.Client{Timeout: 40 * time.Second},
	}
}

func (b *Bot) Name() string { return "telegram" }

// SendMessage sends a text message to a Telegram chat.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+b.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", cause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("telegram API error %d: %s", resp.StatusCode, errResp.Description)
	}
	return nil
}

// Notify delivers an alert to every configured chat.
func (b *Bot) Notify(ctx context.Context, subject, body string) error {
	if len(b.chatIDs) == 0 {
		return nil
	}
	text := fmt.Sprintf("<b>%s</b>\n\n%s", html.EscapeString(subject), html.EscapeString(body))
	var errs []error
	for _, id := range b.chatIDs {
		if err := b.SendMessage(ctx, id, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the long-polling loop for incoming Telegram messages.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
			b.poll(ctx)
		}
	}
}

func (b *Bot) poll(ctx context.Context) {
	url := fmt.Sprintf("%s%s/getUpdates?offset=%d&timeout=30", b.baseURL, b.token, b.offset)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		b.logger.Error("create poll request", "error", err)
		return
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The token is part of the URL; log only the cause.
		b.logger.Error("poll updates", "error", cause(err))
		sleep(ctx, 5*time.Second)
		return
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool `json:"ok"`
		Result []struct {
			UpdateID int64 `json:"update_id"`
			Message  *struct {
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		b.logger.Error("decode updates", "error", err)
		sleep(ctx, 5*time.Second)
		return
	}

	for _, u := range result.Result {
		b.offset = u.UpdateID + 1
		if u.Message == nil {
			continue
		}
		b.handle(ctx, u.Message.Chat.ID, strings.TrimSpace(u.Message.Text))
	}
}

func (b *Bot) handle(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	// Commands may be addressed as /status@botname in groups.
	cmd, _, _ := strings.Cut(fields[0], "@")
	var msg string
	switch cmd {
	case "/start":
		msg = fmt.Sprintf("👋 BTC Risk Monitor\n\nThis chat's id is <code>%d</code>. "+
			"Add it to TELEGRAM_CHAT_IDS to receive band-flip alerts.\n\nSend /help for commands.", chatID)
	case "/help":
		msg = "🤖 <b>BTC Risk Monitor</b>\n\n" +
			"Commands:\n" +
			"/status — Latest risk, band and regime\n" +
			"/drivers — Per-driver scores and data health\n" +
			"/help — Show this message"
	case "/status":
		msg = b.statusMessage(false)
	case "/drivers":
		msg = b.statusMessage(true)
	default:
		msg = "Unknown command. Send /help for available commands."
	}
	if err := b.SendMessage(ctx, chatID, msg); err != nil {
		b.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) statusMessage(withDrivers bool) string {
	doc, err := b.latest.LoadLatest()
	if err != nil {
		return "No risk snapshot is available yet."
	}
	return FormatStatus(doc, withDrivers)
}

var bandIcon = map[risk.Band]string{
	risk.BandGreen:  "🟢",
	risk.BandYellow: "🟡",
	risk.BandRed:    "🔴",
}

// FormatStatus renders a snapshot as an HTML Telegram message.
func FormatStatus(doc *risk.Document, withDrivers bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>BTC risk %.2f</b> (%s)\n", bandIcon[doc.Band], doc.Risk, strings.ToUpper(string(doc.Band)))
	fmt.Fprintf(&sb, "Regime: %s\n", doc.Regime)
	if doc.BTCPriceUSD != nil {
		fmt.Fprintf(&sb, "BTC: $%.2f\n", *doc.BTCPriceUSD)
	}
	fmt.Fprintf(&sb, "As of: %s (%s)\n", doc.AsOf, doc.AsOfUTC)
	if doc.Fallback {
		sb.WriteString("⚠️ Fallback snapshot: upstream data was unavailable.\n")
	}
	if !withDrivers {
		return sb.String()
	}
	sb.WriteString("\n")
	for _, key := range risk.DriverKeys {
		r, ok := doc.Drivers[key]
		if !ok {
			continue
		}
		status := "?"
		if r.Health != nil {
			status = string(r.Health.Status)
		}
		fmt.Fprintf(&sb, "• %s: %.2f (%+.3f) [%s]\n", key, r.Score, r.Contribution, status)
	}
	return sb.String()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cause strips the *url.Error wrapper, whose text includes the bot token.
func cause(err error) error {
	if u := errors.Unwrap(err); u != nil {
		return u
	}
	return err
}
