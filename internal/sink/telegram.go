package sink

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram message text limit is 4096; keep room for the header lines.
const telegramPreviewMax = 3000

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API base URL.
	APIURL     string
	HTTPClient *http.Client
}

// Telegram sends HTML messages to one chat (optionally a forum topic).
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	// offline: no getMe round trip, the bot only sends
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  hc,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Post(ctx context.Context, n Notification) error {
	return t.send(ctx, renderTelegram(n))
}

func (t *Telegram) PostText(ctx context.Context, text string) error {
	return t.send(ctx, html.EscapeString(text))
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Retryable: true, Err: err}
	}
	if _, err := t.bot.Send(t.chat, text, t.opts); err != nil {
		return classifyTelegram(err)
	}
	return nil
}

func renderTelegram(n Notification) string {
	m := n.Message
	esc := html.EscapeString
	var b strings.Builder
	fmt.Fprintf(&b, "📧 <b>%s</b>\n", esc(orDefault(m.Subject, "(no subject)")))
	fmt.Fprintf(&b, "<b>From:</b> %s\n", esc(orDefault(m.Sender, "unknown")))
	fmt.Fprintf(&b, "<b>Date:</b> %s\n", esc(FormatTime(m.ReceivedAt, n.Location)))
	if n.Query != "" {
		fmt.Fprintf(&b, "<b>Query:</b> <code>%s</code>\n", esc(n.Query))
	}
	if preview := strings.TrimSpace(m.Preview()); preview != "" {
		fmt.Fprintf(&b, "\n<pre>%s</pre>\n", esc(truncate(preview, telegramPreviewMax)))
	}
	fmt.Fprintf(&b, "\n<a href=\"%s\">Open in Gmail</a>", esc(ThreadLink(m.ThreadID)))
	return b.String()
}

// unknown API errors come back as "telegram: <description> (<code>)"
var telegramCode = regexp.MustCompile(`\((\d{3})\)$`)

func classifyTelegram(err error) *DeliveryError {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &DeliveryError{
			Retryable:  true,
			StatusCode: http.StatusTooManyRequests,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return &DeliveryError{Retryable: apiErr.Code >= 500, StatusCode: apiErr.Code, Err: err}
	}
	if m := telegramCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &DeliveryError{Retryable: code == http.StatusTooManyRequests || code >= 500, StatusCode: code, Err: err}
	}
	return &DeliveryError{Retryable: true, Err: err}
}
