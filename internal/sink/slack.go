package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Slack block limits.
const (
	slackHeaderMax  = 150
	slackSectionMax = 3000
	slackFieldMax   = 2000
)

type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	HTTPClient *http.Client
}

// Slack posts Block Kit payloads to an incoming webhook.
type Slack struct {
	cfg  SlackConfig
	http *http.Client
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errors.New("slack webhook url is empty")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Slack{cfg: cfg, http: hc}, nil
}

func (s *Slack) Name() string { return "slack" }

type slackPayload struct {
	Text     string       `json:"text"`
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []slackBlock `json:"blocks,omitempty"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []any       `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackButton struct {
	Type     string    `json:"type"`
	Text     slackText `json:"text"`
	URL      string    `json:"url"`
	ActionID string    `json:"action_id"`
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

// payload renders n as a Slack webhook body.
func (s *Slack) payload(n Notification) slackPayload {
	m := n.Message
	subject := orDefault(m.Subject, "(no subject)")

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: truncate("📧 "+subject, slackHeaderMax)}},
		{Type: "section", Fields: []slackText{
			mrkdwn(truncate("*From:*\n"+orDefault(m.Sender, "unknown"), slackFieldMax)),
			mrkdwn("*Date:*\n" + FormatTime(m.ReceivedAt, n.Location)),
		}},
	}
	if n.Query != "" {
		q := mrkdwn(truncate("*Query:* `"+n.Query+"`", slackSectionMax))
		blocks = append(blocks, slackBlock{Type: "section", Text: &q})
	}
	if preview := strings.TrimSpace(m.Preview()); preview != "" {
		// room for the label and the code fence
		body := truncate(preview, slackSectionMax-len("*Preview:*\n``````"))
		p := mrkdwn("*Preview:*\n```" + body + "```")
		blocks = append(blocks, slackBlock{Type: "section", Text: &p})
	}
	blocks = append(blocks,
		slackBlock{Type: "actions", Elements: []any{slackButton{
			Type:     "button",
			Text:     slackText{Type: "plain_text", Text: "Open in Gmail"},
			URL:      ThreadLink(m.ThreadID),
			ActionID: "open_gmail",
		}}},
		slackBlock{Type: "context", Elements: []any{mrkdwn("Message ID: `" + m.ID + "`")}},
	)

	return slackPayload{
		Text:     "📧 New Email: " + subject,
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
		Blocks:   blocks,
	}
}

func (s *Slack) Post(ctx context.Context, n Notification) error {
	return s.post(ctx, s.payload(n))
}

func (s *Slack) PostText(ctx context.Context, text string) error {
	return s.post(ctx, slackPayload{
		Text:     truncate(text, slackSectionMax),
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
	})
}

func (s *Slack) post(ctx context.Context, p slackPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("encode slack payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return &DeliveryError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	de := &DeliveryError{
		StatusCode: resp.StatusCode,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		Err:        fmt.Errorf("slack webhook: %s", strings.TrimSpace(string(msg))),
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		de.RetryAfter = time.Duration(secs) * time.Second
	}
	return de
}
