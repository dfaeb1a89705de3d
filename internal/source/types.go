// Package source reads candidate messages from Gmail.
package source

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMessageNotFound means the message was deleted between search and fetch.
	ErrMessageNotFound = errors.New("message not found")
	// ErrAuthExpired means the API still rejected the credential after one
	// invalidate-and-refresh retry.
	ErrAuthExpired = errors.New("upstream authorization expired")
)

// RateLimitedError reports upstream throttling. RetryAfter is the server hint
// (or a default hold when none was sent).
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// MessageSummary is what a search yields per candidate.
type MessageSummary struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	Snippet    string    `json:"snippet"`
}

// MessageDetail is fetched right before delivery and never cached.
// Body is empty unless full-body retrieval is enabled.
type MessageDetail struct {
	MessageSummary
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Preview returns the body when present, else the snippet.
func (d MessageDetail) Preview() string {
	if strings.TrimSpace(d.Body) != "" {
		return d.Body
	}
	return d.Snippet
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form.
func parseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}
	return 0, false
}
