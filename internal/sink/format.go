package sink

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	dateLayout     = "2006-01-02 15:04:05 MST"
	gmailThreadURL = "https://mail.google.com/mail/u/0/#inbox/"
)

// ThreadLink returns the Gmail web link for a thread.
func ThreadLink(threadID string) string {
	if threadID == "" {
		return "https://mail.google.com/mail/u/0/#inbox"
	}
	return gmailThreadURL + threadID
}

// FormatTime renders t in loc; the zero time renders as "unknown".
func FormatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "unknown"
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}

// truncate shortens s to at most n runes, ending with an ellipsis when cut.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
