package source

import (
	"encoding/base64"
	"html"
	"net/mail"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// plainText walks the MIME tree and returns the first text/plain body,
// preferring text/plain siblings inside multipart/alternative.
func plainText(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if strings.EqualFold(sub.MimeType, "text/plain") {
			if body := plainText(sub); body != "" {
				return body
			}
		}
	}
	for _, sub := range part.Parts {
		if body := plainText(sub); body != "" {
			return body
		}
	}
	return ""
}

func htmlText(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, "text/html") && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if body := htmlText(sub); body != "" {
			return body
		}
	}
	return ""
}

var blockTags = []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</tr>", "</li>", "</h1>", "</h2>", "</h3>", "</h4>"}

// stripHTML turns an HTML body into readable text.
func stripHTML(s string) string {
	for _, tag := range blockTags {
		s = strings.ReplaceAll(s, tag, "\n")
		s = strings.ReplaceAll(s, strings.ToUpper(tag), "\n")
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := html.UnescapeString(b.String())
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// Gmail sends base64url, usually without padding.
func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// messageBody prefers text/plain, then stripped HTML.
func messageBody(payload *gmailv1.MessagePart) string {
	if body := strings.TrimSpace(plainText(payload)); body != "" {
		return body
	}
	return stripHTML(htmlText(payload))
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// parseDateHeader parses an RFC 5322 Date header, tolerating the variants
// seen in the wild.
func parseDateHeader(h string) time.Time {
	h = strings.TrimSpace(h)
	if h == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(h); err == nil {
		return t
	}
	// drop a trailing "(UTC)" style comment
	if i := strings.Index(h, " ("); i > 0 {
		h = h[:i]
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, h); err == nil {
			return t
		}
	}
	return time.Time{}
}

func headerMap(payload *gmailv1.MessagePart) map[string]string {
	if payload == nil {
		return map[string]string{}
	}
	m := make(map[string]string, len(payload.Headers))
	for _, h := range payload.Headers {
		if _, dup := m[h.Name]; !dup {
			m[h.Name] = h.Value
		}
	}
	return m
}

func header(m map[string]string, name string) string {
	if v, ok := m[name]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// summaryOf maps a Gmail message to a MessageSummary. internalDate is the
// arrival time; the Date header is only a fallback.
func summaryOf(m *gmailv1.Message, headers map[string]string) MessageSummary {
	s := MessageSummary{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Subject:  strings.TrimSpace(header(headers, "Subject")),
		Sender:   strings.TrimSpace(header(headers, "From")),
		Snippet:  html.UnescapeString(m.Snippet),
	}
	if s.Subject == "" {
		s.Subject = "(no subject)"
	}
	if m.InternalDate > 0 {
		s.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	} else {
		s.ReceivedAt = parseDateHeader(header(headers, "Date")).UTC()
	}
	return s
}
