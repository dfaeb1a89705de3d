package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailrelay/internal/credential"
	logx "mailrelay/pkg/logx"
)

// TokenProvider is the part of credential.Store the client needs.
type TokenProvider interface {
	Get(ctx context.Context) (credential.Credential, error)
	Invalidate()
}

type Options struct {
	User       string // default "me"
	MaxResults int    // per search; default 10
	FullBody   bool

	RatePerSec    float64       // local API call budget; default 5
	RateLimitHold time.Duration // used when a 429 carries no Retry-After; default 30s

	Endpoint   string // API base URL override
	HTTPClient *http.Client
	Now        func() time.Time
	Log        logx.Logger
}

// metadataHeaders are requested for summaries and metadata-only details.
var metadataHeaders = []string{"From", "To", "Subject", "Date", "Message-ID"}

// Client is a Gmail-backed message source.
type Client struct {
	svc     *gmailv1.Service
	creds   TokenProvider
	user    string
	limiter *rate.Limiter
	hold    time.Duration
	now     func() time.Time
	log     logx.Logger

	maxResults atomic.Int64
	fullBody   atomic.Bool

	mu        sync.Mutex
	holdUntil time.Time
}

func New(ctx context.Context, creds TokenProvider, opts Options) (*Client, error) {
	if creds == nil {
		return nil, errors.New("source: nil token provider")
	}
	base := http.DefaultTransport
	timeout := 30 * time.Second
	if opts.HTTPClient != nil {
		if opts.HTTPClient.Transport != nil {
			base = opts.HTTPClient.Transport
		}
		if opts.HTTPClient.Timeout > 0 {
			timeout = opts.HTTPClient.Timeout
		}
	}
	hc := &http.Client{
		Transport: &authTransport{base: base, creds: creds},
		Timeout:   timeout,
	}

	svcOpts := []option.ClientOption{option.WithHTTPClient(hc)}
	if ep := strings.TrimSpace(opts.Endpoint); ep != "" {
		if !strings.HasSuffix(ep, "/") {
			ep += "/"
		}
		svcOpts = append(svcOpts, option.WithEndpoint(ep))
	}
	svc, err := gmailv1.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	c := &Client{
		svc:   svc,
		creds: creds,
		user:  opts.User,
		hold:  opts.RateLimitHold,
		now:   opts.Now,
		log:   opts.Log,
	}
	if c.user == "" {
		c.user = "me"
	}
	if c.hold <= 0 {
		c.hold = 30 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	c.SetMaxResults(opts.MaxResults)
	c.fullBody.Store(opts.FullBody)
	return c, nil
}

// SetMaxResults changes the per-search cap (hot reload). n<=0 means 10.
func (c *Client) SetMaxResults(n int) {
	if n <= 0 {
		n = 10
	}
	c.maxResults.Store(int64(n))
}

// SetFullBody toggles body retrieval for later FetchDetail calls.
func (c *Client) SetFullBody(v bool) { c.fullBody.Store(v) }

// Search lazily yields summaries for messages matching query, newest first as
// returned by Gmail. Listing pages and per-message metadata are fetched as
// the sequence is consumed; ranging again re-runs the query. Messages that
// vanish between list and fetch are skipped. The first error is yielded and
// ends the sequence.
func (c *Client) Search(ctx context.Context, query string) iter.Seq2[MessageSummary, error] {
	return func(yield func(MessageSummary, error) bool) {
		limit := c.maxResults.Load()
		var seen int64
		pageToken := ""
		for {
			var resp *gmailv1.ListMessagesResponse
			err := c.call(ctx, "list messages", func(ctx context.Context) error {
				call := c.svc.Users.Messages.List(c.user).
					Q(query).
					MaxResults(min(limit-seen, 500)).
					Context(ctx)
				if pageToken != "" {
					call = call.PageToken(pageToken)
				}
				r, err := call.Do()
				resp = r
				return err
			})
			if err != nil {
				yield(MessageSummary{}, err)
				return
			}

			for _, m := range resp.Messages {
				if seen >= limit {
					return
				}
				seen++
				sum, err := c.summary(ctx, m.Id)
				if errors.Is(err, ErrMessageNotFound) {
					c.log.Debug("message vanished before metadata fetch", logx.String("id", m.Id))
					continue
				}
				if !yield(sum, err) || err != nil {
					return
				}
			}
			if resp.NextPageToken == "" || seen >= limit {
				return
			}
			pageToken = resp.NextPageToken
		}
	}
}

func (c *Client) summary(ctx context.Context, id string) (MessageSummary, error) {
	var msg *gmailv1.Message
	err := c.call(ctx, "get message metadata", func(ctx context.Context) error {
		m, err := c.svc.Users.Messages.Get(c.user, id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		msg = m
		return err
	})
	if err != nil {
		return MessageSummary{}, err
	}
	return summaryOf(msg, headerMap(msg.Payload)), nil
}

// FetchDetail fetches one message. With full body enabled the text/plain part
// is preferred, then stripped HTML, then the snippet.
func (c *Client) FetchDetail(ctx context.Context, id string) (MessageDetail, error) {
	full := c.fullBody.Load()
	var msg *gmailv1.Message
	err := c.call(ctx, "get message", func(ctx context.Context) error {
		call := c.svc.Users.Messages.Get(c.user, id).Context(ctx)
		if full {
			call = call.Format("full")
		} else {
			call = call.Format("metadata").MetadataHeaders(metadataHeaders...)
		}
		m, err := call.Do()
		msg = m
		return err
	})
	if err != nil {
		return MessageDetail{}, err
	}

	headers := headerMap(msg.Payload)
	d := MessageDetail{MessageSummary: summaryOf(msg, headers), Headers: headers}
	if full {
		d.Body = messageBody(msg.Payload)
		if d.Body == "" {
			d.Body = d.Snippet
		}
	}
	return d, nil
}

// call runs fn under the local limiter and the upstream throttle hold, maps
// API errors onto this package's taxonomy and retries a 401 exactly once
// after invalidating the credential.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.gate(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	if statusOf(err) == http.StatusUnauthorized {
		c.log.Debug("upstream returned 401; refreshing credential", logx.String("op", op))
		c.creds.Invalidate()
		if err := c.gate(ctx); err != nil {
			return err
		}
		err = fn(ctx)
		if statusOf(err) == http.StatusUnauthorized {
			return fmt.Errorf("%s: %w", op, ErrAuthExpired)
		}
	}
	return c.classify(op, err)
}

func (c *Client) gate(ctx context.Context) error {
	c.mu.Lock()
	until := c.holdUntil
	c.mu.Unlock()
	if wait := until.Sub(c.now()); wait > 0 {
		return &RateLimitedError{RetryAfter: wait, Err: errors.New("upstream throttle hold active")}
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
		return fmt.Errorf("%s: %w", op, ErrMessageNotFound)
	case gerr.Code == http.StatusTooManyRequests || (gerr.Code == http.StatusForbidden && isRateReason(gerr)):
		// a zero or past hint would let callers retry immediately
		wait, ok := parseRetryAfter(gerr.Header, c.now())
		if !ok || wait <= 0 {
			wait = c.hold
		}
		c.mu.Lock()
		if until := c.now().Add(wait); until.After(c.holdUntil) {
			c.holdUntil = until
		}
		c.mu.Unlock()
		c.log.Warn("gmail rate limited", logx.String("op", op), logx.Duration("retry_after", wait))
		return &RateLimitedError{RetryAfter: wait, Err: fmt.Errorf("%s: %w", op, err)}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isRateReason(e *googleapi.Error) bool {
	for _, it := range e.Errors {
		switch it.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// authTransport attaches the current bearer token, obtained through the
// credential store on every request so refreshes happen just in time.
type authTransport struct {
	base  http.RoundTripper
	creds TokenProvider
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cred, err := t.creds.Get(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	typ := cred.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	r.Header.Set("Authorization", typ+" "+cred.AccessToken)
	return t.base.RoundTrip(r)
}
