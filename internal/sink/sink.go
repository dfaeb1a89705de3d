// Package sink formats messages for the destination and delivers them with
// pacing and bounded retries.
package sink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mailrelay/internal/source"
	logx "mailrelay/pkg/logx"
)

// DeliveryError is returned by Deliver when the destination did not accept
// the message. Retryable failures may succeed on a later cycle.
type DeliveryError struct {
	Retryable  bool
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery failed (%s, status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed (%s): %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable delivery failure.
func IsRetryable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Retryable
}

// Notification is everything a transport needs to render one message.
type Notification struct {
	Message  source.MessageDetail
	Query    string
	Location *time.Location
}

// Transport posts rendered notifications to one destination kind.
// Post should return a *DeliveryError so the sink can classify the failure.
type Transport interface {
	Name() string
	Post(ctx context.Context, n Notification) error
	PostText(ctx context.Context, text string) error
}

type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

type Options struct {
	Query      string
	Location   *time.Location
	RatePerSec float64
	Timeout    time.Duration
	Retry      RetryPolicy
	Log        logx.Logger
}

// Sink delivers notifications through a Transport.
type Sink struct {
	tr      Transport
	log     logx.Logger
	loc     *time.Location
	limiter *rate.Limiter
	timeout time.Duration
	retry   RetryPolicy

	mu    sync.RWMutex
	query string
}

func New(tr Transport, opts Options) *Sink {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 4
	}
	if opts.Retry.Base <= 0 {
		opts.Retry.Base = time.Second
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 30 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(1, int(opts.RatePerSec)))
	}
	return &Sink{
		tr:      tr,
		log:     opts.Log.With(logx.String("comp", "sink"), logx.String("destination", tr.Name())),
		loc:     opts.Location,
		limiter: lim,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		query:   opts.Query,
	}
}

func (s *Sink) Name() string { return s.tr.Name() }

// SetQuery changes the query label shown in later notifications.
func (s *Sink) SetQuery(q string) {
	s.mu.Lock()
	s.query = q
	s.mu.Unlock()
}

func (s *Sink) Query() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

// Deliver posts one message, retrying retryable failures within the policy.
func (s *Sink) Deliver(ctx context.Context, msg source.MessageDetail) error {
	n := Notification{Message: msg, Query: s.Query(), Location: s.loc}
	err := s.send(ctx, func(ctx context.Context) error { return s.tr.Post(ctx, n) })
	if err == nil {
		s.log.Debug("message delivered", logx.String("message_id", msg.ID))
	}
	return err
}

// SendAlert posts a plain operator alert. It makes a single attempt.
func (s *Sink) SendAlert(ctx context.Context, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.tr.PostText(cctx, text)
}

func (s *Sink) send(ctx context.Context, post func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return abandoned(ctx, err)
		}
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := post(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return abandoned(ctx, err)
		}

		de := asDeliveryError(err)
		if !de.Retryable || attempt >= s.retry.MaxAttempts {
			return de
		}

		delay := retryDelay(s.retry, attempt)
		if de.RetryAfter > delay {
			delay = min(de.RetryAfter, s.retry.MaxDelay)
		}
		s.log.Debug("delivery attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max", s.retry.MaxAttempts),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return abandoned(ctx, de)
		case <-t.C:
		}
	}
}

func asDeliveryError(err error) *DeliveryError {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	// transport-level failures (dns, reset, timeout) are worth another try
	return &DeliveryError{Retryable: true, Err: err}
}

// abandoned reports a delivery cut short by cancellation. The message was not
// confirmed, so it stays eligible for a later cycle.
func abandoned(ctx context.Context, cause error) *DeliveryError {
	err := ctx.Err()
	if err == nil {
		err = cause
	} else if cause != nil && !errors.Is(cause, err) {
		err = fmt.Errorf("%w (last error: %v)", err, cause)
	}
	return &DeliveryError{Retryable: true, Err: err}
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(p RetryPolicy, attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), p.MaxDelay)
}
