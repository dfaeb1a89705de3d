// Package pipeline runs poll cycles: search, claim, fetch, deliver, commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailrelay/internal/credential"
	"mailrelay/internal/eventbus"
	"mailrelay/internal/ledger"
	"mailrelay/internal/sink"
	"mailrelay/internal/source"
	logx "mailrelay/pkg/logx"
)

type Source interface {
	Search(ctx context.Context, query string) iter.Seq2[source.MessageSummary, error]
	FetchDetail(ctx context.Context, id string) (source.MessageDetail, error)
}

// Ledger is the part of ledger.Ledger a cycle needs.
type Ledger interface {
	TryClaim(ctx context.Context, id string) (bool, error)
	Commit(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

type Sink interface {
	Deliver(ctx context.Context, msg source.MessageDetail) error
}

type Options struct {
	Query string
	// RateLimitBudget is how long one cycle may wait out upstream throttling
	// before giving up until the next cycle.
	RateLimitBudget time.Duration
	// ReleaseTimeout bounds releases and commits, which run detached from
	// the cycle context.
	ReleaseTimeout time.Duration
	Bus            eventbus.Bus
	Log            logx.Logger
	Now            func() time.Time
}

// Runner executes poll cycles. RunCycle must not be called concurrently.
type Runner struct {
	src    Source
	ledger Ledger
	sink   Sink

	bus            eventbus.Bus
	log            logx.Logger
	now            func() time.Time
	budget         time.Duration
	releaseTimeout time.Duration

	mu    sync.RWMutex
	query string
}

func New(src Source, l Ledger, s Sink, opts Options) *Runner {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 5 * time.Second
	}
	return &Runner{
		src:            src,
		ledger:         l,
		sink:           s,
		bus:            opts.Bus,
		log:            opts.Log.With(logx.String("comp", "pipeline")),
		now:            opts.Now,
		budget:         max(opts.RateLimitBudget, 0),
		releaseTimeout: opts.ReleaseTimeout,
		query:          opts.Query,
	}
}

func (r *Runner) SetQuery(q string) {
	r.mu.Lock()
	r.query = q
	r.mu.Unlock()
}

func (r *Runner) Query() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.query
}

// cycle carries the state of one RunCycle call.
type cycle struct {
	*Runner
	log    logx.Logger
	rep    *Report
	budget time.Duration
	seen   map[string]struct{}
}

// RunCycle runs one cycle to completion or until a cycle-level failure. The
// returned error is the same as Report.Err.
func (r *Runner) RunCycle(ctx context.Context) (Report, error) {
	rep := &Report{
		CycleID:   uuid.NewString(),
		Query:     r.Query(),
		StartedAt: r.now(),
	}
	c := &cycle{
		Runner: r,
		log:    r.log.With(logx.String("cycle_id", rep.CycleID)),
		rep:    rep,
		budget: r.budget,
		seen:   map[string]struct{}{},
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: CycleEvent{CycleID: rep.CycleID, Query: rep.Query}})
	c.log.Debug("cycle started", logx.String("query", rep.Query))

	if err := c.run(ctx); err != nil {
		rep.abort(err)
	}
	rep.FinishedAt = r.now()

	fields := []logx.Field{
		logx.Int("candidates", rep.Candidates),
		logx.Int("delivered", rep.Delivered),
		logx.Int("already_delivered", rep.AlreadyDelivered),
		logx.Int("not_found", rep.NotFound),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Duration()),
	}
	switch {
	case rep.Err == nil:
		c.log.Info("cycle finished", fields...)
	case errors.Is(rep.Err, context.Canceled):
		c.log.Info("cycle cancelled", fields...)
	default:
		c.log.Error("cycle aborted", append(fields, logx.Err(rep.Err))...)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: *rep})
	return *rep, rep.Err
}

// run walks the search results. A throttled search is retried from the top
// while budget remains; ids handled earlier in this cycle are skipped.
func (c *cycle) run(ctx context.Context) error {
	for {
		retry, err := c.pass(ctx)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
	}
}

func (c *cycle) pass(ctx context.Context) (retry bool, err error) {
	query := c.rep.Query
	for sum, err := range c.src.Search(ctx, query) {
		if err != nil {
			if werr := c.waitOut(ctx, err); werr != nil {
				return false, fmt.Errorf("search: %w", werr)
			}
			return true, err
		}
		if _, dup := c.seen[sum.ID]; dup {
			continue
		}
		c.seen[sum.ID] = struct{}{}
		if err := c.handle(ctx, sum); err != nil {
			return false, err
		}
	}
	return false, nil
}

// handle processes one candidate. A non-nil error aborts the cycle.
func (c *cycle) handle(ctx context.Context, sum source.MessageSummary) error {
	log := c.log.With(logx.String("message_id", sum.ID))

	claimed, err := c.ledger.TryClaim(ctx, sum.ID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", sum.ID, err)
	}
	if !claimed {
		log.Trace("already delivered or in flight")
		c.rep.add(Result{MessageID: sum.ID, Subject: sum.Subject, Outcome: OutcomeAlreadyDelivered})
		return nil
	}

	detail, err := c.fetch(ctx, sum.ID)
	switch {
	case errors.Is(err, source.ErrMessageNotFound):
		c.release(sum.ID, log)
		log.Info("message vanished before delivery")
		c.rep.add(Result{MessageID: sum.ID, Subject: sum.Subject, Outcome: OutcomeNotFound})
		return nil
	case err != nil && c.fatal(ctx, err):
		c.release(sum.ID, log)
		return fmt.Errorf("fetch %s: %w", sum.ID, err)
	case err != nil:
		c.release(sum.ID, log)
		c.failed(sum, err, log)
		return nil
	}

	if err := c.sink.Deliver(ctx, detail); err != nil {
		c.release(sum.ID, log)
		if ctx.Err() != nil {
			return fmt.Errorf("deliver %s: %w", sum.ID, ctx.Err())
		}
		c.failed(sum, err, log)
		return nil
	}

	// delivered: from here on the message must not be released, or the next
	// cycle would send it again. The commit outlives a cancelled cycle.
	if err := c.commit(ctx, sum.ID); err != nil {
		log.Error("delivered but commit failed; claim left to expire", logx.Err(err))
		c.rep.add(Result{MessageID: sum.ID, Subject: detail.Subject, Outcome: OutcomeDelivered, Error: err.Error()})
		return fmt.Errorf("commit %s: %w", sum.ID, err)
	}
	log.Info("message delivered", logx.String("subject", detail.Subject))
	c.rep.add(Result{MessageID: sum.ID, Subject: detail.Subject, Outcome: OutcomeDelivered})
	c.bus.Publish(eventbus.Event{Type: eventbus.MessageDelivered, Data: MessageEvent{
		CycleID: c.rep.CycleID, MessageID: sum.ID, Subject: detail.Subject,
	}})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("after %s: %w", sum.ID, err)
	}
	return nil
}

func (c *cycle) commit(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.releaseTimeout)
	defer cancel()
	return c.ledger.Commit(cctx, id)
}

// fetch retries throttled detail fetches while the rate-limit budget allows.
func (c *cycle) fetch(ctx context.Context, id string) (source.MessageDetail, error) {
	for {
		d, err := c.src.FetchDetail(ctx, id)
		if err == nil {
			return d, nil
		}
		var rl *source.RateLimitedError
		if !errors.As(err, &rl) {
			return d, err
		}
		if werr := c.waitOut(ctx, err); werr != nil {
			return d, werr
		}
	}
}

// minRateLimitWait is the least a throttled call is charged against the
// rate-limit budget.
const minRateLimitWait = 250 * time.Millisecond

// waitOut sleeps through a rate-limit hint when it fits in the remaining
// budget. It returns nil when the caller should retry, otherwise the error
// to abort with.
func (c *cycle) waitOut(ctx context.Context, err error) error {
	var rl *source.RateLimitedError
	if !errors.As(err, &rl) {
		return err
	}
	// a zero hint still costs a minimum wait, so the budget always drains
	wait := max(rl.RetryAfter, minRateLimitWait)
	if wait > c.budget {
		return err
	}
	c.budget -= wait
	c.log.Warn("waiting out upstream rate limit",
		logx.Duration("retry_after", wait),
		logx.Duration("budget_left", c.budget),
	)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fatal reports whether a fetch error ends the cycle. Per-message failures
// that are not listed here are recorded and the cycle moves on.
func (c *cycle) fatal(ctx context.Context, err error) bool {
	var rl *source.RateLimitedError
	return ctx.Err() != nil ||
		errors.As(err, &rl) ||
		errors.Is(err, source.ErrAuthExpired) ||
		errors.Is(err, credential.ErrCredentialRefreshFailed) ||
		errors.Is(err, credential.ErrCredentialUnavailable) ||
		errors.Is(err, ledger.ErrStorage)
}

func (c *cycle) failed(sum source.MessageSummary, err error, log logx.Logger) {
	retryable := sink.IsRetryable(err)
	log.Warn("delivery failed; will retry next cycle", logx.Bool("retryable", retryable), logx.Err(err))
	c.rep.add(Result{MessageID: sum.ID, Subject: sum.Subject, Outcome: OutcomeFailed, Error: err.Error()})
	c.bus.Publish(eventbus.Event{Type: eventbus.MessageFailed, Data: MessageEvent{
		CycleID: c.rep.CycleID, MessageID: sum.ID, Subject: sum.Subject, Error: err.Error(), Retryable: retryable,
	}})
}

// release drops a claim on a context detached from the cycle so a shutdown
// cannot strand it.
func (c *cycle) release(id string, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()
	if err := c.ledger.Release(ctx, id); err != nil {
		log.Error("release failed; claim will expire", logx.Err(err))
	}
}
