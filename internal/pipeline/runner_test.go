package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/eventbus"
	"mailrelay/internal/ledger"
	"mailrelay/internal/sink"
	"mailrelay/internal/source"
	logx "mailrelay/pkg/logx"
)

type mockSource struct{ mock.Mock }

func (m *mockSource) Search(ctx context.Context, query string) iter.Seq2[source.MessageSummary, error] {
	args := m.Called(ctx, query)
	items, _ := args.Get(0).([]source.MessageSummary)
	err := args.Error(1)
	return func(yield func(source.MessageSummary, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
		if err != nil {
			yield(source.MessageSummary{}, err)
		}
	}
}

func (m *mockSource) FetchDetail(ctx context.Context, id string) (source.MessageDetail, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(source.MessageDetail)
	return d, args.Error(1)
}

type mockSink struct{ mock.Mock }

func (m *mockSink) Deliver(ctx context.Context, msg source.MessageDetail) error {
	return m.Called(ctx, msg.ID).Error(0)
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) TryClaim(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) Commit(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockLedger) Release(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func summaries(ids ...string) []source.MessageSummary {
	out := make([]source.MessageSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.MessageSummary{ID: id, ThreadID: id, Subject: "subject " + id})
	}
	return out
}

func detail(id string) source.MessageDetail {
	return source.MessageDetail{MessageSummary: source.MessageSummary{ID: id, ThreadID: id, Subject: "subject " + id}}
}

func openLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.Config{
		Driver:   "file",
		Path:     filepath.Join(t.TempDir(), "state"),
		ClaimTTL: time.Minute,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func record(t *testing.T, l ledger.Ledger, id string) (ledger.Record, bool) {
	t.Helper()
	rec, ok, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	return rec, ok
}

func TestNewMessageDeliveredOnceAcrossCycles(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	src.On("Search", mock.Anything, "label:alerts").Return(summaries("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	snk.On("Deliver", mock.Anything, "m1").Return(nil).Once()

	r := New(src, l, snk, Options{Query: "label:alerts"})

	rep, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.NotEmpty(t, rep.CycleID)

	rep, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Delivered)
	assert.Equal(t, 1, rep.AlreadyDelivered)

	snk.AssertNumberOfCalls(t, "Deliver", 1)
	src.AssertNumberOfCalls(t, "FetchDetail", 1)
	rec, ok := record(t, l, "m1")
	require.True(t, ok)
	assert.True(t, rec.Committed)
}

func TestNonRetryableFailureThenRecovery(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	snk.On("Deliver", mock.Anything, "m1").Return(&sink.DeliveryError{StatusCode: 400, Err: errors.New("invalid_payload")}).Once()
	snk.On("Deliver", mock.Anything, "m1").Return(nil).Once()

	r := New(src, l, snk, Options{Query: "q"})

	rep, err := r.RunCycle(context.Background())
	require.NoError(t, err, "a failed delivery does not abort the cycle")
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, OutcomeFailed, rep.Results[0].Outcome)
	_, ok := record(t, l, "m1")
	assert.False(t, ok, "failed delivery must release the claim")

	rep, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	snk.AssertExpectations(t)
}

func TestUpstreamDeletionIsSkipped(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	src.On("Search", mock.Anything, mock.Anything).Return(summaries("gone", "m2"), nil)
	src.On("FetchDetail", mock.Anything, "gone").Return(nil, fmt.Errorf("get message: %w", source.ErrMessageNotFound))
	src.On("FetchDetail", mock.Anything, "m2").Return(detail("m2"), nil)
	snk.On("Deliver", mock.Anything, "m2").Return(nil)

	rep, err := New(src, l, snk, Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NotFound)
	assert.Equal(t, 1, rep.Delivered)

	_, ok := record(t, l, "gone")
	assert.False(t, ok)
	snk.AssertNotCalled(t, "Deliver", mock.Anything, "gone")
}

func TestRateLimitAbortsCycleEarly(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	throttled := &source.RateLimitedError{RetryAfter: time.Hour, Err: errors.New("429")}
	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1", "m2", "m3"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m2").Return(nil, throttled).Once()
	src.On("FetchDetail", mock.Anything, "m2").Return(detail("m2"), nil)
	src.On("FetchDetail", mock.Anything, "m3").Return(detail("m3"), nil)
	snk.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	r := New(src, l, snk, Options{RateLimitBudget: 10 * time.Second})

	rep, err := r.RunCycle(context.Background())
	var rl *source.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 1, rep.Delivered)

	_, ok := record(t, l, "m2")
	assert.False(t, ok, "in-flight claim is released on abort")
	_, ok = record(t, l, "m3")
	assert.False(t, ok, "unprocessed candidates are untouched")
	src.AssertNotCalled(t, "FetchDetail", mock.Anything, "m3")

	rep, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AlreadyDelivered)
	assert.Equal(t, 2, rep.Delivered)
}

func TestRateLimitWithinBudgetIsWaitedOut(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(nil, &source.RateLimitedError{RetryAfter: 5 * time.Millisecond}).Once()
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil).Once()
	snk.On("Deliver", mock.Anything, "m1").Return(nil)

	rep, err := New(src, l, snk, Options{RateLimitBudget: time.Second}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	src.AssertNumberOfCalls(t, "FetchDetail", 2)
}

func TestThrottledSearchIsRetriedWithoutRepeats(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	src.On("Search", mock.Anything, mock.Anything).
		Return(summaries("m1"), &source.RateLimitedError{RetryAfter: 5 * time.Millisecond}).Once()
	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1", "m2"), nil).Once()
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m2").Return(detail("m2"), nil)
	snk.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	rep, err := New(src, l, snk, Options{RateLimitBudget: time.Second}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 2, rep.Delivered)
	snk.AssertNumberOfCalls(t, "Deliver", 2)
}

func TestZeroRetryAfterStillExhaustsBudget(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)

	src.On("Search", mock.Anything, mock.Anything).
		Return(nil, &source.RateLimitedError{RetryAfter: 0, Err: errors.New("429")})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	rep, err := New(src, l, snk, Options{RateLimitBudget: time.Second}).RunCycle(ctx)

	var rl *source.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.NoError(t, ctx.Err(), "cycle must abort on its own budget")
	assert.True(t, rep.Aborted)
	assert.Less(t, time.Since(start), 5*time.Second)
	// one initial search plus at most budget/minRateLimitWait retries
	assert.LessOrEqual(t, len(src.Calls), 1+int(time.Second/minRateLimitWait))
}

func TestCommitSurvivesCancelledCycle(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	l := openLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1", "m2"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	// the destination accepts the post while shutdown cancels the cycle
	snk.On("Deliver", mock.Anything, "m1").Run(func(mock.Arguments) { cancel() }).Return(nil)

	rep, err := New(src, l, snk, Options{}).RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Delivered)

	rec, ok := record(t, l, "m1")
	require.True(t, ok)
	assert.True(t, rec.Committed)
	_, ok = record(t, l, "m2")
	assert.False(t, ok, "no further candidates after cancellation")
	src.AssertNotCalled(t, "FetchDetail", mock.Anything, "m2")
}

func TestDeliveryPrecedesCommit(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	led := &mockLedger{}

	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) func(mock.Arguments) {
		return func(mock.Arguments) {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	src.On("Search", mock.Anything, mock.Anything).Return(summaries("ok", "bad"), nil)
	src.On("FetchDetail", mock.Anything, "ok").Return(detail("ok"), nil)
	src.On("FetchDetail", mock.Anything, "bad").Return(detail("bad"), nil)
	led.On("TryClaim", mock.Anything, mock.Anything).Return(true, nil)
	led.On("Commit", mock.Anything, "ok").Run(note("commit ok")).Return(nil)
	led.On("Release", mock.Anything, "bad").Run(note("release bad")).Return(nil)
	snk.On("Deliver", mock.Anything, "ok").Run(note("deliver ok")).Return(nil)
	snk.On("Deliver", mock.Anything, "bad").Run(note("deliver bad")).
		Return(&sink.DeliveryError{Retryable: true, StatusCode: 503, Err: errors.New("down")})

	rep, err := New(src, led, snk, Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"deliver ok", "commit ok", "deliver bad", "release bad"}, order)
	led.AssertNotCalled(t, "Commit", mock.Anything, "bad")
	assert.Equal(t, 1, rep.Failed)
}

func TestCycleLevelFailures(t *testing.T) {
	cases := []struct {
		name    string
		claim   error
		fetch   error
		want    error
		release bool
	}{
		{name: "auth expired", fetch: fmt.Errorf("get message: %w", source.ErrAuthExpired), want: source.ErrAuthExpired, release: true},
		{name: "ledger storage", claim: fmt.Errorf("%w: claim: disk I/O error", ledger.ErrStorage), want: ledger.ErrStorage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &mockSource{}
			snk := &mockSink{}
			led := &mockLedger{}

			src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1", "m2"), nil)
			led.On("TryClaim", mock.Anything, "m1").Return(tc.claim == nil, tc.claim)
			if tc.claim == nil {
				src.On("FetchDetail", mock.Anything, "m1").Return(nil, tc.fetch)
			}
			led.On("Release", mock.Anything, "m1").Return(nil).Maybe()

			rep, err := New(src, led, snk, Options{}).RunCycle(context.Background())
			require.ErrorIs(t, err, tc.want)
			assert.True(t, rep.Aborted)
			assert.Zero(t, rep.Candidates)
			led.AssertNotCalled(t, "TryClaim", mock.Anything, "m2")
			snk.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
			if tc.release {
				led.AssertCalled(t, "Release", mock.Anything, "m1")
			} else {
				led.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestCancelledDeliveryReleasesOnDetachedContext(t *testing.T) {
	src := &mockSource{}
	snk := &mockSink{}
	led := &mockLedger{}
	ctx, cancel := context.WithCancel(context.Background())

	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	led.On("TryClaim", mock.Anything, "m1").Return(true, nil)
	snk.On("Deliver", mock.Anything, "m1").Run(func(mock.Arguments) { cancel() }).
		Return(&sink.DeliveryError{Retryable: true, Err: context.Canceled})
	led.On("Release", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), "m1").Return(nil)

	rep, err := New(src, led, snk, Options{}).RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rep.Aborted)
	led.AssertExpectations(t)
	led.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestCycleEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	src := &mockSource{}
	snk := &mockSink{}
	src.On("Search", mock.Anything, mock.Anything).Return(summaries("m1"), nil)
	src.On("FetchDetail", mock.Anything, "m1").Return(detail("m1"), nil)
	snk.On("Deliver", mock.Anything, "m1").Return(nil)

	r := New(src, openLedger(t), snk, Options{Query: "is:unread", Bus: bus})
	r.SetQuery("from:ops")
	rep, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from:ops", rep.Query)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{eventbus.CycleStarted, eventbus.MessageDelivered, eventbus.CycleFinished}, types)
}
