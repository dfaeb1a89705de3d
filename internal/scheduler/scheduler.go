// Package scheduler composes the run modes: the poll loop, the health server,
// or both under one supervisor, with graceful stop and ledger maintenance
// between cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailrelay/internal/eventbus"
	"mailrelay/internal/pipeline"
	rtsup "mailrelay/internal/runtime/supervisor"
	logx "mailrelay/pkg/logx"
)

type Mode string

const (
	ModeServe    Mode = "serve"    // health endpoint only
	ModePoll     Mode = "poll"     // poll loop only
	ModeCombined Mode = "combined" // both
)

func (m Mode) Polls() bool  { return m == ModePoll || m == ModeCombined }
func (m Mode) Serves() bool { return m == ModeServe || m == ModeCombined }

// ParseMode accepts the mode names and the legacy "server"/"worker" aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "combined":
		return ModeCombined, nil
	case "serve", "server":
		return ModeServe, nil
	case "poll", "worker":
		return ModePoll, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// StateEvent is published on every state change.
type StateEvent struct {
	Mode  Mode  `json:"mode"`
	State State `json:"state"`
}

// MaintenanceEvent is published after each maintenance pass.
type MaintenanceEvent struct {
	Swept  int    `json:"swept"`
	Pruned int    `json:"pruned"`
	Error  string `json:"error,omitempty"`
}

type Cycler interface {
	RunCycle(ctx context.Context) (pipeline.Report, error)
}

// Maintainer is the ledger housekeeping surface.
type Maintainer interface {
	Sweep(ctx context.Context, claimedBefore time.Time) (int, error)
	Prune(ctx context.Context, committedBefore time.Time) (int, error)
}

// Server is a long-running task that stops when ctx is done.
type Server interface {
	Serve(ctx context.Context) error
}

// ServiceNotifier receives lifecycle notifications (systemd).
type ServiceNotifier interface {
	Ready()
	Stopping()
	Status(string)
}

type Options struct {
	Mode          Mode
	Interval      time.Duration
	ShutdownGrace time.Duration
	ClaimTTL      time.Duration
	// Maintenance is parsed with ParseSchedule; empty disables it.
	Maintenance string
	Retention   time.Duration

	Runner   Cycler
	Ledger   Maintainer
	Health   Server
	Notifier ServiceNotifier
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

type Scheduler struct {
	mode      Mode
	grace     time.Duration
	claimTTL  time.Duration
	retention time.Duration
	maint     cron.Schedule

	runner   Cycler
	ledger   Maintainer
	health   Server
	notifier ServiceNotifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	wake chan struct{}

	mu       sync.Mutex
	state    State
	interval time.Duration
	nextMain time.Time
	sup      *rtsup.Supervisor
}

func New(opts Options) (*Scheduler, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 15 * time.Second
	}
	switch opts.Mode {
	case ModeServe, ModePoll, ModeCombined:
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.Mode.Polls() {
		if opts.Runner == nil || opts.Ledger == nil {
			return nil, errors.New("poll mode requires a runner and a ledger")
		}
		if opts.Interval <= 0 {
			return nil, errors.New("poll interval must be > 0")
		}
	}
	if opts.Mode.Serves() && opts.Health == nil {
		return nil, errors.New("serve mode requires a health server")
	}
	maint, err := ParseSchedule(opts.Maintenance)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		mode:      opts.Mode,
		grace:     opts.ShutdownGrace,
		claimTTL:  opts.ClaimTTL,
		retention: opts.Retention,
		maint:     maint,
		runner:    opts.Runner,
		ledger:    opts.Ledger,
		health:    opts.Health,
		notifier:  opts.Notifier,
		bus:       opts.Bus,
		log:       opts.Log.With(logx.String("comp", "scheduler"), logx.String("mode", string(opts.Mode))),
		now:       opts.Now,
		wake:      make(chan struct{}, 1),
		state:     StateStopped,
		interval:  opts.Interval,
	}, nil
}

func (s *Scheduler) Mode() Mode { return s.mode }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("scheduler state", logx.String("state", string(st)))
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerState, Data: StateEvent{Mode: s.mode, State: st}})
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the sleep between cycles starting with the next sleep.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// Tasks reports the scheduler's supervised tasks, or nil outside Run.
func (s *Scheduler) Tasks() []rtsup.TaskStats {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}

// Wake cuts the current inter-cycle sleep short.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts the tasks for the configured mode and blocks until ctx is done
// or a task fails for good. On stop the in-flight cycle gets the shutdown
// grace period before it is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(StateStarting)

	if s.mode.Polls() {
		// single instance: a pending claim at start belongs to a crashed
		// predecessor and would otherwise block its message until it expires
		n, err := s.ledger.Sweep(ctx, s.now())
		if err != nil {
			s.setState(StateStopped)
			return fmt.Errorf("startup sweep: %w", err)
		}
		if n > 0 {
			s.log.Info("released pending claims from previous run", logx.Int("claims", n))
		}
		s.scheduleMaintenance(s.now())
	}

	// tasks outlive ctx so the poll loop can use its grace period
	sup := rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(true),
	)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()

	if s.mode.Serves() {
		sup.GoRestart("health", s.health.Serve,
			rtsup.WithRestartBackoff(time.Second, 10*time.Second),
			rtsup.WithMaxRestarts(3),
		)
	}

	stopping := make(chan struct{})
	loopDone := make(chan struct{})
	if s.mode.Polls() {
		sup.Go("poll", func(pctx context.Context) error {
			defer close(loopDone)
			s.loop(pctx, stopping)
			return nil
		})
	} else {
		close(loopDone)
	}

	s.setState(StateRunning)
	s.notifier.Ready()
	s.log.Info("scheduler running", logx.Duration("interval", s.Interval()))

	select {
	case <-ctx.Done():
	case <-sup.Context().Done():
	}

	s.setState(StateStopping)
	s.notifier.Stopping()
	close(stopping)

	grace := time.NewTimer(s.grace)
	select {
	case <-loopDone:
		grace.Stop()
	case <-grace.C:
		s.log.Warn("shutdown grace elapsed; cancelling in-flight cycle", logx.Duration("grace", s.grace))
	}

	sup.Cancel()
	_ = sup.Wait(context.Background())
	s.mu.Lock()
	s.sup = nil
	s.mu.Unlock()
	s.setState(StateStopped)
	return sup.Err()
}

func (s *Scheduler) loop(ctx context.Context, stopping <-chan struct{}) {
	for {
		select {
		case <-stopping:
			return
		default:
		}

		rep, err := s.runner.RunCycle(ctx)
		s.notifier.Status(statusLine(rep, err))
		if ctx.Err() != nil {
			return
		}
		s.maybeMaintain(ctx)

		t := time.NewTimer(s.Interval())
		select {
		case <-stopping:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func statusLine(rep pipeline.Report, err error) string {
	line := fmt.Sprintf("last cycle %s: %d candidates, %d delivered, %d failed",
		rep.FinishedAt.Format(time.RFC3339), rep.Candidates, rep.Delivered, rep.Failed)
	if err != nil {
		line += "; aborted: " + err.Error()
	}
	return line
}

func (s *Scheduler) scheduleMaintenance(from time.Time) {
	if s.maint == nil {
		return
	}
	s.mu.Lock()
	s.nextMain = s.maint.Next(from)
	s.mu.Unlock()
}

func (s *Scheduler) maybeMaintain(ctx context.Context) {
	if s.maint == nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := !s.nextMain.IsZero() && !now.Before(s.nextMain)
	s.mu.Unlock()
	if !due {
		return
	}
	s.Maintain(ctx)
	s.scheduleMaintenance(now)
}

// Maintain releases stale pending claims and, with retention enabled, prunes
// old committed records.
func (s *Scheduler) Maintain(ctx context.Context) MaintenanceEvent {
	var ev MaintenanceEvent
	var errs []error
	now := s.now()

	if s.claimTTL > 0 {
		n, err := s.ledger.Sweep(ctx, now.Add(-s.claimTTL))
		ev.Swept = n
		errs = append(errs, err)
	}
	if s.retention > 0 {
		n, err := s.ledger.Prune(ctx, now.Add(-s.retention))
		ev.Pruned = n
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		ev.Error = err.Error()
		s.log.Error("ledger maintenance failed", logx.Err(err))
	} else {
		s.log.Debug("ledger maintenance", logx.Int("swept", ev.Swept), logx.Int("pruned", ev.Pruned))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.LedgerMaintained, Data: ev})
	return ev
}

type nopNotifier struct{}

func (nopNotifier) Ready()        {}
func (nopNotifier) Stopping()     {}
func (nopNotifier) Status(string) {}
