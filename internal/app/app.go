// Package app builds the relay from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mailrelay/internal/config"
	"mailrelay/internal/credential"
	"mailrelay/internal/eventbus"
	"mailrelay/internal/health"
	"mailrelay/internal/ledger"
	"mailrelay/internal/pipeline"
	rtsup "mailrelay/internal/runtime/supervisor"
	"mailrelay/internal/scheduler"
	"mailrelay/internal/sink"
	"mailrelay/internal/source"
	logx "mailrelay/pkg/logx"
	"mailrelay/pkg/systemd"
)

// Options are process-level overrides that do not belong in the config file.
type Options struct {
	// HTTPClient is used for the token endpoint, the Gmail API and the
	// destination. Nil means package defaults.
	HTTPClient *http.Client
	Now        func() time.Time
}

type App struct {
	cfgm     *config.ConfigManager
	settings *config.Settings
	opts     Options

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ledger   ledger.Ledger
	creds    *credential.Store
	source   *source.Client
	sink     *sink.Sink
	runner   *pipeline.Runner
	snap     *health.Snapshot
	health   *health.Server
	notifier *systemd.Notifier
	sched    *scheduler.Scheduler
}

// New loads and validates the configuration and builds every component the
// configured mode needs. Errors are startup misconfiguration.
func New(ctx context.Context, cfgm *config.ConfigManager, opts Options) (*App, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	mode, err := scheduler.ParseMode(settings.Mode)
	if err != nil {
		return nil, err
	}

	// the alert sender is attached once the sink exists
	logs, log := logx.New(cfg.Logging.LogConfig(), nil)
	if settings.TimezoneFallback {
		log.Warn("unknown timezone; using UTC", logx.String("timezone", cfg.Timezone))
	}

	a := &App{
		cfgm:     cfgm,
		settings: settings,
		opts:     opts,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      eventbus.New(),
		notifier: systemd.NewNotifier(log.With(logx.String("comp", "systemd"))),
	}
	if err := a.build(ctx, cfg, mode); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, mode scheduler.Mode) error {
	st := a.settings
	log := a.logs.Logger()

	// serve mode keeps the sink for alerts when a destination is configured
	if mode.Polls() || config.ValidateDestination(cfg) == nil {
		snk, err := newSink(cfg, st, a.opts.HTTPClient, log)
		if err != nil {
			return err
		}
		a.sink = snk
		a.logs.SetAlertSender(snk)
	}

	if mode.Polls() {
		l, err := openLedger(ctx, cfg, st, a.opts.Now, log)
		if err != nil {
			return err
		}
		a.ledger = l

		creds, err := credential.NewStore(credential.Options{
			ClientID:         cfg.Auth.ClientID,
			ClientSecret:     cfg.Auth.ClientSecret,
			ClientSecretFile: cfg.Auth.ClientSecretFile,
			RefreshToken:     cfg.Auth.RefreshToken,
			TokenFile:        cfg.Auth.TokenFile,
			TokenURL:         cfg.Auth.TokenURL,
			Margin:           st.RefreshMargin,
			HTTPClient:       a.opts.HTTPClient,
			Now:              a.opts.Now,
			Log:              log.With(logx.String("comp", "credential")),
		})
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		a.creds = creds

		src, err := source.New(ctx, creds, source.Options{
			User:          cfg.Gmail.User,
			MaxResults:    cfg.Gmail.MaxResults,
			FullBody:      cfg.Gmail.FullBody,
			RatePerSec:    cfg.Gmail.RatePerSec,
			RateLimitHold: st.RateLimitHold,
			Endpoint:      cfg.Gmail.Endpoint,
			HTTPClient:    a.opts.HTTPClient,
			Now:           a.opts.Now,
			Log:           log.With(logx.String("comp", "source")),
		})
		if err != nil {
			return err
		}
		a.source = src

		a.runner = pipeline.New(src, l, a.sink, pipeline.Options{
			Query:           cfg.Gmail.Query,
			RateLimitBudget: st.RateLimitBudget,
			Bus:             a.bus,
			Log:             log,
			Now:             a.opts.Now,
		})
	}

	a.snap = health.NewSnapshot(health.Info{
		Mode:         string(mode),
		Query:        cfg.Gmail.Query,
		Location:     st.Location,
		PollInterval: st.PollInterval,
	})
	if mode.Serves() {
		a.health = health.NewServer(a.snap, health.Options{
			Addr:  cfg.Health.Addr,
			Pprof: cfg.Health.Pprof,
			Log:   log,
			Now:   a.opts.Now,
		})
	}

	opts := scheduler.Options{
		Mode:          mode,
		Interval:      st.PollInterval,
		ShutdownGrace: st.ShutdownGrace,
		ClaimTTL:      st.ClaimTTL,
		Maintenance:   cfg.Ledger.Maintenance.Schedule,
		Retention:     st.Retention,
		Notifier:      a.notifier,
		Bus:           a.bus,
		Log:           log,
		Now:           a.opts.Now,
	}
	// typed nils must not reach the scheduler's interfaces
	if a.runner != nil {
		opts.Runner = a.runner
		opts.Ledger = a.ledger
	}
	if a.health != nil {
		opts.Health = a.health
	}
	sched, err := scheduler.New(opts)
	if err != nil {
		return err
	}
	a.sched = sched
	a.snap.SetTasks(sched.Tasks)
	return nil
}

// Run blocks until ctx is done or the scheduler fails for good. Config
// reloads and the systemd watchdog run alongside.
func (a *App) Run(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// subscribe before the scheduler publishes its first state
	a.snap.Follow(sup.Context(), a.bus)

	reloads := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reloads)
		a.reloadLoop(c, reloads)
		return nil
	})
	sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	sup.Go("systemd.watchdog", a.notifier.RunWatchdog)

	events, unsub := a.bus.Subscribe(64)
	sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("relay starting",
		logx.String("mode", string(a.sched.Mode())),
		logx.String("timezone", a.settings.Location.String()),
		logx.Duration("interval", a.settings.PollInterval),
	)
	err := a.sched.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := sup.Stop(stopCtx); serr != nil && !errors.Is(serr, context.Canceled) {
		a.log.Warn("background tasks did not stop cleanly", logx.Err(serr))
	}
	if err != nil {
		a.log.Error("relay stopped with error", logx.Err(err))
		return err
	}
	a.log.Info("relay stopped")
	return nil
}

// Close releases the ledger and the log outputs. It is safe to call on a
// partially built App.
func (a *App) Close() error {
	var errs []error
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Health() *health.Snapshot { return a.snap }

func openLedger(ctx context.Context, cfg *config.Config, st *config.Settings, now func() time.Time, log logx.Logger) (ledger.Ledger, error) {
	l, err := ledger.Open(ctx, ledger.Config{
		Driver:      cfg.Ledger.Driver,
		Path:        cfg.Ledger.Path,
		DSN:         cfg.Ledger.DSN,
		BusyTimeout: st.BusyTimeout,
		ClaimTTL:    st.ClaimTTL,
		Now:         now,
	}, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

func newSink(cfg *config.Config, st *config.Settings, hc *http.Client, log logx.Logger) (*sink.Sink, error) {
	d := cfg.Destination
	var (
		tr  sink.Transport
		err error
	)
	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case "slack":
		tr, err = sink.NewSlack(sink.SlackConfig{
			WebhookURL: d.Slack.WebhookURL,
			Channel:    d.Slack.Channel,
			Username:   d.Slack.Username,
			HTTPClient: hc,
		})
	case "telegram":
		tr, err = sink.NewTelegram(sink.TelegramConfig{
			Token:      d.Telegram.Token,
			ChatID:     d.Telegram.ChatID,
			ThreadID:   d.Telegram.ThreadID,
			HTTPClient: hc,
		})
	default:
		err = fmt.Errorf("unknown destination kind %q", d.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	return sink.New(tr, sink.Options{
		Query:      cfg.Gmail.Query,
		Location:   st.Location,
		RatePerSec: d.RatePerSec,
		Timeout:    st.DeliveryTimeout,
		Retry: sink.RetryPolicy{
			MaxAttempts: d.Retry.MaxAttempts,
			Base:        st.RetryBase,
			MaxDelay:    st.RetryMaxDelay,
		},
		Log: log,
	}), nil
}
