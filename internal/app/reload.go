package app

import (
	"context"
	"strings"

	"mailrelay/internal/config"
	logx "mailrelay/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: only the newest config matters
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			if cfg == nil {
				continue
			}
			a.apply(last, cfg)
			last = cfg
		}
	}
}

// apply pushes the live-reloadable parts of cfg into the running components.
// Sections that size or open resources are reported and left alone.
func (a *App) apply(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	st, err := config.Resolve(cfg)
	if err != nil {
		// the manager validates before publishing; keep running on the old values
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}

	a.notifier.Reloading()
	defer a.notifier.Ready()

	a.logs.Apply(cfg.Logging.LogConfig())

	if a.runner != nil {
		a.runner.SetQuery(cfg.Gmail.Query)
	}
	if a.sink != nil {
		a.sink.SetQuery(cfg.Gmail.Query)
	}
	if a.source != nil {
		a.source.SetMaxResults(cfg.Gmail.MaxResults)
		a.source.SetFullBody(cfg.Gmail.FullBody)
	}
	a.snap.SetQuery(cfg.Gmail.Query)

	if st.PollInterval != a.settings.PollInterval {
		shorter := st.PollInterval < a.settings.PollInterval
		a.sched.SetInterval(st.PollInterval)
		a.snap.SetPollInterval(st.PollInterval)
		// a longer interval applies from the next sleep; a shorter one now
		if shorter {
			a.sched.Wake()
		}
	}
	a.settings.PollInterval = st.PollInterval

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
