package config

import (
	logx "mailrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed sections plus safe structured
// attrs for logging. Secrets (tokens, webhook URLs, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Mode != newCfg.Mode || oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "runtime")
		attrs = append(attrs,
			logx.String("mode", newCfg.Mode),
			logx.String("timezone", newCfg.Timezone),
		)
	}
	if oldCfg.Gmail != newCfg.Gmail {
		changed = append(changed, "gmail")
		attrs = append(attrs,
			logx.String("gmail.query", newCfg.Gmail.Query),
			logx.Int("gmail.max_results", newCfg.Gmail.MaxResults),
			logx.Bool("gmail.full_body", newCfg.Gmail.FullBody),
		)
	}
	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Bool("auth.token_file_set", newCfg.Auth.TokenFile != ""))
	}
	if oldCfg.Destination != newCfg.Destination {
		changed = append(changed, "destination")
		attrs = append(attrs,
			logx.String("destination.kind", newCfg.Destination.Kind),
			logx.Int("destination.retry.max_attempts", newCfg.Destination.Retry.MaxAttempts),
		)
	}
	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", newCfg.Ledger.Driver),
			logx.String("ledger.maintenance.schedule", newCfg.Ledger.Maintenance.Schedule),
		)
	}
	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs, logx.String("poll.interval", newCfg.Poll.Interval))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.String("health.addr", newCfg.Health.Addr))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// restart (they size or open long-lived resources).
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "auth", "destination", "ledger", "health", "runtime":
			out = append(out, c)
		}
	}
	return out
}
