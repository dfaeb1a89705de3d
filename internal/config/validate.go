package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	logx "mailrelay/pkg/logx"
)

var validate = validator.New()

// Settings holds the parsed, defaulted form of the duration and timezone
// fields. Components take these instead of re-parsing strings.
type Settings struct {
	Mode             string // serve, poll or combined
	Location         *time.Location
	TimezoneFallback bool

	PollInterval    time.Duration
	ShutdownGrace   time.Duration
	RateLimitBudget time.Duration
	RateLimitHold   time.Duration
	RefreshMargin   time.Duration

	DeliveryTimeout time.Duration
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration

	ClaimTTL    time.Duration
	Retention   time.Duration
	BusyTimeout time.Duration
}

// NormalizeMode maps legacy MODE values onto serve/poll/combined.
func NormalizeMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "server", "serve":
		return "serve"
	case "worker", "poll":
		return "poll"
	case "", "combined":
		return "combined"
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}

// Validate checks cfg for a full relay run.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := Resolve(cfg); err != nil {
		return err
	}
	if err := ValidateLedger(cfg); err != nil {
		return err
	}

	if NormalizeMode(cfg.Mode) == "serve" {
		return nil
	}

	var errs []error
	if strings.TrimSpace(cfg.Gmail.Query) == "" {
		errs = append(errs, errors.New("gmail.query is required (GMAIL_QUERY)"))
	}
	a := cfg.Auth
	if a.ClientSecretFile == "" && (a.ClientID == "" || a.ClientSecret == "") {
		errs = append(errs, errors.New("auth: client_id and client_secret (or client_secret_file) are required"))
	}
	if a.RefreshToken == "" && a.TokenFile == "" {
		errs = append(errs, errors.New("auth: refresh_token or token_file is required"))
	}
	if err := ValidateDestination(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateDestination checks only the destination section.
func ValidateDestination(cfg *Config) error {
	d := cfg.Destination
	switch d.Kind {
	case "slack":
		if strings.TrimSpace(d.Slack.WebhookURL) == "" {
			return errors.New("destination.slack.webhook_url is required (SLACK_WEBHOOK_URL)")
		}
	case "telegram":
		if strings.TrimSpace(d.Telegram.Token) == "" || d.Telegram.ChatID == 0 {
			return errors.New("destination.telegram: token and chat_id are required")
		}
	default:
		return fmt.Errorf("destination.kind: unknown kind %q", d.Kind)
	}
	return nil
}

// ValidateLedger checks only the ledger section; maintenance commands use it
// so they work without Gmail credentials.
func ValidateLedger(cfg *Config) error {
	if err := validate.Struct(cfg.Ledger); err != nil {
		return fmt.Errorf("invalid ledger config: %w", err)
	}
	switch cfg.Ledger.Driver {
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Ledger.Path) == "" {
			return fmt.Errorf("ledger.path is required for driver %q", cfg.Ledger.Driver)
		}
	case "postgres":
		if strings.TrimSpace(cfg.Ledger.DSN) == "" {
			return errors.New("ledger.dsn is required for driver postgres (DATABASE_URL)")
		}
	}
	return nil
}

// Resolve parses durations and the timezone.
func Resolve(cfg *Config) (*Settings, error) {
	s := &Settings{Mode: NormalizeMode(cfg.Mode)}
	switch s.Mode {
	case "serve", "poll", "combined":
	default:
		return nil, fmt.Errorf("mode: unknown mode %q", cfg.Mode)
	}

	s.Location = time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			s.TimezoneFallback = true
		} else {
			s.Location = loc
		}
	}

	var p durations
	p.positive(&s.PollInterval, "poll.interval", cfg.Poll.Interval, time.Minute)
	p.positive(&s.ShutdownGrace, "poll.shutdown_grace", cfg.Poll.ShutdownGrace, 15*time.Second)
	p.optional(&s.RateLimitBudget, "poll.rate_limit_budget", cfg.Poll.RateLimitBudget, 10*time.Second)
	p.positive(&s.RateLimitHold, "gmail.rate_limit_hold", cfg.Gmail.RateLimitHold, 30*time.Second)
	p.positive(&s.RefreshMargin, "auth.refresh_margin", cfg.Auth.RefreshMargin, 5*time.Minute)
	p.positive(&s.DeliveryTimeout, "destination.timeout", cfg.Destination.Timeout, 10*time.Second)
	p.positive(&s.RetryBase, "destination.retry.base", cfg.Destination.Retry.Base, time.Second)
	p.positive(&s.RetryMaxDelay, "destination.retry.max_delay", cfg.Destination.Retry.MaxDelay, 30*time.Second)
	p.positive(&s.BusyTimeout, "ledger.busy_timeout", cfg.Ledger.BusyTimeout, 5*time.Second)
	// ClaimTTL defaults to one poll interval.
	p.positive(&s.ClaimTTL, "ledger.claim_ttl", cfg.Ledger.ClaimTTL, s.PollInterval)
	p.optional(&s.Retention, "ledger.maintenance.retention", cfg.Ledger.Maintenance.Retention, 0)
	if p.err != nil {
		return nil, p.err
	}
	return s, nil
}

// LogConfig maps the logging section onto logx.
func (c LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerMin: c.Alert.RatePerMin,
			Burst:      c.Alert.Burst,
		},
	}
}
