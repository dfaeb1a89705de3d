package config

// Config is the on-disk configuration (JSON or YAML), overlaid by environment
// variables. All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Mode selects the run profile: serve, poll or combined.
	// server/worker are accepted aliases for serve/poll.
	Mode string `json:"mode" validate:"omitempty,oneof=serve poll combined server worker"`

	// Timezone is an IANA name used to render timestamps. Unknown names fall
	// back to UTC with a warning.
	Timezone string `json:"timezone"`

	Gmail       GmailConfig       `json:"gmail"`
	Auth        AuthConfig        `json:"auth"`
	Destination DestinationConfig `json:"destination"`
	Ledger      LedgerConfig      `json:"ledger"`
	Poll        PollConfig        `json:"poll"`
	Health      HealthConfig      `json:"health"`
	Logging     LoggingConfig     `json:"logging"`
}

// GmailConfig controls the message source.
type GmailConfig struct {
	Query      string `json:"query"`
	User       string `json:"user,omitempty"`
	MaxResults int    `json:"max_results,omitempty" validate:"gte=0,lte=500"`
	FullBody   bool   `json:"full_body"`

	// RatePerSec caps API calls; 0 means the default.
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	// RateLimitHold is used when the API throttles without a Retry-After hint.
	RateLimitHold string `json:"rate_limit_hold,omitempty"`
	// Endpoint overrides the API base URL (tests, proxies).
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
}

// AuthConfig provisions the OAuth client and refresh token.
//
// Either client_id+client_secret (or client_secret_file) must be set, and a
// refresh token must come from refresh_token or token_file.
type AuthConfig struct {
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"` // never log
	ClientSecretFile string `json:"client_secret_file,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"` // never log
	TokenFile        string `json:"token_file,omitempty"`
	TokenURL         string `json:"token_url,omitempty" validate:"omitempty,url"`
	RefreshMargin    string `json:"refresh_margin,omitempty"`
}

// DestinationConfig selects exactly one notification destination.
type DestinationConfig struct {
	Kind     string         `json:"kind" validate:"oneof=slack telegram"`
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`

	Timeout    string      `json:"timeout,omitempty"`
	RatePerSec float64     `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Retry      RetryConfig `json:"retry"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty" validate:"omitempty,url"` // never log
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // never log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// RetryConfig is the bounded exponential backoff policy for deliveries.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	Base        string `json:"base,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// LedgerConfig controls the dedup ledger.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./state.db" }
type LedgerConfig struct {
	Driver      string `json:"driver" validate:"oneof=sqlite file postgres"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never log
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// ClaimTTL is how long a pending claim blocks other claims. Empty means one
	// poll interval.
	ClaimTTL string `json:"claim_ttl,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

// MaintenanceConfig schedules stale-claim sweeps and committed-record pruning.
// Schedule is a cron expression (seconds optional), a descriptor like
// "@hourly", an HH:MM interval or a duration; "off" disables maintenance.
type MaintenanceConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"` // "0s" keeps committed records forever
}

type PollConfig struct {
	Interval        string `json:"interval"`
	ShutdownGrace   string `json:"shutdown_grace,omitempty"`
	RateLimitBudget string `json:"rate_limit_budget,omitempty"`
}

type HealthConfig struct {
	Addr string `json:"addr,omitempty"`
	// Pprof mounts the runtime profiler under /debug/pprof on the health listener.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at or above min_level to the destination.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerMin int    `json:"rate_per_min"`
	Burst      int    `json:"burst"`
}

// Default returns the configuration used when neither the file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Mode:     "combined",
		Timezone: "UTC",
		Gmail: GmailConfig{
			User:          "me",
			MaxResults:    10,
			FullBody:      true,
			RatePerSec:    5,
			RateLimitHold: "30s",
		},
		Auth: AuthConfig{
			TokenURL:      "https://oauth2.googleapis.com/token",
			RefreshMargin: "5m",
		},
		Destination: DestinationConfig{
			Kind: "slack",
			Slack: SlackConfig{
				Channel:  "#forth-alerts",
				Username: "Gmail Monitor",
			},
			Timeout:    "10s",
			RatePerSec: 1,
			Retry: RetryConfig{
				MaxAttempts: 4,
				Base:        "1s",
				MaxDelay:    "30s",
			},
		},
		Ledger: LedgerConfig{
			Driver:      "sqlite",
			Path:        "./state.db",
			BusyTimeout: "5s",
			Maintenance: MaintenanceConfig{
				Schedule:  "@hourly",
				Retention: "0s",
			},
		},
		Poll: PollConfig{
			Interval:        "60s",
			ShutdownGrace:   "15s",
			RateLimitBudget: "10s",
		},
		Health: HealthConfig{Addr: "0.0.0.0:10000"},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alert: LoggingAlert{
				MinLevel:   "error",
				RatePerMin: 6,
				Burst:      3,
			},
		},
	}
}
