package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Variable names follow the
// legacy deployment so existing .env files keep working.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	if v, ok := get("MODE"); ok {
		cfg.Mode = strings.ToLower(v)
	}
	str("TIMEZONE", &cfg.Timezone)

	str("GMAIL_QUERY", &cfg.Gmail.Query)
	if v, ok := get("GMAIL_MAX_RESULTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GMAIL_MAX_RESULTS: %w", err)
		}
		cfg.Gmail.MaxResults = n
	}
	if v, ok := get("RETURN_FULL_BODY"); ok {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("RETURN_FULL_BODY: %w", err)
		}
		cfg.Gmail.FullBody = b
	}

	str("GOOGLE_CLIENT_ID", &cfg.Auth.ClientID)
	str("GOOGLE_CLIENT_SECRET", &cfg.Auth.ClientSecret)
	str("GOOGLE_CLIENT_SECRET_FILE", &cfg.Auth.ClientSecretFile)
	str("GOOGLE_REFRESH_TOKEN", &cfg.Auth.RefreshToken)
	str("GOOGLE_TOKEN_FILE", &cfg.Auth.TokenFile)

	str("DESTINATION", &cfg.Destination.Kind)
	str("SLACK_WEBHOOK_URL", &cfg.Destination.Slack.WebhookURL)
	str("SLACK_CHANNEL", &cfg.Destination.Slack.Channel)
	str("SLACK_USERNAME", &cfg.Destination.Slack.Username)
	str("TELEGRAM_BOT_TOKEN", &cfg.Destination.Telegram.Token)
	if v, ok := get("TELEGRAM_CHAT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Destination.Telegram.ChatID = id
	}

	if v, ok := get("POLL_INTERVAL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.Poll.Interval = strconv.Itoa(n) + "s"
	}

	str("LEDGER_DRIVER", &cfg.Ledger.Driver)
	str("STATE_DB", &cfg.Ledger.Path)
	str("DATABASE_URL", &cfg.Ledger.DSN)

	if v, ok := get("PORT"); ok {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Health.Addr = withPort(cfg.Health.Addr, v)
	}

	str("LOG_LEVEL", &cfg.Logging.Level)
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// withPort replaces the port of host:port, keeping the host.
func withPort(addr, port string) string {
	host := "0.0.0.0"
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	} else if addr != "" {
		host = addr
	}
	return host + ":" + port
}
