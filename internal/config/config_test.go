package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("")
	m.SetLookup(envMap(nil))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Mode != "combined" || cfg.Health.Addr != "0.0.0.0:10000" || !cfg.Gmail.FullBody {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Destination.Slack.Channel != "#forth-alerts" || cfg.Destination.Slack.Username != "Gmail Monitor" {
		t.Fatalf("unexpected slack defaults: %+v", cfg.Destination.Slack)
	}
}

func TestParseYAMLThenEnvOverlay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "mailrelay.yaml", `
mode: poll
timezone: Asia/Jakarta
gmail:
  query: "from:billing@example.com"
  full_body: false
poll:
  interval: 30s
ledger:
  driver: file
  path: ./ledger
`)
	m := NewConfigManager(path)
	m.SetLookup(envMap(map[string]string{
		"GMAIL_QUERY":           "label:alerts is:unread",
		"POLL_INTERVAL_SECONDS": "45",
		"MODE":                  "Worker",
		"PORT":                  "8080",
		"RETURN_FULL_BODY":      "true",
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gmail.Query != "label:alerts is:unread" {
		t.Fatalf("env should override query, got %q", cfg.Gmail.Query)
	}
	if cfg.Poll.Interval != "45s" {
		t.Fatalf("interval=%q", cfg.Poll.Interval)
	}
	if cfg.Mode != "poll" {
		t.Fatalf("worker alias should normalize to poll, got %q", cfg.Mode)
	}
	if cfg.Health.Addr != "0.0.0.0:8080" {
		t.Fatalf("addr=%q", cfg.Health.Addr)
	}
	if !cfg.Gmail.FullBody {
		t.Fatalf("RETURN_FULL_BODY should win")
	}
	if cfg.Ledger.Driver != "file" || cfg.Ledger.Path != "./ledger" {
		t.Fatalf("ledger from file lost: %+v", cfg.Ledger)
	}
	// Untouched defaults survive a partial file.
	if cfg.Destination.Retry.MaxAttempts != 4 {
		t.Fatalf("retry default lost: %+v", cfg.Destination.Retry)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "c.json", `{"gmail":{"query":"x","bogus":1}}`)
	m := NewConfigManager(path)
	m.SetLookup(envMap(nil))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "c.json", `{"mode":"poll"}{"mode":"serve"}`)
	m := NewConfigManager(path)
	m.SetLookup(envMap(nil))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"POLL_INTERVAL_SECONDS": "soon",
		"RETURN_FULL_BODY":      "maybe",
		"PORT":                  "99999",
		"TELEGRAM_CHAT_ID":      "abc",
	}
	for k, v := range cases {
		cfg := Default()
		if err := ApplyEnv(cfg, envMap(map[string]string{k: v})); err == nil {
			t.Fatalf("%s=%s: expected error", k, v)
		}
	}
}

func validRelayConfig() *Config {
	cfg := Default()
	cfg.Gmail.Query = "is:unread"
	cfg.Auth.ClientID = "id"
	cfg.Auth.ClientSecret = "secret"
	cfg.Auth.RefreshToken = "refresh"
	cfg.Destination.Slack.WebhookURL = "https://hooks.slack.com/services/T/B/X"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing query", mutate: func(c *Config) { c.Gmail.Query = "" }, wantErr: "gmail.query"},
		{name: "missing refresh token", mutate: func(c *Config) { c.Auth.RefreshToken = "" }, wantErr: "refresh_token"},
		{name: "token file is enough", mutate: func(c *Config) { c.Auth.RefreshToken = ""; c.Auth.TokenFile = "token.json" }},
		{name: "missing webhook", mutate: func(c *Config) { c.Destination.Slack.WebhookURL = "" }, wantErr: "webhook_url"},
		{name: "telegram needs chat", mutate: func(c *Config) { c.Destination.Kind = "telegram"; c.Destination.Telegram.Token = "t" }, wantErr: "chat_id"},
		{name: "bad kind", mutate: func(c *Config) { c.Destination.Kind = "email" }, wantErr: "Kind"},
		{name: "bad driver", mutate: func(c *Config) { c.Ledger.Driver = "redis" }, wantErr: "Driver"},
		{name: "postgres needs dsn", mutate: func(c *Config) { c.Ledger.Driver = "postgres" }, wantErr: "ledger.dsn"},
		{name: "bad duration", mutate: func(c *Config) { c.Poll.Interval = "soon" }, wantErr: "poll.interval"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "serve needs no gmail", mutate: func(c *Config) {
			c.Mode = "serve"
			c.Gmail.Query = ""
			c.Auth = AuthConfig{}
			c.Destination.Slack.WebhookURL = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validRelayConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	cfg := validRelayConfig()
	cfg.Timezone = "Not/AZone"
	cfg.Poll.Interval = "2m"
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Location != time.UTC || !s.TimezoneFallback {
		t.Fatalf("unknown tz should fall back to UTC")
	}
	if s.PollInterval != 2*time.Minute || s.ClaimTTL != 2*time.Minute {
		t.Fatalf("claim ttl should default to interval: %+v", s)
	}
	if s.RefreshMargin != 5*time.Minute || s.RetryBase != time.Second || s.RetryMaxDelay != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.Retention != 0 {
		t.Fatalf("retention should stay disabled, got %v", s.Retention)
	}

	cfg.Timezone = "America/New_York"
	s, err = Resolve(cfg)
	if err != nil || s.Location.String() != "America/New_York" || s.TimezoneFallback {
		t.Fatalf("tz not loaded: %v %+v", err, s)
	}
}

func TestResolveDurationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(c *Config)
		path   string
		want   error
	}{
		{name: "zero interval", mutate: func(c *Config) { c.Poll.Interval = "0s" }, path: "poll.interval", want: ErrZeroDuration},
		{name: "negative grace", mutate: func(c *Config) { c.Poll.ShutdownGrace = "-1s" }, path: "poll.shutdown_grace", want: ErrNegativeDuration},
		{name: "zero claim ttl", mutate: func(c *Config) { c.Ledger.ClaimTTL = "0" }, path: "ledger.claim_ttl", want: ErrZeroDuration},
		{name: "unparsable retention", mutate: func(c *Config) { c.Ledger.Maintenance.Retention = "a week" }, path: "ledger.maintenance.retention"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validRelayConfig()
			tc.mutate(cfg)
			_, err := Resolve(cfg)
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FieldError, got %v", err)
			}
			if fe.Path != tc.path {
				t.Fatalf("path=%q want %q", fe.Path, tc.path)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveKeepsZeroWhereItDisables(t *testing.T) {
	t.Parallel()

	cfg := validRelayConfig()
	cfg.Poll.RateLimitBudget = "0s"
	cfg.Ledger.Maintenance.Retention = "0s"
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.RateLimitBudget != 0 || s.Retention != 0 {
		t.Fatalf("zero should be kept: budget=%v retention=%v", s.RateLimitBudget, s.Retention)
	}

	cfg.Poll.RateLimitBudget = ""
	if s, err = Resolve(cfg); err != nil || s.RateLimitBudget != 10*time.Second {
		t.Fatalf("empty budget should default: %v %v", err, s)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mailrelay.json", `{"gmail":{"query":"a"}}`)

	m := NewConfigManager(path)
	m.SetLookup(envMap(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Gmail.Query == "reject" {
			return context.Canceled
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "mailrelay.json", `{"gmail":{"query":"reject"}}`)
	time.Sleep(600 * time.Millisecond)
	writeFile(t, dir, "mailrelay.json", `{"gmail":{"query":"b"}}`)

	select {
	case cfg := <-ch:
		if cfg.Gmail.Query != "b" {
			t.Fatalf("expected query b, got %q", cfg.Gmail.Query)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if got := m.Get().Gmail.Query; got != "b" {
		t.Fatalf("committed query=%q", got)
	}

	cancel()
	<-done
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := validRelayConfig()
	b := validRelayConfig()
	b.Poll.Interval = "30s"
	b.Destination.Slack.WebhookURL = "https://hooks.slack.com/services/other"

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "destination,poll" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "destination" {
		t.Fatalf("restart required=%v", got)
	}
}
