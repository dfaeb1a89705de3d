package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"

	logx "mailrelay/pkg/logx"
)

var (
	// ErrCredentialUnavailable means there is no refresh token and no usable
	// cached access token.
	ErrCredentialUnavailable = errors.New("credential unavailable")
	// ErrCredentialRefreshFailed means the token endpoint rejected the refresh
	// token (revoked, expired, wrong client).
	ErrCredentialRefreshFailed = errors.New("credential refresh failed")
)

// DefaultMargin is the minimum remaining lifetime of a handed-out credential.
const DefaultMargin = 5 * time.Minute

// Credential is an OAuth token pair.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scope        string
}

// Token converts c for use with oauth2 helpers.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// Options configures a Store.
type Options struct {
	ClientID         string
	ClientSecret     string
	ClientSecretFile string // installed-app client_secret.json
	RefreshToken     string
	TokenFile        string
	TokenURL         string
	Scopes           []string

	Margin     time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
	Log        logx.Logger
}

// Status is a read-only view for health output.
type Status struct {
	HasRefreshToken bool      `json:"has_refresh_token"`
	Expiry          time.Time `json:"expiry,omitzero"`
	Refreshes       int64     `json:"refreshes"`
	LastRefreshAt   time.Time `json:"last_refresh_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
}

// Store hands out valid credentials and refreshes them when they are within
// the safety margin of expiring. Safe for concurrent use; concurrent callers
// that need a refresh share a single token endpoint round trip.
type Store struct {
	oauth      *oauth2.Config
	tokenFile  string
	fileClient bool // client id/secret came from the token file
	margin     time.Duration
	now        func() time.Time
	httpClient *http.Client
	log        logx.Logger

	mu     sync.Mutex
	cur    Credential
	stale  bool
	status Status
}

// NewStore builds a Store from opts. It fails with ErrCredentialUnavailable
// when neither a refresh token nor a cached access token is available.
func NewStore(opts Options) (*Store, error) {
	s := &Store{
		tokenFile:  strings.TrimSpace(opts.TokenFile),
		margin:     opts.Margin,
		now:        opts.Now,
		httpClient: opts.HTTPClient,
		log:        opts.Log,
	}
	if s.margin <= 0 {
		s.margin = DefaultMargin
	}
	if s.now == nil {
		s.now = time.Now
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{gmailv1.GmailReadonlyScope}
	}

	var cached *tokenFile
	if s.tokenFile != "" {
		tf, err := readTokenFile(s.tokenFile)
		switch {
		case err == nil:
			cached = tf
		case errors.Is(err, os.ErrNotExist):
			s.log.Debug("token file not found; relying on configured refresh token", logx.String("path", s.tokenFile))
		default:
			return nil, fmt.Errorf("read token file: %w", err)
		}
	}

	oc, err := oauthConfig(opts, cached, scopes)
	if err != nil {
		return nil, err
	}
	s.oauth = oc
	s.fileClient = cached != nil && opts.ClientID == "" && opts.ClientSecretFile == "" && cached.ClientID != ""

	if cached != nil {
		s.cur = cached.credential()
	}
	// explicitly configured refresh token wins over the cached one
	if rt := strings.TrimSpace(opts.RefreshToken); rt != "" {
		if s.cur.RefreshToken != "" && s.cur.RefreshToken != rt {
			// cached access token belongs to another grant
			s.cur = Credential{}
		}
		s.cur.RefreshToken = rt
	}

	if s.cur.RefreshToken == "" && !s.usableLocked() {
		return nil, ErrCredentialUnavailable
	}
	s.status.HasRefreshToken = s.cur.RefreshToken != ""
	s.status.Expiry = s.cur.Expiry
	return s, nil
}

func oauthConfig(opts Options, cached *tokenFile, scopes []string) (*oauth2.Config, error) {
	var oc *oauth2.Config
	if p := strings.TrimSpace(opts.ClientSecretFile); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read client secret file: %w", err)
		}
		oc, err = google.ConfigFromJSON(b, scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse oauth config: %w", err)
		}
	} else {
		oc = &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		}
		if oc.ClientID == "" && cached != nil {
			oc.ClientID = cached.ClientID
			oc.ClientSecret = cached.ClientSecret
		}
	}
	if u := strings.TrimSpace(opts.TokenURL); u != "" {
		oc.Endpoint.TokenURL = u
	}
	if oc.ClientID == "" {
		return nil, fmt.Errorf("%w: oauth client id is not configured", ErrCredentialUnavailable)
	}
	return oc, nil
}

// usableLocked reports whether the cached access token can be handed out.
func (s *Store) usableLocked() bool {
	if s.stale || s.cur.AccessToken == "" || s.cur.Expiry.IsZero() {
		return false
	}
	return s.cur.Expiry.Sub(s.now()) > s.margin
}

// Get returns a credential valid for longer than the margin, refreshing first
// when needed.
func (s *Store) Get(ctx context.Context) (Credential, error) {
	return s.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token unless the
// cached one is still valid beyond the margin. Calling it repeatedly while
// the credential is valid performs no network I/O.
func (s *Store) Refresh(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usableLocked() {
		return s.cur, nil
	}
	return s.refreshLocked(ctx)
}

// Invalidate marks the cached access token stale so the next Get refreshes.
// Used after the API rejected a token it should have accepted.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *Store) refreshLocked(ctx context.Context) (Credential, error) {
	if s.cur.RefreshToken == "" {
		return Credential{}, ErrCredentialUnavailable
	}
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	start := s.now()
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: s.cur.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.Response == nil || re.Response.StatusCode < 500) {
			err = fmt.Errorf("%w: %w", ErrCredentialRefreshFailed, err)
			s.log.Error("oauth refresh rejected", logx.String("error_code", re.ErrorCode), logx.Err(err))
		} else {
			err = fmt.Errorf("refresh access token: %w", err)
			s.log.Warn("oauth refresh failed", logx.Err(err))
		}
		s.status.LastError = err.Error()
		return Credential{}, err
	}

	next := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: s.cur.RefreshToken, // immutable once obtained
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scope:        s.cur.Scope,
	}
	if sc, ok := tok.Extra("scope").(string); ok && sc != "" {
		next.Scope = sc
	}
	if next.Expiry.IsZero() {
		// endpoint omitted expires_in; assume Google's default lifetime
		next.Expiry = start.Add(time.Hour)
	}

	s.cur = next
	s.stale = false
	s.status.Refreshes++
	s.status.LastRefreshAt = start
	s.status.Expiry = next.Expiry
	s.status.LastError = ""
	s.log.Debug("access token refreshed", logx.Time("expiry", next.Expiry))

	if err := s.persistLocked(next); err != nil {
		s.log.Warn("persist token failed", logx.String("path", s.tokenFile), logx.Err(err))
	}
	return next, nil
}

// Persist writes c to the token file (no-op without one).
func (s *Store) Persist(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(c)
}

func (s *Store) persistLocked(c Credential) error {
	if s.tokenFile == "" {
		return nil
	}
	tf := fromCredential(c)
	if s.fileClient {
		tf.ClientID = s.oauth.ClientID
		tf.ClientSecret = s.oauth.ClientSecret
	}
	return writeTokenFile(s.tokenFile, tf)
}

// Status returns a snapshot for health output.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
