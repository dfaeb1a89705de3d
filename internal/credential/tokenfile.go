package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tokenFile is the on-disk token. It reads both its own format and the
// "authorized_user" JSON written by google-auth ("token" instead of
// "access_token", client id/secret inline, naive UTC expiry).
type tokenFile struct {
	AccessToken  string   `json:"access_token,omitempty"`
	Token        string   `json:"token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURI     string   `json:"token_uri,omitempty"`
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseExpiry(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (f *tokenFile) credential() Credential {
	c := Credential{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		TokenType:    f.TokenType,
		Expiry:       parseExpiry(f.Expiry),
		Scope:        f.Scope,
	}
	if c.AccessToken == "" {
		c.AccessToken = f.Token
	}
	if c.Scope == "" && len(f.Scopes) > 0 {
		c.Scope = strings.Join(f.Scopes, " ")
	}
	if c.TokenType == "" && c.AccessToken != "" {
		c.TokenType = "Bearer"
	}
	return c
}

func fromCredential(c Credential) *tokenFile {
	tf := &tokenFile{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Scope:        c.Scope,
	}
	if !c.Expiry.IsZero() {
		tf.Expiry = c.Expiry.UTC().Format(time.RFC3339)
	}
	return tf
}

func readTokenFile(path string) (*tokenFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &tf, nil
}

// writeTokenFile replaces path atomically (tmp + rename) with mode 0600.
func writeTokenFile(path string, tf *tokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
