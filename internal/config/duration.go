package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNegativeDuration = errors.New("duration must be >= 0")
	ErrZeroDuration     = errors.New("duration must be > 0")
)

// FieldError reports a config value that could not be used. Path is the
// dotted key as it appears in the config file.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return e.Path + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// durations resolves a run of duration fields, keeping the first error.
type durations struct {
	err error
}

// positive parses raw into dst. Empty means def and zero is rejected.
func (p *durations) positive(dst *time.Duration, path, raw string, def time.Duration) {
	d, set := p.parse(path, raw)
	switch {
	case p.err != nil:
	case !set:
		*dst = def
	case d == 0:
		p.err = &FieldError{Path: path, Value: raw, Err: ErrZeroDuration}
	default:
		*dst = d
	}
}

// optional parses raw into dst. Empty means def and zero is kept, for
// fields where zero turns the feature off.
func (p *durations) optional(dst *time.Duration, path, raw string, def time.Duration) {
	d, set := p.parse(path, raw)
	switch {
	case p.err != nil:
	case !set:
		*dst = def
	default:
		*dst = d
	}
}

func (p *durations) parse(path, raw string) (time.Duration, bool) {
	if p.err != nil {
		return 0, false
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.err = &FieldError{Path: path, Value: raw, Err: err}
		return 0, false
	}
	if d < 0 {
		p.err = &FieldError{Path: path, Value: raw, Err: ErrNegativeDuration}
		return 0, false
	}
	return d, true
}
