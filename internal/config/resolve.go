package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Resolved is the validated, typed view of a Config that the rest of
// the program consumes. All durations are parsed and all paths are
// absolute.
type Resolved struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration

	DBPath        string
	PollInterval  time.Duration
	RetryCeiling  int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	ProbeInterval time.Duration
	Debounce      time.Duration
	Websocket     bool

	SpoolEnabled bool
	SpoolDir     string

	LogLevel  string
	LogFormat string
}

// Resolve validates cfg and fills in derived defaults (database and
// spool locations under the state dir). Validation errors name the
// offending key so the user can fix the file.
func Resolve(cfg Config) (*Resolved, error) {
	r := &Resolved{
		BaseURL:      cfg.API.BaseURL,
		Token:        cfg.API.Token,
		RetryCeiling: cfg.Sync.RetryCeiling,
		Websocket:    cfg.Sync.Websocket,
		SpoolEnabled: cfg.Spool.Enabled,
		LogLevel:     cfg.Logging.Level,
		LogFormat:    cfg.Logging.Format,
	}

	if _, err := url.ParseRequestURI(cfg.API.BaseURL); err != nil {
		return nil, fmt.Errorf("config: api.base_url %q is not a valid URL: %w", cfg.API.BaseURL, err)
	}

	if r.RetryCeiling < 1 {
		return nil, fmt.Errorf("config: sync.retry_ceiling must be at least 1, got %d", r.RetryCeiling)
	}

	durations := []struct {
		dst *time.Duration
		key string
		val string
		min time.Duration
	}{
		{&r.RequestTimeout, "api.request_timeout", cfg.API.RequestTimeout, time.Second},
		{&r.PollInterval, "sync.poll_interval", cfg.Sync.PollInterval, time.Second},
		{&r.BaseBackoff, "sync.base_backoff", cfg.Sync.BaseBackoff, 100 * time.Millisecond},
		{&r.MaxBackoff, "sync.max_backoff", cfg.Sync.MaxBackoff, time.Second},
		{&r.ProbeInterval, "sync.probe_interval", cfg.Sync.ProbeInterval, time.Second},
		{&r.Debounce, "sync.debounce", cfg.Sync.Debounce, 100 * time.Millisecond},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.val)
		if err != nil {
			return nil, fmt.Errorf("config: %s %q is not a duration: %w", d.key, d.val, err)
		}

		if parsed < d.min {
			return nil, fmt.Errorf("config: %s must be at least %s, got %s", d.key, d.min, parsed)
		}

		*d.dst = parsed
	}

	if r.MaxBackoff < r.BaseBackoff {
		return nil, fmt.Errorf("config: sync.max_backoff (%s) must not be below sync.base_backoff (%s)",
			r.MaxBackoff, r.BaseBackoff)
	}

	switch r.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: logging.level %q (want debug, info, warn, or error)", r.LogLevel)
	}

	switch r.LogFormat {
	case "auto", "text", "json":
	default:
		return nil, fmt.Errorf("config: logging.format %q (want auto, text, or json)", r.LogFormat)
	}

	stateDir, err := DefaultStateDir()
	if err != nil {
		return nil, err
	}

	r.DBPath = cfg.Sync.DBPath
	if r.DBPath == "" {
		r.DBPath = filepath.Join(stateDir, "outbox.db")
	}

	r.SpoolDir = cfg.Spool.Dir
	if r.SpoolEnabled && r.SpoolDir == "" {
		r.SpoolDir = filepath.Join(stateDir, "spool")
	}

	return r, nil
}
