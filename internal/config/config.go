// Package config implements TOML configuration loading, validation, and
// path resolution for fieldsync. Overrides apply in layers: built-in
// defaults, then the config file, then FIELDSYNC_* environment
// variables, then CLI flags — later layers always win.
package config

// Config is the top-level structure parsed from the TOML file.
// Durations are strings ("30s", "1m") parsed during resolution.
type Config struct {
	API     APIConfig     `toml:"api"`
	Sync    SyncConfig    `toml:"sync"`
	Spool   SpoolConfig   `toml:"spool"`
	Logging LoggingConfig `toml:"logging"`
}

// APIConfig describes the relief backend.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	RequestTimeout string `toml:"request_timeout"`
}

// SyncConfig controls the replay engine and connectivity monitor.
type SyncConfig struct {
	DBPath        string `toml:"db_path"`
	PollInterval  string `toml:"poll_interval"`
	RetryCeiling  int    `toml:"retry_ceiling"`
	BaseBackoff   string `toml:"base_backoff"`
	MaxBackoff    string `toml:"max_backoff"`
	ProbeInterval string `toml:"probe_interval"`
	Debounce      string `toml:"debounce"`
	Websocket     bool   `toml:"websocket"`
}

// SpoolConfig controls form-submission ingestion.
type SpoolConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // auto, text, json
}
