package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath returns the platform config file location,
// typically ~/.config/fieldsync/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}

	return filepath.Join(dir, "fieldsync", "config.toml"), nil
}

// DefaultStateDir returns the directory for the outbox database and
// spool, typically ~/.local/share/fieldsync.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home dir: %w", err)
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "fieldsync"), nil
	}

	return filepath.Join(home, ".local", "share", "fieldsync"), nil
}

// Load reads the config file at path (or the default location when path
// is empty), layered over the built-in defaults. A missing file is not
// an error — defaults apply. Unknown keys are reported as warnings so
// typos don't silently disable settings.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := Default()

	explicit := path != ""

	if path == "" {
		var err error

		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, err
		}
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no config file, using defaults", slog.String("path", path))
			applyEnvOverrides(&cfg)

			return cfg, nil
		}

		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	for _, key := range meta.Undecoded() {
		logger.Warn("unknown config key ignored", slog.String("key", key.String()))
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// applyEnvOverrides layers FIELDSYNC_* environment variables over the
// file values. Only settings that make sense per-invocation are
// exposed; notably the token, so it can stay out of the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FIELDSYNC_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}

	if v := os.Getenv("FIELDSYNC_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}

	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Sync.DBPath = v
	}

	if v := os.Getenv("FIELDSYNC_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
		cfg.Spool.Enabled = true
	}

	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
