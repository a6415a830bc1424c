package config

// Default returns the built-in configuration. Every field the resolver
// reads has a value here, so a missing config file still yields a
// working setup (pointing at localhost for development).
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://localhost:3000",
			RequestTimeout: "30s",
		},
		Sync: SyncConfig{
			PollInterval:  "30s",
			RetryCeiling:  3,
			BaseBackoff:   "1s",
			MaxBackoff:    "30s",
			ProbeInterval: "15s",
			Debounce:      "1s",
			Websocket:     false,
		},
		Spool: SpoolConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
