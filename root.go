package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE; available to all subcommands.
var resolvedCfg *config.Resolved

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first mutation outbox for the relief field client",
		Long: "fieldsync queues incident, assessment, and response mutations while\n" +
			"offline and replays them against the relief backend when connectivity\n" +
			"returns, with optimistic local state and automatic retry.",
		Version: version,
		// Silence cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the effective configuration and stores it in
// resolvedCfg for use by subcommands.
func loadConfig() error {
	cfg, err := config.Load(flagConfigPath, buildLogger())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolved, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger from config and CLI flags. The
// config level is the baseline; --verbose and --quiet win. Format
// "auto" picks text on a terminal and JSON otherwise, so piped output
// stays machine-readable.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = resolvedCfg.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := format == "json" ||
		(format == "auto" && !isatty.IsTerminal(os.Stderr.Fd()))

	if useJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// apiHTTPClient returns an HTTP client with the configured per-request
// timeout. Prevents a hung connection from stalling the drain loop.
func apiHTTPClient() *http.Client {
	return &http.Client{Timeout: resolvedCfg.RequestTimeout}
}
