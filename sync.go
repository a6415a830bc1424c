package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reliefops/fieldsync/internal/api"
	"github.com/reliefops/fieldsync/internal/connectivity"
	"github.com/reliefops/fieldsync/internal/outbox"
	"github.com/reliefops/fieldsync/internal/spool"
)

// newSyncCmd builds the sync command: a single drain pass by default,
// or a long-running watch loop with --watch.
func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued mutations to the backend",
		Long: "Drains the outbox against the relief backend. Without flags, runs a\n" +
			"single pass and exits. With --watch, keeps running: drains whenever\n" +
			"connectivity returns, on a poll interval, and on server wake signals.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			if watch {
				return runSyncWatch(cmd.Context(), logger)
			}

			return runSyncOnce(cmd.Context(), logger)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and drain on connectivity changes")

	return cmd
}

// runSyncOnce performs a single drain pass.
func runSyncOnce(ctx context.Context, logger *slog.Logger) error {
	svc, err := openServices(logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.queue.Recover(ctx); err != nil {
		return err
	}

	if !svc.client.Healthy(ctx) {
		return fmt.Errorf("backend unreachable at %s — mutations stay queued", resolvedCfg.BaseURL)
	}

	engine := svc.newEngine(staticOnline{}, nil)

	report, err := engine.DrainOnce(ctx)
	if err != nil {
		return err
	}

	statusf("synced %d, rescheduled %d, failed %d\n",
		report.Synced, report.Requeued, report.Failed)

	if report.Failed > 0 {
		return fmt.Errorf("%d mutation(s) failed permanently — run 'fieldsync queue list --status failed'", report.Failed)
	}

	return nil
}

// runSyncWatch runs the full watch stack: connectivity monitor, replay
// engine, optional spool watcher and websocket wake listener, all under
// one errgroup until SIGINT/SIGTERM.
func runSyncWatch(parent context.Context, logger *slog.Logger) error {
	svc, err := openServices(logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	// One watcher per outbox: the PID file lives next to the database.
	pidPath := filepath.Join(filepath.Dir(resolvedCfg.DBPath), "fieldsync.pid")

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(parent, logger)

	if err := svc.queue.Recover(ctx); err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(
		func(ctx context.Context) bool { return svc.client.Healthy(ctx) },
		resolvedCfg.ProbeInterval,
		resolvedCfg.Debounce,
		logger,
	)

	var wake <-chan struct{}

	g, gctx := errgroup.WithContext(ctx)

	if resolvedCfg.Websocket {
		listener := api.NewWakeListener(resolvedCfg.BaseURL, resolvedCfg.Token, logger)
		wake = listener.Wake()

		g.Go(func() error { return listener.Run(gctx) })
	}

	engine := svc.newEngine(monitor, wake)

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { reportAttention(gctx, engine, logger); return nil })

	if resolvedCfg.SpoolEnabled {
		watcher := spool.NewWatcher(resolvedCfg.SpoolDir, svc.queue, svc.projector, logger)

		g.Go(func() error { return watcher.Run(gctx) })
	}

	logger.Info("watch mode started",
		slog.String("backend", resolvedCfg.BaseURL),
		slog.String("db", resolvedCfg.DBPath),
		slog.Bool("spool", resolvedCfg.SpoolEnabled),
		slog.Bool("websocket", resolvedCfg.Websocket),
	)

	return g.Wait()
}

// reportAttention surfaces terminally failed entries to the operator
// until the context is canceled.
func reportAttention(ctx context.Context, engine *outbox.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-engine.Attention():
			statusf("sync failed for %s %s (%s): %s — retry or roll back with 'fieldsync queue'\n",
				entry.EntityType, entry.EntityID, entry.ID, entry.ErrorMsg)

			logger.Error("entry requires manual attention",
				slog.String("id", entry.ID),
				slog.String("entity", entry.EntityKey()),
				slog.String("error", entry.ErrorMsg),
			)
		}
	}
}
