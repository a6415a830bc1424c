package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reliefops/fieldsync/internal/api"
	"github.com/reliefops/fieldsync/internal/connectivity"
	"github.com/reliefops/fieldsync/internal/outbox"
)

// services bundles the wired components every subcommand needs. All
// dependencies are constructed here and injected explicitly — no
// package-level singletons.
type services struct {
	store     *outbox.Store
	queue     *outbox.Queue
	projector *outbox.Projector
	client    *api.Client
	logger    *slog.Logger
}

// openServices constructs the store, queue, projector, and API client
// from the resolved config. The caller must Close() when done.
func openServices(logger *slog.Logger) (*services, error) {
	if err := os.MkdirAll(filepath.Dir(resolvedCfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	store, err := outbox.OpenStore(resolvedCfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	return &services{
		store:     store,
		queue:     outbox.NewQueue(store, logger),
		projector: outbox.NewProjector(store, logger),
		client:    api.NewClient(resolvedCfg.BaseURL, resolvedCfg.Token, apiHTTPClient(), logger),
		logger:    logger,
	}, nil
}

// Close releases the store.
func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", slog.String("error", err.Error()))
	}
}

// newEngine wires a replay engine over the services with the given
// connectivity source and optional wake channel.
func (s *services) newEngine(monitor outbox.ConnectivitySource, wake <-chan struct{}) *outbox.Engine {
	return outbox.NewEngine(outbox.EngineConfig{
		Queue:        s.queue,
		Projector:    s.projector,
		Sender:       apiSender{client: s.client},
		Monitor:      monitor,
		Backoff:      outbox.NewBackoff(resolvedCfg.BaseBackoff, resolvedCfg.MaxBackoff),
		RetryCeiling: resolvedCfg.RetryCeiling,
		PollInterval: resolvedCfg.PollInterval,
		Wake:         wake,
		Logger:       s.logger,
	})
}

// apiSender adapts the API client to the engine's Sender interface.
type apiSender struct {
	client *api.Client
}

func (s apiSender) Send(ctx context.Context, e *outbox.Entry) (json.RawMessage, error) {
	return s.client.SendMutation(ctx, e.Operation.String(), e.EntityType, e.EntityID, e.Payload)
}

// staticOnline satisfies ConnectivitySource for one-shot drains, where
// reachability was already probed before the pass started.
type staticOnline struct{}

func (staticOnline) IsOnline() bool { return true }

func (staticOnline) Events() <-chan connectivity.Event { return nil }
