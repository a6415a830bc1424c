package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reliefops/fieldsync/internal/connectivity"
)

// DefaultPollInterval is the drain cadence while online, matching the
// polling intervals used elsewhere in the field client.
const DefaultPollInterval = 30 * time.Second

const attentionBufferSize = 64

// Sender transmits one queued mutation to the backend and returns the
// server's authoritative entity value. Defined at the consumer per Go
// convention; internal/api provides the real implementation.
type Sender interface {
	Send(ctx context.Context, entry *Entry) (json.RawMessage, error)
}

// ConnectivitySource is the subset of the connectivity monitor the
// engine needs. Tests inject fakes.
type ConnectivitySource interface {
	IsOnline() bool
	Events() <-chan connectivity.Event
}

// permanentError is implemented by failures that retries cannot fix
// (api.Error for non-retryable status codes).
type permanentError interface {
	Permanent() bool
}

// EngineConfig holds the injected dependencies for a replay engine.
type EngineConfig struct {
	Queue     *Queue
	Projector *Projector
	Sender    Sender
	Monitor   ConnectivitySource

	Backoff      Backoff
	RetryCeiling int           // defaults to DefaultRetryCeiling
	PollInterval time.Duration // defaults to DefaultPollInterval

	// Wake, when non-nil, triggers an immediate drain (server push).
	Wake <-chan struct{}

	Logger *slog.Logger
}

// Engine drives queued entries to completion when connectivity allows.
// Per entry: pending → syncing → {synced | pending (retry) | failed}.
// Sends are sequential; per-entity serialization follows from the
// queue's single-syncing invariant. All failures become status
// transitions — no error crosses the engine boundary into the UI.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	attention chan Entry

	nowFunc func() time.Time // injectable for testing
}

// NewEngine creates a replay engine. Zero config values fall back to
// defaults.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = NewBackoff(0, 0)
	}

	return &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		attention: make(chan Entry, attentionBufferSize),
		nowFunc:   time.Now,
	}
}

// Attention returns the stream of terminally failed entries requiring
// manual retry or rollback.
func (en *Engine) Attention() <-chan Entry {
	return en.attention
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Synced   int
	Requeued int
	Failed   int
}

// DrainOnce processes eligible entries until none remain, connectivity
// drops, or the context is canceled.
func (en *Engine) DrainOnce(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if !en.cfg.Monitor.IsOnline() {
			en.logger.Debug("drain halted: offline")
			return report, nil
		}

		entry, err := en.cfg.Queue.DequeueNext(ctx)
		if err != nil {
			return report, err
		}

		if entry == nil {
			return report, nil
		}

		en.processEntry(ctx, entry, &report)
	}
}

// Run is the watch-mode loop: drains on online transitions, on the
// poll ticker while online, and on wake signals. Returns when the
// context is canceled.
func (en *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(en.cfg.PollInterval)
	defer ticker.Stop()

	// A nil Wake channel blocks forever in select, which is exactly
	// the behavior wanted when no wake source is configured.
	wake := en.cfg.Wake

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-en.cfg.Monitor.Events():
			if !ev.Online {
				continue
			}

			en.drainLogged(ctx, "online transition")

		case <-ticker.C:
			// Reclaim entries stranded in syncing (e.g. a transition
			// write failed after the send) so an entity does not stay
			// blocked until the next process restart.
			if err := en.cfg.Queue.Recover(ctx); err != nil {
				en.logger.Warn("stale entry reclaim failed",
					slog.String("error", err.Error()))
			}

			if !en.cfg.Monitor.IsOnline() {
				continue
			}

			en.drainLogged(ctx, "poll")

		case <-wake:
			if !en.cfg.Monitor.IsOnline() {
				continue
			}

			en.drainLogged(ctx, "wake signal")
		}
	}
}

// drainLogged runs one drain pass and logs the outcome. Errors are
// store-level; they are logged and the next trigger retries.
func (en *Engine) drainLogged(ctx context.Context, trigger string) {
	report, err := en.DrainOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		en.logger.Error("drain pass failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)

		return
	}

	if report.Synced+report.Requeued+report.Failed > 0 {
		en.logger.Info("drain pass complete",
			slog.String("trigger", trigger),
			slog.Int("synced", report.Synced),
			slog.Int("requeued", report.Requeued),
			slog.Int("failed", report.Failed),
		)
	}
}

// processEntry executes one entry through the state machine. Send
// failures never propagate — they become transitions and report counts.
func (en *Engine) processEntry(ctx context.Context, entry *Entry, report *DrainReport) {
	if err := en.cfg.Queue.MarkSyncing(ctx, entry.ID); err != nil {
		// Lost a race with supersede or manual cancellation; skip.
		en.logger.Debug("skipping entry",
			slog.String("id", entry.ID),
			slog.String("reason", err.Error()),
		)

		return
	}

	serverValue, sendErr := en.cfg.Sender.Send(ctx, entry)
	if sendErr == nil {
		en.completeEntry(ctx, entry, serverValue, report)
		return
	}

	en.failEntry(ctx, entry, sendErr, report)
}

// completeEntry handles the success path: synced, reconciled, removed.
func (en *Engine) completeEntry(ctx context.Context, entry *Entry, serverValue json.RawMessage, report *DrainReport) {
	if err := en.cfg.Queue.MarkSynced(ctx, entry.ID); err != nil {
		en.logger.Error("mark synced failed",
			slog.String("id", entry.ID), slog.String("error", err.Error()))

		return
	}

	if err := en.cfg.Projector.Reconcile(ctx, entry, serverValue); err != nil {
		en.logger.Error("reconcile failed",
			slog.String("id", entry.ID), slog.String("error", err.Error()))
	}

	if err := en.cfg.Queue.Remove(ctx, entry.ID); err != nil {
		en.logger.Error("remove synced entry failed",
			slog.String("id", entry.ID), slog.String("error", err.Error()))
	}

	report.Synced++

	en.logger.Info("mutation synced",
		slog.String("id", entry.ID),
		slog.String("entity", entry.EntityKey()),
		slog.String("operation", entry.Operation.String()),
	)
}

// failEntry classifies a send failure and applies the retry policy:
// permanent errors short-circuit to terminal failed; transient errors
// reschedule with exponential backoff until the ceiling, then fail
// terminally and signal for manual attention.
func (en *Engine) failEntry(ctx context.Context, entry *Entry, sendErr error, report *DrainReport) {
	var perm permanentError
	if errors.As(sendErr, &perm) && perm.Permanent() {
		en.terminal(ctx, entry, sendErr, report)
		return
	}

	// Transient: timeout, connection error, 408/429/5xx.
	if entry.RetryCount+1 >= en.cfg.RetryCeiling {
		en.terminal(ctx, entry, fmt.Errorf("retry ceiling reached: %w", sendErr), report)
		return
	}

	delay := en.cfg.Backoff.Delay(entry.RetryCount)
	nextAt := en.nowFunc().Add(delay)

	if err := en.cfg.Queue.MarkFailed(ctx, entry.ID, sendErr.Error(), nextAt); err != nil {
		en.logger.Error("requeue failed",
			slog.String("id", entry.ID), slog.String("error", err.Error()))

		return
	}

	report.Requeued++

	en.logger.Warn("mutation send failed, rescheduled",
		slog.String("id", entry.ID),
		slog.String("entity", entry.EntityKey()),
		slog.Int("retry_count", entry.RetryCount+1),
		slog.Duration("backoff", delay),
		slog.String("error", sendErr.Error()),
	)
}

// terminal marks an entry terminally failed and surfaces it for manual
// retry or rollback.
func (en *Engine) terminal(ctx context.Context, entry *Entry, sendErr error, report *DrainReport) {
	if err := en.cfg.Queue.MarkTerminal(ctx, entry.ID, sendErr.Error()); err != nil {
		en.logger.Error("mark terminal failed",
			slog.String("id", entry.ID), slog.String("error", err.Error()))

		return
	}

	report.Failed++

	en.logger.Error("mutation failed permanently, manual attention required",
		slog.String("id", entry.ID),
		slog.String("entity", entry.EntityKey()),
		slog.Int("retry_count", entry.RetryCount+1),
		slog.String("error", sendErr.Error()),
	)

	failed := *entry
	failed.Status = StatusFailed
	failed.RetryCount = entry.RetryCount + 1
	failed.ErrorMsg = sendErr.Error()

	select {
	case en.attention <- failed:
	default:
		en.logger.Warn("attention signal dropped (consumer stalled)",
			slog.String("id", entry.ID))
	}
}

// CancelEntry is the user-initiated path for a terminally failed entry:
// roll back the optimistic state and remove the entry. Synchronous and
// local — no network call.
func CancelEntry(ctx context.Context, q *Queue, p *Projector, id string) error {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	if entry.Status != StatusFailed && entry.Status != StatusSuperseded {
		return fmt.Errorf("outbox: cancel %s: entry is %s, only failed or superseded entries can be cancelled", id, entry.Status)
	}

	if entry.Status == StatusFailed {
		if err := p.Rollback(ctx, entry); err != nil {
			return err
		}
	}

	return q.Remove(ctx, id)
}
