package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// staleSyncingTimeout is how long an entry may sit in syncing before
// startup recovery returns it to pending. Generous: a single request is
// bounded by the API client timeout, so anything older is a crash leftover.
const staleSyncingTimeout = 5 * time.Minute

// Queue is the queue manager. It owns the ordered set of pending
// mutations and all status transitions, persisting every change to the
// Store before returning. It enforces the per-entity serialization
// invariant: at most one entry per entity is ever syncing.
type Queue struct {
	store  *Store
	logger *slog.Logger

	// Injectable for tests.
	nowFunc func() time.Time
	idFunc  func() string
}

// NewQueue creates a queue manager over the given store.
func NewQueue(store *Store, logger *slog.Logger) *Queue {
	return &Queue{
		store:   store,
		logger:  logger,
		nowFunc: time.Now,
		idFunc:  func() string { return uuid.NewString() },
	}
}

// Recover performs crash recovery: entries stuck in syncing from a
// previous process return to pending so the next drain retries them.
// Call once at startup before draining.
func (q *Queue) Recover(ctx context.Context) error {
	n, err := q.store.ReclaimStale(ctx, q.nowFunc().Add(-staleSyncingTimeout))
	if err != nil {
		return err
	}

	if n > 0 {
		q.logger.Info("queue recovery complete", slog.Int("reclaimed", n))
	}

	return nil
}

// Enqueue constructs a pending entry, supersedes any older pending
// entries for the same entity, and persists it. Errors are
// local-storage errors: the mutation was NOT queued and the caller must
// surface the failure immediately.
//
// Superseding preserves causal order per entity: an older not-yet-sent
// mutation is never transmitted after a newer one. In-flight (syncing)
// entries are not recalled; the newer entry simply queues behind them.
func (q *Queue) Enqueue(
	ctx context.Context,
	entityType, entityID string,
	op Operation,
	payload json.RawMessage,
	priority int,
) (*Entry, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("outbox: enqueue requires entity type and id")
	}

	e := &Entry{
		ID:         q.idFunc(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  q.nowFunc(),
	}

	// Supersede and insert commit atomically: a failed insert must not
	// leave the entity's prior pending entry superseded.
	superseded, err := q.store.InsertEntrySuperseding(ctx, e)
	if err != nil {
		return nil, err
	}

	q.logger.Info("mutation enqueued",
		slog.String("id", e.ID),
		slog.String("entity", e.EntityKey()),
		slog.String("operation", op.String()),
		slog.Int("priority", priority),
		slog.Int("superseded", len(superseded)),
	)

	return e, nil
}

// DequeueNext returns the next eligible pending entry in
// (priority, created_at, insertion) order, or nil when the queue is
// empty or every candidate is blocked by backoff or a syncing sibling.
func (q *Queue) DequeueNext(ctx context.Context) (*Entry, error) {
	return q.store.NextEligible(ctx, q.nowFunc())
}

// MarkSyncing transitions an entry from pending to syncing and stamps
// the attempt time.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	return q.store.SetSyncing(ctx, id, q.nowFunc())
}

// MarkSynced transitions an entry from syncing to synced.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.store.SetSynced(ctx, id)
}

// MarkFailed records a transient failure: retry count is incremented
// and the entry returns to pending, eligible again no earlier than
// nextAt.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string, nextAt time.Time) error {
	return q.store.RequeueFailed(ctx, id, errMsg, nextAt)
}

// MarkTerminal records a permanent failure: retry count is incremented
// and the entry becomes terminally failed, requiring manual retry or
// rollback.
func (q *Queue) MarkTerminal(ctx context.Context, id, errMsg string) error {
	return q.store.MarkTerminal(ctx, id, errMsg)
}

// Remove deletes an entry that has finished its lifecycle. Pending and
// syncing entries are protected.
func (q *Queue) Remove(ctx context.Context, id string) error {
	e, err := q.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}

	if e.Status == StatusPending || e.Status == StatusSyncing {
		return fmt.Errorf("outbox: cannot remove %s entry %s", e.Status, id)
	}

	return q.store.DeleteEntry(ctx, id)
}

// Get returns a single entry by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	return q.store.GetEntry(ctx, id)
}

// ListByStatus returns all entries with the given status in drain order.
// Read-only projection for UI display.
func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	return q.store.ListByStatus(ctx, status)
}

// Counts returns entry counts grouped by status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	return q.store.CountByStatus(ctx)
}

// Retry resets a terminally failed entry to pending with a fresh retry
// budget. Backs the manual resubmission path.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.store.ResetFailed(ctx, id); err != nil {
		return err
	}

	q.logger.Info("failed entry reset for retry", slog.String("id", id))

	return nil
}
