package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"
)

// entityState is the locally-known value of an entity. deleted marks an
// optimistic tombstone (DELETE applied, not yet confirmed).
type entityState struct {
	value   json.RawMessage
	deleted bool
}

// Projector applies queued mutations to local state ahead of server
// confirmation and rolls them back if the server ultimately rejects
// them. It exclusively owns the in-memory entity cache; snapshots are
// persisted through the Store so a crash cannot orphan rollback data.
type Projector struct {
	store  *Store
	logger *slog.Logger

	mu    stdsync.Mutex
	cache map[string]entityState

	// onChange, when set, is invoked (outside the lock) after any
	// cache mutation so the UI layer can re-render the entity.
	onChange func(entityType, entityID string)

	nowFunc func() time.Time // injectable for testing
}

// NewProjector creates a projector over the given store.
func NewProjector(store *Store, logger *slog.Logger) *Projector {
	return &Projector{
		store:   store,
		logger:  logger,
		cache:   make(map[string]entityState),
		nowFunc: time.Now,
	}
}

// SetOnChange registers a UI notification hook. Must be called before
// the projector is shared across goroutines.
func (p *Projector) SetOnChange(fn func(entityType, entityID string)) {
	p.onChange = fn
}

// Get returns the locally-known value of an entity. ok is false when
// the entity is unknown or optimistically deleted.
func (p *Projector) Get(entityType, entityID string) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, found := p.cache[entityType+"/"+entityID]
	if !found || st.deleted {
		return nil, false
	}

	return st.value, true
}

// Seed loads a server-confirmed value into the cache without taking a
// snapshot. Used when hydrating local state from the backend.
func (p *Projector) Seed(entityType, entityID string, value json.RawMessage) {
	p.mu.Lock()
	p.cache[entityType+"/"+entityID] = entityState{value: value}
	p.mu.Unlock()
}

// ApplyOptimistic applies the entry's intended effect to the local
// cache and persists a snapshot of the prior value. When the entity
// already has a snapshot (a chain of unsynced mutations), the existing
// one is kept so a full-chain rollback restores the true original.
func (p *Projector) ApplyOptimistic(ctx context.Context, entry *Entry) error {
	key := entry.EntityKey()

	p.mu.Lock()
	prior, hadPrior := p.cache[key]

	next, err := p.applyLocked(prior, hadPrior, entry)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.cache[key] = next
	p.mu.Unlock()

	snap := &Snapshot{
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		TakenAt:    p.nowFunc(),
	}

	if hadPrior && !prior.deleted {
		snap.Value = prior.value
	}

	if err := p.store.PutSnapshot(ctx, snap); err != nil {
		return err
	}

	p.logger.Debug("optimistic apply",
		slog.String("entity", key),
		slog.String("operation", entry.Operation.String()),
	)

	p.notify(entry.EntityType, entry.EntityID)

	return nil
}

// applyLocked computes the entity's next local state under p.mu.
func (p *Projector) applyLocked(prior entityState, hadPrior bool, entry *Entry) (entityState, error) {
	switch entry.Operation {
	case OpCreate:
		return entityState{value: entry.Payload}, nil

	case OpUpdate:
		if !hadPrior || prior.deleted {
			// Nothing local to patch; adopt the patch as the value.
			return entityState{value: entry.Payload}, nil
		}

		merged, err := mergePatch(prior.value, entry.Payload)
		if err != nil {
			return entityState{}, fmt.Errorf("outbox: applying update to %s: %w", entry.EntityKey(), err)
		}

		return entityState{value: merged}, nil

	case OpDelete:
		return entityState{deleted: true}, nil

	default:
		return entityState{}, fmt.Errorf("outbox: unknown operation %d", entry.Operation)
	}
}

// Reconcile replaces the optimistic value with the authoritative server
// result after the entry synced. The snapshot is discarded only once no
// live (pending or syncing) entries remain for the entity, so a later
// rollback of the rest of a chain still restores the original.
func (p *Projector) Reconcile(ctx context.Context, entry *Entry, serverValue json.RawMessage) error {
	key := entry.EntityKey()

	p.mu.Lock()
	if entry.Operation == OpDelete {
		delete(p.cache, key)
	} else if len(serverValue) > 0 {
		p.cache[key] = entityState{value: serverValue}
	}
	p.mu.Unlock()

	live, err := p.store.CountLive(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return err
	}

	if live == 0 {
		if err := p.store.DeleteSnapshot(ctx, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
	}

	p.logger.Debug("reconciled with server",
		slog.String("entity", key),
		slog.Int("live_entries", live),
	)

	p.notify(entry.EntityType, entry.EntityID)

	return nil
}

// Rollback restores the entity to its pre-chain snapshot value after a
// terminal failure or user cancellation, then discards the snapshot.
func (p *Projector) Rollback(ctx context.Context, entry *Entry) error {
	snap, err := p.store.GetSnapshot(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return err
	}

	key := entry.EntityKey()

	p.mu.Lock()
	if snap == nil || len(snap.Value) == 0 {
		// Entity did not exist before the chain.
		delete(p.cache, key)
	} else {
		p.cache[key] = entityState{value: snap.Value}
	}
	p.mu.Unlock()

	if snap != nil {
		if err := p.store.DeleteSnapshot(ctx, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
	}

	p.logger.Info("rolled back optimistic state",
		slog.String("entity", key),
		slog.String("entry_id", entry.ID),
	)

	p.notify(entry.EntityType, entry.EntityID)

	return nil
}

func (p *Projector) notify(entityType, entityID string) {
	if p.onChange != nil {
		p.onChange(entityType, entityID)
	}
}

// mergePatch applies a shallow JSON merge of patch over base: top-level
// keys in patch overwrite those in base, null deletes.
func mergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	var baseMap map[string]any

	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, fmt.Errorf("decoding current value: %w", err)
		}
	}

	if baseMap == nil {
		baseMap = make(map[string]any)
	}

	var patchMap map[string]any

	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &patchMap); err != nil {
			return nil, fmt.Errorf("decoding patch: %w", err)
		}
	}

	for k, v := range patchMap {
		if v == nil {
			delete(baseMap, k)
			continue
		}

		baseMap[k] = v
	}

	merged, err := json.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("encoding merged value: %w", err)
	}

	return merged, nil
}
