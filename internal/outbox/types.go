// Package outbox implements the durable offline mutation queue: a
// SQLite-backed store of pending mutations, a queue manager that owns
// status transitions, a replay engine that drains the queue against the
// backend API with exponential backoff, and an optimistic projector
// that applies queued mutations to local state ahead of confirmation.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation a queue entry carries.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

// String returns the database TEXT value for the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", int(op))
	}
}

// ParseOperation converts a database TEXT value to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return OpCreate, fmt.Errorf("outbox: unknown operation %q", s)
	}
}

// Status is the lifecycle state of a queue entry.
//
// Transitions are guarded by the Queue: pending → syncing →
// {synced | pending (retry) | failed}. Superseded is set when a newer
// mutation for the same entity replaces a still-pending one. Failed is
// terminal for automatic processing; only `queue retry` returns a
// failed entry to pending.
type Status int

const (
	StatusPending Status = iota
	StatusSyncing
	StatusSynced
	StatusFailed
	StatusSuperseded
)

// String returns the database TEXT value for the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	case StatusFailed:
		return "failed"
	case StatusSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStatus converts a database TEXT value to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "syncing":
		return StatusSyncing, nil
	case "synced":
		return StatusSynced, nil
	case "failed":
		return StatusFailed, nil
	case "superseded":
		return StatusSuperseded, nil
	default:
		return StatusPending, fmt.Errorf("outbox: unknown status %q", s)
	}
}

// Entry is a single queued mutation awaiting transmission to the server.
// The ID is client-generated and stable across retries.
type Entry struct {
	ID         string
	EntityType string
	EntityID   string
	Operation  Operation
	Payload    json.RawMessage
	Priority   int // lower = more urgent
	Status     Status
	RetryCount int
	ErrorMsg   string // last failure, empty on success path

	CreatedAt     time.Time
	LastAttemptAt time.Time // zero until the first send attempt
	NextAttemptAt time.Time // zero = eligible immediately

	// Seq is the insertion-order tiebreak within (priority, created_at),
	// assigned by the store.
	Seq int64
}

// EntityKey returns the composite key identifying the affected entity.
func (e *Entry) EntityKey() string {
	return e.EntityType + "/" + e.EntityID
}

// Snapshot holds the pre-mutation value of an entity so a rollback can
// restore it. One snapshot exists per entity at most; it reflects the
// state before the first entry of an optimistic chain.
type Snapshot struct {
	EntityType string
	EntityID   string
	Value      json.RawMessage // nil means the entity did not exist locally
	TakenAt    time.Time
}

// EntityKey returns the composite key identifying the snapshotted entity.
func (s *Snapshot) EntityKey() string {
	return s.EntityType + "/" + s.EntityID
}
