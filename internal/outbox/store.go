package outbox

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// ErrNotFound is returned when a queue entry does not exist.
var ErrNotFound = errors.New("outbox: entry not found")

// Store is the local durable store: a SQLite database holding queue
// entries and optimistic snapshots. It is pure persistence — status
// transition rules are enforced by the Queue through guarded updates.
// Use ":memory:" as the path in tests.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for the hot paths of the drain loop.
	stmts storeStatements
}

type storeStatements struct {
	insert, getByID, nextEligible         *sql.Stmt
	setSyncing, setSynced                 *sql.Stmt
	requeueFailed, markTerminal           *sql.Stmt
	getSnapshot, putSnapshot, delSnapshot *sql.Stmt
}

// OpenStore opens (or creates) the outbox database at dbPath, applies
// migrations, and prepares statements.
func OpenStore(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening outbox database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite: %w", err)
	}

	// Sole-writer: the Queue serializes all mutations through one connection.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: prepare statements: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("outbox: closing store: %w", err)
	}

	return nil
}

// setPragmas configures SQLite for WAL mode and durability.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("outbox: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("outbox: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("outbox: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("outbox: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

const entrySelectCols = `SELECT seq, id, entity_type, entity_id, operation,
	payload, priority, status, retry_count, error_msg,
	created_at, last_attempt_at, next_attempt_at
 FROM queue_entries `

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	if s.stmts.insert, err = s.db.PrepareContext(ctx,
		`INSERT INTO queue_entries
			(id, entity_type, entity_id, operation, payload, priority,
			 status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?)`); err != nil {
		return err
	}

	if s.stmts.getByID, err = s.db.PrepareContext(ctx,
		entrySelectCols+`WHERE id = ?`); err != nil {
		return err
	}

	// Eligible = pending, past its next_attempt_at, and no sibling entry
	// for the same entity currently syncing.
	if s.stmts.nextEligible, err = s.db.PrepareContext(ctx,
		entrySelectCols+`WHERE status = 'pending'
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries q2
				WHERE q2.entity_type = queue_entries.entity_type
				  AND q2.entity_id = queue_entries.entity_id
				  AND q2.status = 'syncing')
		 ORDER BY priority ASC, created_at ASC, seq ASC
		 LIMIT 1`); err != nil {
		return err
	}

	if s.stmts.setSyncing, err = s.db.PrepareContext(ctx,
		`UPDATE queue_entries SET status = 'syncing', last_attempt_at = ?
		 WHERE id = ? AND status = 'pending'`); err != nil {
		return err
	}

	if s.stmts.setSynced, err = s.db.PrepareContext(ctx,
		`UPDATE queue_entries SET status = 'synced', error_msg = NULL
		 WHERE id = ? AND status = 'syncing'`); err != nil {
		return err
	}

	if s.stmts.requeueFailed, err = s.db.PrepareContext(ctx,
		`UPDATE queue_entries SET status = 'pending',
			retry_count = retry_count + 1, error_msg = ?, next_attempt_at = ?
		 WHERE id = ? AND status = 'syncing'`); err != nil {
		return err
	}

	if s.stmts.markTerminal, err = s.db.PrepareContext(ctx,
		`UPDATE queue_entries SET status = 'failed',
			retry_count = retry_count + 1, error_msg = ?, next_attempt_at = NULL
		 WHERE id = ? AND status = 'syncing'`); err != nil {
		return err
	}

	if s.stmts.getSnapshot, err = s.db.PrepareContext(ctx,
		`SELECT entity_type, entity_id, value, taken_at
		 FROM snapshots WHERE entity_key = ?`); err != nil {
		return err
	}

	// INSERT OR IGNORE keeps the first snapshot of an optimistic chain.
	if s.stmts.putSnapshot, err = s.db.PrepareContext(ctx,
		`INSERT OR IGNORE INTO snapshots
			(entity_key, entity_type, entity_id, value, taken_at)
		 VALUES (?, ?, ?, ?, ?)`); err != nil {
		return err
	}

	if s.stmts.delSnapshot, err = s.db.PrepareContext(ctx,
		`DELETE FROM snapshots WHERE entity_key = ?`); err != nil {
		return err
	}

	return nil
}

// InsertEntry persists a new pending entry and assigns its Seq.
func (s *Store) InsertEntry(ctx context.Context, e *Entry) error {
	result, err := s.stmts.insert.ExecContext(ctx,
		e.ID, e.EntityType, e.EntityID, e.Operation.String(),
		nullRaw(e.Payload), e.Priority, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("outbox: insert entry %s: %w", e.ID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("outbox: insert entry %s seq: %w", e.ID, err)
	}

	e.Seq = seq

	return nil
}

// GetEntry returns the entry with the given ID, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.stmts.getByID.QueryRowContext(ctx, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox: entry %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return e, nil
}

// NextEligible returns the highest-priority pending entry eligible at
// the given instant, or nil when none qualifies.
func (s *Store) NextEligible(ctx context.Context, now time.Time) (*Entry, error) {
	row := s.stmts.nextEligible.QueryRowContext(ctx, now.UnixNano())

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return e, nil
}

// SetSyncing transitions an entry from pending to syncing, recording the
// attempt time.
func (s *Store) SetSyncing(ctx context.Context, id string, at time.Time) error {
	return s.guardedExec(ctx, s.stmts.setSyncing, "syncing", id,
		at.UnixNano(), id)
}

// SetSynced transitions an entry from syncing to synced.
func (s *Store) SetSynced(ctx context.Context, id string) error {
	return s.guardedExec(ctx, s.stmts.setSynced, "synced", id, id)
}

// RequeueFailed returns a syncing entry to pending after a transient
// failure, incrementing retry_count and recording the next eligible time.
func (s *Store) RequeueFailed(ctx context.Context, id, errMsg string, nextAt time.Time) error {
	return s.guardedExec(ctx, s.stmts.requeueFailed, "pending (retry)", id,
		errMsg, nextAt.UnixNano(), id)
}

// MarkTerminal transitions a syncing entry to terminally failed.
func (s *Store) MarkTerminal(ctx context.Context, id, errMsg string) error {
	return s.guardedExec(ctx, s.stmts.markTerminal, "failed", id, errMsg, id)
}

// guardedExec runs a status-transition statement and converts a zero
// rows-affected result into an error, enforcing the transition guards.
func (s *Store) guardedExec(ctx context.Context, stmt *sql.Stmt, to, id string, args ...any) error {
	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return fmt.Errorf("outbox: transition %s to %s: %w", id, to, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: transition %s to %s rows affected: %w", id, to, err)
	}

	if rows == 0 {
		return fmt.Errorf("outbox: transition %s to %s: entry missing or not in required state", id, to)
	}

	return nil
}

// InsertEntrySuperseding persists a new pending entry and, in the same
// transaction, marks any older pending entries for the entity as
// superseded. Syncing entries are left alone — an in-flight request
// cannot be recalled. Returns the superseded IDs. The transaction
// guarantees that a failed insert rolls the supersede back, so an
// enqueue error leaves prior queue state intact.
func (s *Store) InsertEntrySuperseding(ctx context.Context, e *Entry) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin enqueue transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queue_entries
		 WHERE entity_type = ? AND entity_id = ? AND status = 'pending'`,
		e.EntityType, e.EntityID)
	if err != nil {
		return nil, fmt.Errorf("outbox: listing pending for supersede: %w", err)
	}

	var ids []string

	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: scanning supersede id: %w", scanErr)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("outbox: iterating supersede ids: %w", err)
	}

	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = 'superseded'
			 WHERE entity_type = ? AND entity_id = ? AND status = 'pending'`,
			e.EntityType, e.EntityID); err != nil {
			return nil, fmt.Errorf("outbox: superseding entries: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO queue_entries
			(id, entity_type, entity_id, operation, payload, priority,
			 status, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Operation.String(),
		nullRaw(e.Payload), e.Priority, e.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("outbox: insert entry %s: %w", e.ID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("outbox: insert entry %s seq: %w", e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: commit enqueue transaction: %w", err)
	}

	e.Seq = seq

	return ids, nil
}

// DeleteEntry removes an entry regardless of status. Callers enforce
// that only synced, failed, or superseded entries are removed.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("outbox: delete entry %s: %w", id, err)
	}

	return nil
}

// ListByStatus returns all entries with the given status in drain order.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		entrySelectCols+`WHERE status = ?
		 ORDER BY priority ASC, created_at ASC, seq ASC`, status.String())
	if err != nil {
		return nil, fmt.Errorf("outbox: list by status %s: %w", status, err)
	}
	defer rows.Close()

	var result []Entry

	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating entries: %w", err)
	}

	return result, nil
}

// CountByStatus returns entry counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)

	for rows.Next() {
		var (
			raw string
			n   int
		)

		if scanErr := rows.Scan(&raw, &n); scanErr != nil {
			return nil, fmt.Errorf("outbox: scanning count row: %w", scanErr)
		}

		st, parseErr := ParseStatus(raw)
		if parseErr != nil {
			return nil, parseErr
		}

		counts[st] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterating count rows: %w", err)
	}

	return counts, nil
}

// ReclaimStale resets syncing entries whose attempt started before the
// cutoff back to pending. Used for crash recovery at startup.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'pending'
		 WHERE status = 'syncing' AND last_attempt_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim stale: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim stale rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Warn("reclaimed stale syncing entries", slog.Int64("count", n))
	}

	return int(n), nil
}

// ResetFailed returns a terminally failed entry to pending with a fresh
// retry budget. Backs the manual `queue retry` command.
func (s *Store) ResetFailed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'pending', retry_count = 0,
			error_msg = NULL, next_attempt_at = NULL
		 WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("outbox: reset failed %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: reset failed %s rows affected: %w", id, err)
	}

	if rows == 0 {
		return fmt.Errorf("outbox: reset %s: entry missing or not failed", id)
	}

	return nil
}

// CountLive returns the number of pending or syncing entries for an
// entity. The projector keeps its snapshot while this is nonzero.
func (s *Store) CountLive(ctx context.Context, entityType, entityID string) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE entity_type = ? AND entity_id = ?
		   AND status IN ('pending', 'syncing')`,
		entityType, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: count live entries: %w", err)
	}

	return n, nil
}

// PutSnapshot persists an entity snapshot unless one already exists.
// The first snapshot of an optimistic chain wins.
func (s *Store) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.stmts.putSnapshot.ExecContext(ctx,
		snap.EntityKey(), snap.EntityType, snap.EntityID,
		nullRaw(snap.Value), snap.TakenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("outbox: put snapshot %s: %w", snap.EntityKey(), err)
	}

	return nil
}

// GetSnapshot returns the snapshot for an entity, or nil if none exists.
func (s *Store) GetSnapshot(ctx context.Context, entityType, entityID string) (*Snapshot, error) {
	var (
		snap    Snapshot
		value   sql.NullString
		takenAt int64
	)

	err := s.stmts.getSnapshot.QueryRowContext(ctx, entityType+"/"+entityID).
		Scan(&snap.EntityType, &snap.EntityID, &value, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("outbox: get snapshot %s/%s: %w", entityType, entityID, err)
	}

	if value.Valid {
		snap.Value = []byte(value.String)
	}

	snap.TakenAt = time.Unix(0, takenAt)

	return &snap, nil
}

// DeleteSnapshot removes the snapshot for an entity.
func (s *Store) DeleteSnapshot(ctx context.Context, entityType, entityID string) error {
	if _, err := s.stmts.delSnapshot.ExecContext(ctx, entityType+"/"+entityID); err != nil {
		return fmt.Errorf("outbox: delete snapshot %s/%s: %w", entityType, entityID, err)
	}

	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry scans a single queue_entries row.
func scanEntry(row scanner) (*Entry, error) {
	var (
		e             Entry
		operation     string
		status        string
		payload       sql.NullString
		errorMsg      sql.NullString
		createdAt     int64
		lastAttemptAt sql.NullInt64
		nextAttemptAt sql.NullInt64
	)

	err := row.Scan(&e.Seq, &e.ID, &e.EntityType, &e.EntityID, &operation,
		&payload, &e.Priority, &status, &e.RetryCount, &errorMsg,
		&createdAt, &lastAttemptAt, &nextAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("outbox: scanning entry row: %w", err)
	}

	if e.Operation, err = ParseOperation(operation); err != nil {
		return nil, err
	}

	if e.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}

	if payload.Valid {
		e.Payload = []byte(payload.String)
	}

	e.ErrorMsg = errorMsg.String
	e.CreatedAt = time.Unix(0, createdAt)

	if lastAttemptAt.Valid {
		e.LastAttemptAt = time.Unix(0, lastAttemptAt.Int64)
	}

	if nextAttemptAt.Valid {
		e.NextAttemptAt = time.Unix(0, nextAttemptAt.Int64)
	}

	return &e, nil
}

// nullRaw converts an empty JSON payload to NULL.
func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return string(b)
}
