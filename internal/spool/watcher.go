// Package spool ingests offline form submissions from a drop
// directory. Field tools write one JSON file per mutation; the watcher
// picks them up, enqueues them through the outbox, applies the
// optimistic projection, and archives the file. Producers must write
// atomically (temp file + rename into the spool dir) — a half-written
// file is rejected, not retried.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/reliefops/fieldsync/internal/outbox"
)

// Watch loop constants.
const (
	safetyScanInterval  = 5 * time.Minute
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 1 * time.Minute
	watchErrBackoffMult = 2

	archiveDirName  = "archive"
	rejectedDirName = "rejected"
)

// Submission is the on-disk form of one queued mutation.
type Submission struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
}

// Watcher ingests submission files from a spool directory into the
// outbox queue.
type Watcher struct {
	dir       string
	queue     *outbox.Queue
	projector *outbox.Projector
	logger    *slog.Logger
}

// NewWatcher creates a spool watcher over dir. The archive and rejected
// subdirectories are created on Run.
func NewWatcher(dir string, queue *outbox.Queue, projector *outbox.Projector, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:       dir,
		queue:     queue,
		projector: projector,
		logger:    logger,
	}
}

// Run watches the spool directory until the context is canceled. It
// begins with a full scan so files dropped while the watcher was down
// are not lost, then processes fsnotify events with a periodic safety
// rescan as a net for missed events.
func (w *Watcher) Run(ctx context.Context) error {
	for _, sub := range []string{archiveDirName, rejectedDirName} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("spool: creating %s dir: %w", sub, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("spool: watching %s: %w", w.dir, err)
	}

	w.scanAll(ctx)

	return w.watchLoop(ctx, watcher)
}

// watchLoop is the main select loop: fsnotify events, watcher errors
// with exponential backoff, safety rescans, and cancellation.
func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	safetyTicker := time.NewTicker(safetyScanInterval)
	defer safetyTicker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			w.handleFsEvent(ctx, fsEvent)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("spool watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			// Backoff prevents a tight loop under sustained errors
			// (e.g. kernel event buffer overflow).
			timer := time.NewTimer(errBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-safetyTicker.C:
			w.scanAll(ctx)

			errBackoff = watchErrInitBackoff
		}
	}
}

// handleFsEvent ingests a submission on create or write events.
func (w *Watcher) handleFsEvent(ctx context.Context, fsEvent fsnotify.Event) {
	if !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	if !isSubmissionFile(fsEvent.Name) {
		return
	}

	w.ingestFile(ctx, fsEvent.Name)
}

// scanAll ingests every submission file currently in the spool dir.
func (w *Watcher) scanAll(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool scan failed", slog.String("error", err.Error()))
		return
	}

	ingested := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		if entry.IsDir() || !isSubmissionFile(entry.Name()) {
			continue
		}

		if w.ingestFile(ctx, filepath.Join(w.dir, entry.Name())) {
			ingested++
		}
	}

	if ingested > 0 {
		w.logger.Info("spool scan complete", slog.Int("ingested", ingested))
	}
}

// ingestFile parses, enqueues, and archives one submission file.
// Returns true when the mutation was queued.
func (w *Watcher) ingestFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// File may already be archived by a duplicate event.
		w.logger.Debug("spool read skipped",
			slog.String("path", path), slog.String("error", err.Error()))

		return false
	}

	sub, err := parseSubmission(data)
	if err != nil {
		w.logger.Warn("rejecting malformed submission",
			slog.String("path", path), slog.String("error", err.Error()))
		w.moveTo(path, rejectedDirName)

		return false
	}

	op, err := outbox.ParseOperation(sub.Operation)
	if err != nil {
		w.logger.Warn("rejecting submission with unknown operation",
			slog.String("path", path), slog.String("operation", sub.Operation))
		w.moveTo(path, rejectedDirName)

		return false
	}

	entry, err := w.queue.Enqueue(ctx, sub.EntityType, sub.EntityID, op, sub.Payload, sub.Priority)
	if err != nil {
		// Local-storage error: leave the file in place so the next
		// scan retries it, and surface loudly.
		w.logger.Error("spool enqueue failed",
			slog.String("path", path), slog.String("error", err.Error()))

		return false
	}

	if err := w.projector.ApplyOptimistic(ctx, entry); err != nil {
		w.logger.Error("optimistic apply failed",
			slog.String("id", entry.ID), slog.String("error", err.Error()))
	}

	w.moveTo(path, archiveDirName)

	w.logger.Info("submission ingested",
		slog.String("file", filepath.Base(path)),
		slog.String("id", entry.ID),
		slog.String("entity", entry.EntityKey()),
	)

	return true
}

// parseSubmission decodes and validates a submission file. Entity
// fields are NFC-normalized: macOS tools write NFD and entity IDs
// frequently carry human names.
func parseSubmission(data []byte) (*Submission, error) {
	var sub Submission

	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("spool: decoding submission: %w", err)
	}

	sub.EntityType = norm.NFC.String(strings.TrimSpace(sub.EntityType))
	sub.EntityID = norm.NFC.String(strings.TrimSpace(sub.EntityID))

	if sub.EntityType == "" {
		return nil, fmt.Errorf("spool: submission missing entity_type")
	}

	if sub.EntityID == "" {
		return nil, fmt.Errorf("spool: submission missing entity_id")
	}

	if sub.Operation == "" {
		return nil, fmt.Errorf("spool: submission missing operation")
	}

	return &sub, nil
}

// moveTo relocates a processed file into a subdirectory of the spool.
func (w *Watcher) moveTo(path, subdir string) {
	dest := filepath.Join(w.dir, subdir, filepath.Base(path))

	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("spool file move failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// isSubmissionFile reports whether the name looks like a submission.
// Hidden files and temp files from atomic writers are skipped.
func isSubmissionFile(name string) bool {
	base := filepath.Base(name)

	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") {
		return false
	}

	return strings.HasSuffix(base, ".json")
}
