package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reliefops/fieldsync/internal/connectivity"
)

// fakeSender scripts send outcomes. Each call pops the next result for
// the entry's ID; an empty script means success with an echo payload.
type fakeSender struct {
	results map[string][]error
	calls   []string
	server  json.RawMessage
}

func (s *fakeSender) Send(_ context.Context, entry *Entry) (json.RawMessage, error) {
	s.calls = append(s.calls, entry.ID)

	script := s.results[entry.ID]
	if len(script) == 0 {
		if s.server != nil {
			return s.server, nil
		}

		return entry.Payload, nil
	}

	next := script[0]
	s.results[entry.ID] = script[1:]

	if next != nil {
		return nil, next
	}

	if s.server != nil {
		return s.server, nil
	}

	return entry.Payload, nil
}

// fakeMonitor is a settable connectivity source.
type fakeMonitor struct {
	online bool
	events chan connectivity.Event
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online, events: make(chan connectivity.Event, 4)}
}

func (m *fakeMonitor) IsOnline() bool { return m.online }

func (m *fakeMonitor) Events() <-chan connectivity.Event { return m.events }

// permErr is a send failure that retries cannot fix.
type permErr struct{ msg string }

func (e permErr) Error() string   { return e.msg }
func (e permErr) Permanent() bool { return true }

// engineHarness wires a queue, projector, and engine over one in-memory
// store with a shared fake clock.
type engineHarness struct {
	store     *Store
	queue     *Queue
	projector *Projector
	sender    *fakeSender
	monitor   *fakeMonitor
	engine    *Engine
	clock     *fakeClock
}

func newEngineHarness(t *testing.T, retryCeiling int) *engineHarness {
	t.Helper()

	store := newTestStore(t)
	logger := testLogger(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	q := NewQueue(store, logger)
	q.nowFunc = clock.Now

	p := NewProjector(store, logger)
	p.nowFunc = clock.Now

	sender := &fakeSender{results: make(map[string][]error)}
	monitor := newFakeMonitor(true)

	engine := NewEngine(EngineConfig{
		Queue:        q,
		Projector:    p,
		Sender:       sender,
		Monitor:      monitor,
		Backoff:      Backoff{Base: time.Second, Max: 30 * time.Second}, // no jitter: deterministic
		RetryCeiling: retryCeiling,
		PollInterval: 10 * time.Millisecond, // fast ticks keep Run tests short
		Logger:       logger,
	})
	engine.nowFunc = clock.Now

	return &engineHarness{
		store:     store,
		queue:     q,
		projector: p,
		sender:    sender,
		monitor:   monitor,
		engine:    engine,
		clock:     clock,
	}
}

func TestEngine_DrainSuccess(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{"status":"open"}`), 1)
	require.NoError(t, err)
	require.NoError(t, h.projector.ApplyOptimistic(ctx, e))

	h.sender.server = json.RawMessage(`{"status":"open","id":"srv-1"}`)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	if report.Synced != 1 || report.Requeued != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 1 synced", report)
	}

	// Entry removed after sync.
	_, err = h.queue.Get(ctx, e.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("synced entry still present: %v", err)
	}

	// Local state reconciled to the server value.
	value, ok := h.projector.Get("incident", "i1")
	require.True(t, ok)
	require.JSONEq(t, `{"status":"open","id":"srv-1"}`, string(value))
}

func TestEngine_DrainMultipleInOrder(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "assessment", "a1", OpCreate, []byte(`{}`), 5)
	require.NoError(t, err)

	h.clock.Advance(time.Second)

	urgent, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 0)
	require.NoError(t, err)

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Synced)

	// Urgent entity sent first despite being enqueued later.
	require.Len(t, h.sender.calls, 2)

	if h.sender.calls[0] != urgent.ID {
		t.Errorf("first send = %s, want the urgent entry %s", h.sender.calls[0], urgent.ID)
	}
}

func TestEngine_TransientFailureReschedules(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	h.sender.results[e.ID] = []error{errors.New("connection refused")}

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	if report.Requeued != 1 {
		t.Fatalf("report = %+v, want 1 requeued", report)
	}

	got, err := h.queue.Get(ctx, e.ID)
	require.NoError(t, err)

	if got.Status != StatusPending || got.RetryCount != 1 {
		t.Fatalf("status=%v retries=%d, want pending/1", got.Status, got.RetryCount)
	}

	// First retry waits the base delay.
	wantNext := h.clock.Now().Add(time.Second)
	if !got.NextAttemptAt.Equal(wantNext) {
		t.Errorf("next_attempt_at = %v, want %v", got.NextAttemptAt, wantNext)
	}

	// Backoff elapses; the retry succeeds.
	h.clock.Advance(2 * time.Second)

	report, err = h.engine.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Synced)
}

func TestEngine_BackoffDoubles(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 10)
	ctx := context.Background()

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	h.sender.results[e.ID] = []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	for attempt, want := range wantDelays {
		report, drainErr := h.engine.DrainOnce(ctx)
		require.NoError(t, drainErr)
		require.Equal(t, 1, report.Requeued, "attempt %d", attempt)

		got, getErr := h.queue.Get(ctx, e.ID)
		require.NoError(t, getErr)

		delay := got.NextAttemptAt.Sub(h.clock.Now())
		if delay != want {
			t.Fatalf("attempt %d: backoff = %v, want %v", attempt, delay, want)
		}

		h.clock.Advance(want + time.Millisecond)
	}
}

func TestEngine_RetryCeilingTerminal(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpUpdate, []byte(`{"v":1}`), 1)
	require.NoError(t, err)

	// Every attempt fails transiently.
	h.sender.results[e.ID] = []error{
		errors.New("503"), errors.New("503"), errors.New("503"), errors.New("503"),
	}

	var lastReport DrainReport

	for i := 0; i < 3; i++ {
		lastReport, err = h.engine.DrainOnce(ctx)
		require.NoError(t, err)

		h.clock.Advance(time.Minute)
	}

	if lastReport.Failed != 1 {
		t.Fatalf("final report = %+v, want 1 failed", lastReport)
	}

	got, err := h.queue.Get(ctx, e.ID)
	require.NoError(t, err)

	if got.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}

	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}

	// The entry surfaced on the attention channel.
	select {
	case failed := <-h.engine.Attention():
		if failed.ID != e.ID {
			t.Errorf("attention entry = %s, want %s", failed.ID, e.ID)
		}
	default:
		t.Error("no attention signal after terminal failure")
	}

	// Exactly three send attempts: the ceiling held.
	require.Len(t, h.sender.calls, 3)
}

func TestEngine_PermanentErrorShortCircuits(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 5)
	ctx := context.Background()

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	h.sender.results[e.ID] = []error{permErr{msg: "422 validation failed"}}

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}

	got, err := h.queue.Get(ctx, e.ID)
	require.NoError(t, err)

	if got.Status != StatusFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}

	// No retries burned on an unfixable request.
	require.Len(t, h.sender.calls, 1)
}

func TestEngine_OfflineHaltsDrain(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	h.monitor.online = false

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	if report != (DrainReport{}) {
		t.Fatalf("report = %+v, want empty while offline", report)
	}

	require.Len(t, h.sender.calls, 0)
}

func TestEngine_ConnectivityDropMidDrain(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	first, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	h.clock.Advance(time.Second)

	_, err = h.queue.Enqueue(ctx, "incident", "i2", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	// The first send fails at the transport and connectivity flips off:
	// the failed entry requeues and the second is never attempted.
	h.sender.results[first.ID] = []error{errors.New("network unreachable")}

	origSend := h.sender
	dropAfterFirst := senderFunc(func(ctx context.Context, entry *Entry) (json.RawMessage, error) {
		value, sendErr := origSend.Send(ctx, entry)
		h.monitor.online = false

		return value, sendErr
	})
	h.engine.cfg.Sender = dropAfterFirst

	report, err := h.engine.DrainOnce(ctx)
	require.NoError(t, err)

	if report.Requeued != 1 || report.Synced != 0 {
		t.Fatalf("report = %+v, want 1 requeued only", report)
	}

	got, err := h.queue.Get(ctx, first.ID)
	require.NoError(t, err)

	if got.Status != StatusPending {
		t.Errorf("interrupted entry status = %v, want pending", got.Status)
	}
}

// senderFunc adapts a function to the Sender interface.
type senderFunc func(ctx context.Context, entry *Entry) (json.RawMessage, error)

func (f senderFunc) Send(ctx context.Context, entry *Entry) (json.RawMessage, error) {
	return f(ctx, entry)
}

func TestEngine_RunDrainsOnOnlineTransition(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)

	_, err := h.queue.Enqueue(context.Background(), "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- h.engine.Run(ctx) }()

	// Connectivity returns: the engine drains without waiting for a poll.
	h.monitor.events <- connectivity.Event{Online: true, At: h.clock.Now()}

	require.Eventually(t, func() bool {
		counts, countErr := h.queue.Counts(context.Background())
		return countErr == nil && len(counts) == 0
	}, 2*time.Second, 10*time.Millisecond, "queue did not drain on online event")

	cancel()

	if runErr := <-done; runErr != nil {
		t.Errorf("Run returned %v", runErr)
	}
}

func TestEngine_RunReclaimsStaleSyncing(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpCreate, []byte(`{}`), 1)
	require.NoError(t, err)

	// An attempt started long ago and never finished its transition,
	// e.g. the status write failed after the send.
	require.NoError(t, h.store.SetSyncing(ctx, e.ID, h.clock.Now().Add(-10*time.Minute)))

	// Offline, so only the reclaim runs on each tick, never a drain.
	h.monitor.online = false

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- h.engine.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, getErr := h.queue.Get(context.Background(), e.ID)
		return getErr == nil && got.Status == StatusPending
	}, 2*time.Second, 10*time.Millisecond, "stale syncing entry was not reclaimed")

	cancel()

	if runErr := <-done; runErr != nil {
		t.Errorf("Run returned %v", runErr)
	}
}

func TestCancelEntry(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	h.projector.Seed("incident", "i1", json.RawMessage(`{"status":"open"}`))

	e, err := h.queue.Enqueue(ctx, "incident", "i1", OpUpdate, []byte(`{"status":"closed"}`), 1)
	require.NoError(t, err)
	require.NoError(t, h.projector.ApplyOptimistic(ctx, e))

	// Active entries cannot be cancelled.
	if cancelErr := CancelEntry(ctx, h.queue, h.projector, e.ID); cancelErr == nil {
		t.Fatal("cancel of pending entry should fail")
	}

	require.NoError(t, h.queue.MarkSyncing(ctx, e.ID))
	require.NoError(t, h.queue.MarkTerminal(ctx, e.ID, "422"))

	require.NoError(t, CancelEntry(ctx, h.queue, h.projector, e.ID))

	// Entry gone, optimistic state rolled back.
	_, err = h.queue.Get(ctx, e.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled entry still present: %v", err)
	}

	value, ok := h.projector.Get("incident", "i1")
	require.True(t, ok)
	require.JSONEq(t, `{"status":"open"}`, string(value))
}

func TestCancelEntry_Superseded(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, 3)
	ctx := context.Background()

	older, err := h.queue.Enqueue(ctx, "incident", "i1", OpUpdate, []byte(`{"v":1}`), 1)
	require.NoError(t, err)

	h.clock.Advance(time.Second)

	_, err = h.queue.Enqueue(ctx, "incident", "i1", OpUpdate, []byte(`{"v":2}`), 1)
	require.NoError(t, err)

	// Superseded entries remove without touching local state.
	require.NoError(t, CancelEntry(ctx, h.queue, h.projector, older.ID))

	_, err = h.queue.Get(ctx, older.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled superseded entry still present: %v", err)
	}
}
