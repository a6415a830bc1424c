// Package connectivity observes whether the backend is reachable and
// publishes debounced online/offline transitions. The monitor performs
// no mutations of its own — it only probes and reports.
package connectivity

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"
)

// Defaults, overridable via config.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultDebounce      = 1 * time.Second

	eventBufferSize = 16
)

// Probe reports whether the backend is currently reachable. The default
// implementation is an HTTP HEAD of the health endpoint with a short
// timeout; tests inject fakes.
type Probe func(ctx context.Context) bool

// Event is a stable connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// monitor debounce states. A raw probe result that disagrees with the
// stable state moves the machine to debouncing; only after the raw
// state holds for the debounce window does the stable state flip.
type debounceState int

const (
	stateStable debounceState = iota
	stateDebouncing
)

// Monitor tracks backend reachability with flap suppression. Construct
// with NewMonitor and drive with Run; IsOnline and Events are safe for
// concurrent use.
type Monitor struct {
	probe    Probe
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu             stdsync.Mutex
	started        bool
	online         bool // stable state
	state          debounceState
	candidate      bool // raw state being debounced
	candidateSince time.Time

	events chan Event

	nowFunc func() time.Time // injectable for testing
}

// NewMonitor creates a Monitor. Non-positive interval or debounce fall
// back to the defaults.
func NewMonitor(probe Probe, interval, debounce time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Monitor{
		probe:    probe,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		events:   make(chan Event, eventBufferSize),
		nowFunc:  time.Now,
	}
}

// IsOnline returns the current stable connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Events returns the transition stream. The channel is buffered; if a
// consumer stalls long enough to fill it, transitions are dropped with
// a warning (the replay engine's poll ticker makes this self-healing).
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run probes until the context is canceled. The first probe result is
// adopted immediately as the initial stable state (and published, so a
// drain loop starting online fires right away); later raw changes pass
// through the debounce window. Always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(0) // immediate first probe
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		raw := m.probe(ctx)

		if ctx.Err() != nil {
			return nil
		}

		m.observe(raw, m.nowFunc())

		// Probe faster while a transition is being debounced so the
		// window is confirmed promptly.
		m.mu.Lock()
		next := m.interval
		if m.state == stateDebouncing {
			next = m.debounce
		}
		m.mu.Unlock()

		timer.Reset(next)
	}
}

// observe advances the debounce state machine with one raw probe
// result. Separated from Run so tests can drive it with a fake clock.
func (m *Monitor) observe(raw bool, now time.Time) {
	m.mu.Lock()

	if !m.started {
		m.started = true
		m.online = raw
		m.mu.Unlock()

		m.publish(Event{Online: raw, At: now})
		m.logger.Info("connectivity established",
			slog.Bool("online", raw),
		)

		return
	}

	switch m.state {
	case stateStable:
		if raw != m.online {
			m.state = stateDebouncing
			m.candidate = raw
			m.candidateSince = now
		}

		m.mu.Unlock()

		return

	case stateDebouncing:
		if raw != m.candidate {
			// Flapped back to the stable state; discard the candidate.
			m.state = stateStable
			m.mu.Unlock()

			return
		}

		if now.Sub(m.candidateSince) < m.debounce {
			m.mu.Unlock()

			return
		}

		// Candidate held for the full window: commit the transition.
		m.online = raw
		m.state = stateStable
		m.mu.Unlock()

		m.publish(Event{Online: raw, At: now})

		if raw {
			m.logger.Info("went online")
		} else {
			m.logger.Warn("went offline")
		}

		return
	}

	m.mu.Unlock()
}

// publish sends an event without blocking.
func (m *Monitor) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("connectivity event dropped (consumer stalled)",
			slog.Bool("online", ev.Online),
		)
	}
}
