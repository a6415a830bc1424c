package api

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Wake listener backoff constants.
const (
	wakeInitBackoff = 5 * time.Second
	wakeMaxBackoff  = 2 * time.Minute
	wakeBackoffMult = 2
)

// WakeListener subscribes to the backend's sync notification websocket
// and signals a wake whenever the server announces new work (e.g. an
// entry the field client should re-send sooner than the next poll).
// Connection loss is expected in the field; the listener reconnects
// with capped exponential backoff and never reports an error upward.
type WakeListener struct {
	baseURL string
	token   string
	logger  *slog.Logger

	wake chan struct{}
}

// NewWakeListener creates a listener for the given backend. baseURL
// uses the http/https scheme; the listener derives the ws endpoint.
func NewWakeListener(baseURL, token string, logger *slog.Logger) *WakeListener {
	return &WakeListener{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Wake returns the signal channel. It carries at most one pending
// signal; coalescing is fine because a single drain pass handles all
// eligible entries.
func (w *WakeListener) Wake() <-chan struct{} {
	return w.wake
}

// Run maintains the websocket subscription until the context is
// canceled. Always returns nil — wake signals are an optimization, so
// a permanently unreachable notify endpoint degrades to poll-only.
func (w *WakeListener) Run(ctx context.Context) error {
	backoff := wakeInitBackoff

	for {
		if err := w.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			w.logger.Debug("wake listener disconnected",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			backoff *= wakeBackoffMult
			if backoff > wakeMaxBackoff {
				backoff = wakeMaxBackoff
			}

			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		backoff = wakeInitBackoff
	}
}

// wsURL converts the backend base URL to the websocket notify endpoint.
func (w *WakeListener) wsURL() string {
	url := w.baseURL + "/api/v1/sync/notify"

	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

// listenOnce dials the notify endpoint and signals a wake per message
// until the connection drops.
func (w *WakeListener) listenOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}

	if w.token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + w.token},
		}
	}

	conn, _, err := websocket.Dial(ctx, w.wsURL(), opts)
	if err != nil {
		return err
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	w.logger.Info("wake listener connected")

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}

		select {
		case w.wake <- struct{}{}:
		default: // a wake is already pending
		}
	}
}
