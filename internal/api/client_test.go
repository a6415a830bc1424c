package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedRequest captures what the server saw.
type recordedRequest struct {
	method string
	path   string
	auth   string
	body   string
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordedRequest) {
	t.Helper()

	rec := &recordedRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.auth = r.Header.Get("Authorization")
		rec.body = string(body)

		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, "test-token", srv.Client(), testLogger(t)), rec
}

func okEnvelope(data string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":` + data + `}`)) //nolint:errcheck
	}
}

func TestClient_SendMutationRouting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		operation  string
		entityType string
		wantMethod string
		wantPath   string
	}{
		{"create posts to collection", "create", "incident", http.MethodPost, "/api/v1/incidents"},
		{"update patches item", "update", "assessment", http.MethodPatch, "/api/v1/assessments/e-1"},
		{"delete targets item", "delete", "donor", http.MethodDelete, "/api/v1/donors/e-1"},
		{"unknown type pluralizes", "create", "shelter", http.MethodPost, "/api/v1/shelters"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, rec := newTestClient(t, okEnvelope(`{"id":"e-1"}`))

			data, err := client.SendMutation(context.Background(),
				tt.operation, tt.entityType, "e-1", json.RawMessage(`{"k":"v"}`))
			require.NoError(t, err)

			assert.Equal(t, tt.wantMethod, rec.method)
			assert.Equal(t, tt.wantPath, rec.path)
			assert.Equal(t, "Bearer test-token", rec.auth)
			assert.JSONEq(t, `{"id":"e-1"}`, string(data))
		})
	}
}

func TestClient_SendMutationUnknownOperation(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, okEnvelope(`{}`))

	_, err := client.SendMutation(context.Background(), "upsert", "incident", "e-1", nil)
	require.Error(t, err)
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantSentinel  error
		wantPermanent bool
	}{
		{"validation is permanent", http.StatusUnprocessableEntity, ErrValidation, true},
		{"conflict is permanent", http.StatusConflict, ErrConflict, true},
		{"unauthorized is permanent", http.StatusUnauthorized, ErrUnauthorized, true},
		{"throttle is transient", http.StatusTooManyRequests, ErrThrottled, false},
		{"server error is transient", http.StatusInternalServerError, ErrServerError, false},
		{"bad gateway is transient", http.StatusBadGateway, ErrServerError, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"success":false,"message":"nope"}`)) //nolint:errcheck
			})

			_, err := client.SendMutation(context.Background(),
				"update", "incident", "e-1", json.RawMessage(`{}`))
			require.Error(t, err)

			assert.ErrorIs(t, err, tt.wantSentinel)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)

			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, tt.wantPermanent, apiErr.Permanent())
		})
	}
}

func TestClient_EnvelopeFailureIsPermanent(t *testing.T) {
	t.Parallel()

	// 200 with success=false: the backend rejected the mutation.
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false,"message":"severity out of range"}`)) //nolint:errcheck
	})

	_, err := client.SendMutation(context.Background(),
		"create", "incident", "e-1", json.RawMessage(`{"severity":99}`))
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)

	assert.True(t, apiErr.Permanent())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, apiErr.Error(), "severity out of range")
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(okEnvelope(`{}`))
	client := NewClient(srv.URL, "", srv.Client(), testLogger(t))
	srv.Close() // connection refused from here on

	_, err := client.SendMutation(context.Background(),
		"create", "incident", "e-1", json.RawMessage(`{}`))
	require.Error(t, err)

	// No Permanent() implementation on transport errors: the engine
	// treats them as transient.
	var apiErr *Error
	assert.False(t, errors.As(err, &apiErr))
}

func TestClient_EmptyDeleteResponse(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	data, err := client.SendMutation(context.Background(), "delete", "incident", "e-1", nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestClient_Healthy(t *testing.T) {
	t.Parallel()

	t.Run("healthy backend", func(t *testing.T) {
		t.Parallel()

		client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		assert.True(t, client.Healthy(context.Background()))
		assert.Equal(t, http.MethodHead, rec.method)
		assert.Equal(t, "/api/v1/health", rec.path)
	})

	t.Run("server error means unhealthy", func(t *testing.T) {
		t.Parallel()

		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		assert.False(t, client.Healthy(context.Background()))
	})

	t.Run("unreachable backend", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(okEnvelope(`{}`))
		client := NewClient(srv.URL, "", srv.Client(), testLogger(t))
		srv.Close()

		assert.False(t, client.Healthy(context.Background()))
	})
}
