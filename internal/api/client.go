package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const userAgent = "fieldsync/0.1"

// Envelope is the backend's standard response shape.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client is a single-attempt HTTP client for the relief backend.
// Each call issues exactly one request with a bounded timeout; transport
// errors and non-2xx responses come back classified so the replay
// engine can decide between backoff and terminal failure.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend API client. baseURL is the server root,
// e.g. "https://dms.example.org". token is the bearer token used for
// all requests. httpClient should carry the request timeout; nil uses
// http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// entityPaths maps known entity types to their REST collection names.
// Unknown types pluralize naively, so new backend resources work
// without a client change.
var entityPaths = map[string]string{
	"incident":   "incidents",
	"assessment": "assessments",
	"response":   "responses",
	"donor":      "donors",
	"user":       "users",
}

// collectionPath returns the API path for an entity type's collection.
func collectionPath(entityType string) string {
	if p, ok := entityPaths[entityType]; ok {
		return "/api/v1/" + p
	}

	return "/api/v1/" + entityType + "s"
}

// SendMutation transmits one queued mutation: create → POST to the
// collection, update → PATCH to the item, delete → DELETE to the item.
// On success it returns the server's authoritative representation of
// the entity (may be nil for deletes).
func (c *Client) SendMutation(
	ctx context.Context, operation, entityType, entityID string, payload json.RawMessage,
) (json.RawMessage, error) {
	var (
		method string
		path   string
		body   io.Reader
	)

	switch operation {
	case "create":
		method = http.MethodPost
		path = collectionPath(entityType)
		body = bytes.NewReader(payload)
	case "update":
		method = http.MethodPatch
		path = collectionPath(entityType) + "/" + entityID
		body = bytes.NewReader(payload)
	case "delete":
		method = http.MethodDelete
		path = collectionPath(entityType) + "/" + entityID
	default:
		return nil, fmt.Errorf("api: unknown operation %q", operation)
	}

	env, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	return env.Data, nil
}

// Healthy probes the backend health endpoint. Used as the default
// connectivity probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return false
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
	resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// do issues a single request and decodes the response envelope.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport error: connection refused, timeout, DNS. Always
		// transient from the engine's point of view.
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: reading response body: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &Error{
			StatusCode: resp.StatusCode,
			Err:        classifyStatus(resp.StatusCode),
		}

		// The backend wraps errors in the envelope; fall back to raw body.
		var env Envelope
		if jsonErr := json.Unmarshal(respBody, &env); jsonErr == nil && env.Message != "" {
			apiErr.Message = env.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}

		c.logger.Debug("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return nil, apiErr
	}

	var env Envelope

	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &env); err != nil {
			return nil, fmt.Errorf("api: decoding response: %w", err)
		}
	} else {
		env.Success = true
	}

	if !env.Success {
		// 2xx with success=false is a backend contract violation;
		// treat as a permanent validation-style failure.
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    env.Message,
			Err:        ErrValidation,
		}
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	return &env, nil
}
