// Package remote implements the client for the stride backend: push of
// pending operations, incremental fetch for reconciliation, and the
// realtime change subscription.
//
// The backend is a remote relational service reachable over HTTP and
// websocket with per-row optimistic timestamps. The client never interprets
// entity fields; it moves envelopes and classifies failures into the
// transient/permanent taxonomy the push coordinator acts on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/strideapp/stride/internal/engine/schema"
)

// callTimeout bounds every remote call. A timeout is a transient failure;
// in-flight calls are allowed to run out rather than being aborted mid-write.
const callTimeout = 30 * time.Second

// PushResult carries the server's acknowledgement of one operation.
type PushResult struct {
	// AcceptedAt is the canonical timestamp the server assigned to the
	// mutation. The local entity adopts it so both sides share the same
	// ordering anchor for later conflict resolution.
	AcceptedAt time.Time `json:"accepted_at"`

	// Canonical optionally carries server-corrected fields to write back
	// over the local record.
	Canonical json.RawMessage `json:"canonical,omitempty"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the backend, e.g. https://sync.example.com
	BaseURL string

	// Token authenticates the device's principal.
	Token string

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// Client talks to the stride backend.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *log.Logger
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: callTimeout},
		logger:  logger,
	}, nil
}

// pushRequest is the wire form of one pushed operation.
type pushRequest struct {
	OpID       string          `json:"op_id"`
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Push sends one pending operation to the backend.
//
// The op id doubles as an idempotency key: redelivery of an operation the
// server already applied returns the original acknowledgement, which keeps
// at-least-once delivery safe.
func (c *Client) Push(ctx context.Context, op *schema.PendingOperation) (*PushResult, error) {
	body, err := json.Marshal(pushRequest{
		OpID:       op.ID,
		EntityID:   op.EntityID,
		EntityType: string(op.EntityType),
		Kind:       string(op.Kind),
		Payload:    op.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("v1", "ops")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport("push "+op.EntityID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyHTTP(resp.StatusCode, string(respBody)); err != nil {
		return nil, err
	}

	var result PushResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		// The server acknowledged but we can't read the ack. Treat as
		// transient: redelivery is idempotent on the op id.
		return nil, &TransientError{Detail: "undecodable push ack", Err: err}
	}
	if result.AcceptedAt.IsZero() {
		return nil, &TransientError{Detail: "push ack missing accepted_at"}
	}
	return &result, nil
}

// FetchSince retrieves every entity of the type modified at or after the
// given timestamp, for the post-reconnect reconciliation pass.
func (c *Client) FetchSince(ctx context.Context, typ schema.EntityType, since time.Time) ([]*schema.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("v1", "entities", string(typ))
	q := endpoint.Query()
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport("fetch "+string(typ), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err := classifyHTTP(resp.StatusCode, string(respBody)); err != nil {
		return nil, err
	}

	var payload struct {
		Entities []*schema.Entity `json:"entities"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, &TransientError{Detail: "undecodable fetch response", Err: err}
	}
	return payload.Entities, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
