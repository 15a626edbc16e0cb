package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/strideapp/stride/internal/engine/schema"
)

// Subscribe opens the realtime change stream for the given entity types,
// scoped to the authenticated principal.
//
// Events arrive on the returned channel until the context is cancelled or
// the connection drops, at which point the channel closes. The caller owns
// reconnection; the stream itself makes no retry decisions.
func (c *Client) Subscribe(ctx context.Context, types []schema.EntityType) (<-chan schema.RemoteChangeEvent, error) {
	endpoint := c.baseURL.JoinPath("v1", "stream")
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}

	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	q := endpoint.Query()
	q.Set("types", strings.Join(names, ","))
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, classifyTransport("subscribe", err)
	}
	// Events can back up briefly while the ingestor applies a batch.
	conn.SetReadLimit(1 << 20)

	events := make(chan schema.RemoteChangeEvent, 64)

	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "subscription closed")

		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				// Context cancellation and connection loss both end
				// the stream; the subscriber decides what comes next.
				return
			}
			if msgType != websocket.MessageText {
				continue
			}

			var ev schema.RemoteChangeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Printf("Warning: dropping undecodable stream event: %v", err)
				continue
			}
			if err := ev.Validate(); err != nil {
				c.logger.Printf("Warning: dropping invalid stream event for %s: %v", ev.EntityID, err)
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	c.logger.Printf("Subscribed to %s", strings.Join(names, ", "))
	return events, nil
}

// Ping verifies backend reachability. Used by the connectivity monitor.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("v1", "health")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport("ping", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTP(resp.StatusCode, "health check failed")
	}
	return nil
}
