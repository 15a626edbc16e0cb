package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/strideapp/stride/internal/engine/schema"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL: srv.URL,
		Token:   "test-token",
		Logger:  log.New(testWriter{t}, "[remote-test] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, srv
}

// testWriter routes client logs through the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func testOp(kind schema.OpKind) *schema.PendingOperation {
	op := &schema.PendingOperation{
		ID:         "op-1",
		EntityID:   "e1",
		EntityType: schema.TypeTask,
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
	}
	if kind != schema.OpDelete {
		op.Payload = json.RawMessage(`{"id":"e1","type":"task"}`)
	}
	return op
}

func TestPushSuccess(t *testing.T) {
	accepted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ops" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing auth header, got %q", got)
		}

		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode push request: %v", err)
		}
		if req.OpID != "op-1" || req.Kind != "create" {
			t.Errorf("unexpected push request: %+v", req)
		}

		_ = json.NewEncoder(w).Encode(PushResult{AcceptedAt: accepted})
	}))

	result, err := client.Push(context.Background(), testOp(schema.OpCreate))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !result.AcceptedAt.Equal(accepted) {
		t.Errorf("AcceptedAt = %v, want %v", result.AcceptedAt, accepted)
	}
}

func TestPushClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
		wantPermanent bool
	}{
		{"server error is transient", http.StatusInternalServerError, true, false},
		{"bad gateway is transient", http.StatusBadGateway, true, false},
		{"validation rejection is permanent", http.StatusUnprocessableEntity, false, true},
		{"not found is permanent", http.StatusNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))

			_, err := client.Push(context.Background(), testOp(schema.OpUpdate))
			if err == nil {
				t.Fatal("expected an error")
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", IsTransient(err), tt.wantTransient, err)
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}

func TestPushConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // Nothing listens here anymore.

	client, err := New(Config{BaseURL: url})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.Push(context.Background(), testOp(schema.OpCreate))
	if !IsTransient(err) {
		t.Errorf("connection refused should be transient, got %v", err)
	}
}

func TestPushBadAckIsTransient(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))

	_, err := client.Push(context.Background(), testOp(schema.OpCreate))
	if !IsTransient(err) {
		t.Errorf("undecodable ack should be transient, got %v", err)
	}
}

func TestFetchSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	remote := &schema.Entity{
		ID:        "e1",
		Type:      schema.TypeGoal,
		UpdatedAt: since.Add(time.Hour),
		Fields:    json.RawMessage(`{"title":"Ship it","progress":40}`),
	}

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entities/goal" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != since.Format(time.RFC3339Nano) {
			t.Errorf("since param = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entities": []*schema.Entity{remote},
		})
	}))

	ents, err := client.FetchSince(context.Background(), schema.TypeGoal, since)
	if err != nil {
		t.Fatalf("FetchSince failed: %v", err)
	}
	if len(ents) != 1 || ents[0].ID != "e1" {
		t.Fatalf("unexpected entities: %+v", ents)
	}
	if !ents[0].UpdatedAt.Equal(remote.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", ents[0].UpdatedAt, remote.UpdatedAt)
	}
}

func TestPing(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	down, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	if err := down.Ping(context.Background()); !IsTransient(err) {
		t.Errorf("unhealthy backend should report transient, got %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	ev1 := schema.RemoteChangeEvent{
		EntityID:       "e1",
		EntityType:     schema.TypeTask,
		Kind:           schema.OpUpdate,
		Record:         json.RawMessage(`{"id":"e1","type":"task","updated_at":"2026-03-01T12:00:00Z","fields":{"title":"x"}}`),
		EventTimestamp: time.Now().UTC(),
	}
	ev2 := schema.RemoteChangeEvent{
		EntityID:       "e2",
		EntityType:     schema.TypeTask,
		Kind:           schema.OpDelete,
		EventTimestamp: time.Now().UTC(),
	}

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stream" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("types"); got != "task,checkup" {
			t.Errorf("types param = %q", got)
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("websocket accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for _, ev := range []any{ev1, "not an event", ev2} {
			var data []byte
			if s, ok := ev.(string); ok {
				data = []byte(s)
			} else {
				data, _ = json.Marshal(ev)
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Subscribe(ctx, []schema.EntityType{schema.TypeTask, schema.TypeCheckup})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// The garbage frame in the middle is dropped, not fatal.
	got1 := <-events
	if got1.EntityID != "e1" || got1.Kind != schema.OpUpdate {
		t.Errorf("first event = %+v", got1)
	}
	got2 := <-events
	if got2.EntityID != "e2" || got2.Kind != schema.OpDelete {
		t.Errorf("second event = %+v", got2)
	}

	// Cancelling the context ends the stream.
	cancel()
	select {
	case _, open := <-events:
		if open {
			t.Error("expected channel close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("stream did not close after cancel")
	}
}
