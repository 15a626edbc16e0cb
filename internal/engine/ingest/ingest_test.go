package ingest

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/strideapp/stride/internal/engine/db"
	"github.com/strideapp/stride/internal/engine/schema"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "stride.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return database
}

func taskEntity(t *testing.T, id string, updatedAt time.Time, title string) *schema.Entity {
	t.Helper()

	fields, err := schema.EncodeFields(&schema.TaskRecord{Title: title, Status: "open"})
	if err != nil {
		t.Fatalf("failed to encode fields: %v", err)
	}
	return &schema.Entity{ID: id, Type: schema.TypeTask, UpdatedAt: updatedAt, Fields: fields}
}

func updateEvent(t *testing.T, ent *schema.Entity) schema.RemoteChangeEvent {
	t.Helper()

	record, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("failed to encode event record: %v", err)
	}
	return schema.RemoteChangeEvent{
		EntityID:       ent.ID,
		EntityType:     ent.Type,
		Kind:           schema.OpUpdate,
		Record:         record,
		EventTimestamp: ent.UpdatedAt,
	}
}

func deleteEvent(id string, at time.Time) schema.RemoteChangeEvent {
	return schema.RemoteChangeEvent{
		EntityID:       id,
		EntityType:     schema.TypeTask,
		Kind:           schema.OpDelete,
		EventTimestamp: at,
	}
}

func quietLogger() *log.Logger {
	return log.New(os.Stderr, "[ingest-test] ", 0)
}

// fakeRemote serves canned snapshots and a scripted stream.
type fakeRemote struct {
	mu sync.Mutex

	entities map[schema.EntityType][]*schema.Entity
	sinceLog []time.Time

	subscribeFails int
	subscribes     int
	stream         chan schema.RemoteChangeEvent
}

func (f *fakeRemote) Subscribe(ctx context.Context, types []schema.EntityType) (<-chan schema.RemoteChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeFails > 0 {
		f.subscribeFails--
		return nil, context.DeadlineExceeded
	}
	return f.stream, nil
}

func (f *fakeRemote) FetchSince(ctx context.Context, typ schema.EntityType, since time.Time) ([]*schema.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if typ == schema.TypeTask {
		f.sinceLog = append(f.sinceLog, since)
	}
	var out []*schema.Entity
	for _, ent := range f.entities[typ] {
		if ent.UpdatedAt.After(since) {
			out = append(out, ent.Clone())
		}
	}
	return out, nil
}

func TestApplyRemoteInsert(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	in := New(database, &fakeRemote{}, Config{Logger: quietLogger()})

	ent := taskEntity(t, "t1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "Book dentist")
	if err := in.Apply(ctx, updateEvent(t, ent)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := database.GetEntity(schema.TypeTask, "t1")
	if err != nil || got == nil {
		t.Fatalf("entity missing after insert: (%v, %v)", got, err)
	}
	if !got.UpdatedAt.Equal(ent.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, ent.UpdatedAt)
	}

	mark, err := database.HighWater(ctx, schema.TypeTask)
	if err != nil {
		t.Fatalf("HighWater failed: %v", err)
	}
	if !mark.Equal(ent.UpdatedAt) {
		t.Errorf("high-water = %v, want %v", mark, ent.UpdatedAt)
	}
}

func TestApplyNewerRemoteWins(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	in := New(database, &fakeRemote{}, Config{Logger: quietLogger()})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := taskEntity(t, "t2", base.Add(150*time.Second), "Local title")
	if err := database.PutEntity(local); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}

	remote := taskEntity(t, "t2", base.Add(200*time.Second), "Remote title")
	if err := in.Apply(ctx, updateEvent(t, remote)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := database.GetEntity(schema.TypeTask, "t2")
	if err != nil || got == nil {
		t.Fatalf("GetEntity failed: (%v, %v)", got, err)
	}
	if !got.UpdatedAt.Equal(remote.UpdatedAt) {
		t.Errorf("newer remote did not apply: updated_at = %v", got.UpdatedAt)
	}
	decoded, err := schema.DecodeFields(schema.TypeTask, got.Fields)
	if err != nil {
		t.Fatalf("DecodeFields failed: %v", err)
	}
	rec, ok := decoded.(*schema.TaskRecord)
	if !ok {
		t.Fatalf("unexpected record type %T", decoded)
	}
	if rec.Title != "Remote title" {
		t.Errorf("fields not replaced: title = %q", rec.Title)
	}
}

func TestApplyStaleRemoteDroppedAndIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	in := New(database, &fakeRemote{}, Config{Logger: quietLogger()})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := taskEntity(t, "t3", base.Add(time.Hour), "Current")
	if err := database.PutEntity(local); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}

	stale := updateEvent(t, taskEntity(t, "t3", base, "Stale"))
	for i := 0; i < 3; i++ {
		if err := in.Apply(ctx, stale); err != nil {
			t.Fatalf("Apply #%d failed: %v", i+1, err)
		}
	}

	got, err := database.GetEntity(schema.TypeTask, "t3")
	if err != nil || got == nil {
		t.Fatalf("GetEntity failed: (%v, %v)", got, err)
	}
	if !got.UpdatedAt.Equal(local.UpdatedAt) {
		t.Errorf("stale event overwrote local state: %v", got.UpdatedAt)
	}
}

func TestRemoteDeleteAppliesWhenNothingPending(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	in := New(database, &fakeRemote{}, Config{Logger: quietLogger()})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := database.PutEntity(taskEntity(t, "t4", base, "Doomed")); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}

	ev := deleteEvent("t4", base.Add(time.Minute))
	if err := in.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	got, err := database.GetEntity(schema.TypeTask, "t4")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got != nil {
		t.Error("entity survived a remote delete with nothing pending")
	}

	// Replaying the delete is a no-op, not an error.
	if err := in.Apply(ctx, ev); err != nil {
		t.Errorf("replayed delete errored: %v", err)
	}
}

func TestRemoteDeleteLosesToPendingLocalEdit(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	in := New(database, &fakeRemote{}, Config{Logger: quietLogger()})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := taskEntity(t, "t5", base, "Unconfirmed edit")
	if err := database.SaveLocal(ctx, local, schema.OpUpdate); err != nil {
		t.Fatalf("SaveLocal failed: %v", err)
	}

	if err := in.Apply(ctx, deleteEvent("t5", base.Add(time.Minute))); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := database.GetEntity(schema.TypeTask, "t5")
	if err != nil || got == nil {
		t.Fatalf("local edit was discarded: (%v, %v)", got, err)
	}
	pending, err := database.HasPending(ctx, "t5")
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if !pending {
		t.Error("pending op vanished; nothing left to re-assert the local edit")
	}
}

func TestReconcileAdvancesHighWater(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rem := &fakeRemote{
		entities: map[schema.EntityType][]*schema.Entity{
			schema.TypeTask: {
				taskEntity(t, "t6", base.Add(time.Minute), "First"),
				taskEntity(t, "t7", base.Add(2*time.Minute), "Second"),
			},
		},
	}
	in := New(database, rem, Config{Types: []schema.EntityType{schema.TypeTask}, Logger: quietLogger()})

	if err := in.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	for _, id := range []string{"t6", "t7"} {
		got, err := database.GetEntity(schema.TypeTask, id)
		if err != nil || got == nil {
			t.Errorf("%s missing after reconcile: (%v, %v)", id, got, err)
		}
	}
	mark, err := database.HighWater(ctx, schema.TypeTask)
	if err != nil {
		t.Fatalf("HighWater failed: %v", err)
	}
	if !mark.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("high-water = %v, want %v", mark, base.Add(2*time.Minute))
	}

	// The next pass only asks for changes past the mark, and finds none.
	if err := in.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	rem.mu.Lock()
	defer rem.mu.Unlock()
	if len(rem.sinceLog) != 2 {
		t.Fatalf("expected 2 fetches, got %d", len(rem.sinceLog))
	}
	if !rem.sinceLog[0].IsZero() {
		t.Errorf("first fetch should start from zero, got %v", rem.sinceLog[0])
	}
	if !rem.sinceLog[1].Equal(mark) {
		t.Errorf("second fetch since = %v, want %v", rem.sinceLog[1], mark)
	}
}

func TestRunReconnectsAndApplies(t *testing.T) {
	database := setupTestDB(t)

	stream := make(chan schema.RemoteChangeEvent, 1)
	rem := &fakeRemote{subscribeFails: 1, stream: stream}
	in := New(database, rem, Config{Types: []schema.EntityType{schema.TypeTask}, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = in.Run(ctx)
	}()

	ent := taskEntity(t, "t8", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "Streamed")
	stream <- updateEvent(t, ent)

	deadline := time.After(5 * time.Second)
	for {
		got, err := database.GetEntity(schema.TypeTask, "t8")
		if err != nil {
			t.Fatalf("GetEntity failed: %v", err)
		}
		if got != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("streamed event never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}

	rem.mu.Lock()
	subs := rem.subscribes
	rem.mu.Unlock()
	if subs < 2 {
		t.Errorf("expected a failed subscribe plus a retry, got %d attempts", subs)
	}

	cancel()
	close(stream)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
