package schema

import (
	"encoding/json"
	"testing"
	"time"
)

func testEntity(t *testing.T, typ EntityType) *Entity {
	t.Helper()

	ent, err := NewEntity(typ, &TaskRecord{
		Title:    "Write the weekly review",
		Status:   "open",
		Priority: 1,
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewEntity failed: %v", err)
	}
	return ent
}

func TestEntityValidate(t *testing.T) {
	valid := testEntity(t, TypeTask)
	if err := valid.Validate(); err != nil {
		t.Errorf("valid entity rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Entity)
	}{
		{"missing id", func(e *Entity) { e.ID = "" }},
		{"unknown type", func(e *Entity) { e.Type = "note" }},
		{"zero updated_at", func(e *Entity) { e.UpdatedAt = time.Time{} }},
		{"empty fields", func(e *Entity) { e.Fields = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := testEntity(t, TypeTask)
			tt.mutate(ent)
			if err := ent.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestEntityClone(t *testing.T) {
	ent := testEntity(t, TypeTask)
	cp := ent.Clone()

	cp.Fields[0] = '!'
	if ent.Fields[0] == '!' {
		t.Error("clone shares field backing array with original")
	}

	if (*Entity)(nil).Clone() != nil {
		t.Error("cloning nil should return nil")
	}
}

func TestPendingOperationValidate(t *testing.T) {
	base := func() *PendingOperation {
		return &PendingOperation{
			ID:         NewID(),
			EntityID:   "e1",
			EntityType: TypeTask,
			Kind:       OpUpdate,
			Payload:    json.RawMessage(`{"id":"e1"}`),
			EnqueuedAt: time.Now(),
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid op rejected: %v", err)
	}

	// Deletes carry no payload.
	del := base()
	del.Kind = OpDelete
	del.Payload = nil
	if err := del.Validate(); err != nil {
		t.Errorf("delete without payload rejected: %v", err)
	}

	// Updates require one.
	up := base()
	up.Payload = nil
	if err := up.Validate(); err == nil {
		t.Error("update without payload accepted")
	}

	bad := base()
	bad.Kind = "upsert"
	if err := bad.Validate(); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestRemoteChangeEventEntity(t *testing.T) {
	ent := testEntity(t, TypeTask)
	record, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal entity: %v", err)
	}

	ev := &RemoteChangeEvent{
		EntityID:       ent.ID,
		EntityType:     TypeTask,
		Kind:           OpUpdate,
		Record:         record,
		EventTimestamp: time.Now(),
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	got, err := ev.Entity()
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}
	if got.ID != ent.ID || !got.UpdatedAt.Equal(ent.UpdatedAt) {
		t.Errorf("round-tripped entity mismatch: got %+v", got)
	}

	del := &RemoteChangeEvent{
		EntityID:       ent.ID,
		EntityType:     TypeTask,
		Kind:           OpDelete,
		EventTimestamp: time.Now(),
	}
	if err := del.Validate(); err != nil {
		t.Errorf("delete event without record rejected: %v", err)
	}
	if _, err := del.Entity(); err == nil {
		t.Error("Entity() on delete event should fail")
	}
}

func TestDecodeFields(t *testing.T) {
	fields, err := EncodeFields(&CheckupRecord{Date: "2026-03-01", Mood: 4, Energy: 3})
	if err != nil {
		t.Fatalf("EncodeFields failed: %v", err)
	}

	decoded, err := DecodeFields(TypeCheckup, fields)
	if err != nil {
		t.Fatalf("DecodeFields failed: %v", err)
	}

	checkup, ok := decoded.(*CheckupRecord)
	if !ok {
		t.Fatalf("expected *CheckupRecord, got %T", decoded)
	}
	if checkup.Date != "2026-03-01" || checkup.Mood != 4 {
		t.Errorf("decoded record mismatch: %+v", checkup)
	}

	if _, err := DecodeFields("note", fields); err == nil {
		t.Error("unknown type accepted")
	}
}
