package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the kind of local mutation captured by a pending operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PendingOperation is one not-yet-confirmed local mutation.
//
// It is created in the same local transaction as the entity write, so an
// entity mutation and its pending operation are never observed independently.
// The push coordinator mutates attempt bookkeeping on every send; the row is
// deleted on remote acknowledgement or flagged Terminal after the attempt
// budget is exhausted.
type PendingOperation struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	Kind       OpKind     `json:"kind"`

	// Payload is the serialized entity state at enqueue time.
	// Empty for delete operations.
	Payload json.RawMessage `json:"payload,omitempty"`

	EnqueuedAt    time.Time  `json:"enqueued_at"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	// Terminal marks an operation that will not be retried further.
	// Terminal operations stay in the store until an operator acknowledges
	// or retries them; they are never silently dropped.
	Terminal bool `json:"terminal"`
}

// Validate checks the operation invariants.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("op id is required")
	}
	if op.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !op.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	if op.Kind != OpDelete && len(op.Payload) == 0 {
		return fmt.Errorf("%s op requires a payload", op.Kind)
	}
	if op.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	return nil
}

// RemoteChangeEvent is a notification of a remote-origin mutation, delivered
// over the realtime subscription. Events are ephemeral: they are consumed
// exactly once by the ingestor and never persisted.
//
// Record carries the full new entity state, or only the key fields for a
// delete. Delivery may be duplicated or out of order; the conflict resolver
// guards against regressing to stale remote state.
type RemoteChangeEvent struct {
	EntityID       string          `json:"entity_id"`
	EntityType     EntityType      `json:"entity_type"`
	Kind           OpKind          `json:"kind"`
	Record         json.RawMessage `json:"record,omitempty"`
	EventTimestamp time.Time       `json:"event_timestamp"`
}

// Validate checks the event invariants.
func (ev *RemoteChangeEvent) Validate() error {
	if ev.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !ev.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", ev.EntityType)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown op kind %q", ev.Kind)
	}
	if ev.Kind != OpDelete && len(ev.Record) == 0 {
		return fmt.Errorf("%s event requires a record", ev.Kind)
	}
	if ev.EventTimestamp.IsZero() {
		return fmt.Errorf("event_timestamp is required")
	}
	return nil
}

// Entity converts the event record into an Entity envelope.
// Returns an error for delete events, which carry no record.
func (ev *RemoteChangeEvent) Entity() (*Entity, error) {
	if ev.Kind == OpDelete {
		return nil, fmt.Errorf("delete event for %s carries no record", ev.EntityID)
	}
	var ent Entity
	if err := json.Unmarshal(ev.Record, &ent); err != nil {
		return nil, fmt.Errorf("failed to decode event record: %w", err)
	}
	if err := ent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event record: %w", err)
	}
	return &ent, nil
}
