// Package schema provides the data structures shared by the stride sync engine.
//
// Every synchronized domain object travels through the engine as an Entity
// envelope: a stable client-generated UUID, a type discriminator, the
// last-write timestamp used for conflict resolution, and the flat field
// record itself. The envelope is deliberately opaque to the engine; the
// per-type record shapes live in records.go.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType discriminates synchronized domain objects for routing.
type EntityType string

const (
	TypeTask    EntityType = "task"
	TypeSprint  EntityType = "sprint"
	TypeGoal    EntityType = "goal"
	TypeReview  EntityType = "review"
	TypeCheckup EntityType = "checkup"
	TypeXRef    EntityType = "xref"
)

// AllTypes lists every entity type the engine synchronizes, in the order
// subscriptions are established.
func AllTypes() []EntityType {
	return []EntityType{TypeTask, TypeSprint, TypeGoal, TypeReview, TypeCheckup, TypeXRef}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case TypeTask, TypeSprint, TypeGoal, TypeReview, TypeCheckup, TypeXRef:
		return true
	}
	return false
}

// Entity is the sync envelope for one domain record.
//
// UpdatedAt is set at every mutation, local or remote, and is non-decreasing
// for a given ID across all appliers. Ties between replicas are broken
// deterministically by the conflict resolver (lexicographic ID comparison),
// so every replica converges to the same value without coordination.
type Entity struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"type"`
	UpdatedAt time.Time       `json:"updated_at"`
	Fields    json.RawMessage `json:"fields"`
}

// NewID returns a fresh client-generated entity identifier.
func NewID() string {
	return uuid.New().String()
}

// Validate checks the envelope invariants.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("fields are required")
	}
	return nil
}

// Clone returns a deep copy of the entity. The resolver and appliers hand
// entities across goroutines, so shared backing arrays are never reused.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Fields = append(json.RawMessage(nil), e.Fields...)
	return &cp
}
