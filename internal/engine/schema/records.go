package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// The engine treats entity fields as an opaque flat record, but the
// application needs a concrete shape per type. Each record implements an
// explicit to/from mapping registered here, one codec per entity type,
// rather than inferring the mapping from struct metadata.

// TaskRecord is the flat field record for a task.
type TaskRecord struct {
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	Status      string     `json:"status"` // open, in_progress, done, dropped
	Priority    int        `json:"priority"`
	SprintID    string     `json:"sprint_id,omitempty"`
	GoalID      string     `json:"goal_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SprintRecord is the flat field record for a sprint.
type SprintRecord struct {
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Focus    string    `json:"focus,omitempty"`
	Closed   bool      `json:"closed"`
}

// GoalRecord is the flat field record for a long-running goal.
type GoalRecord struct {
	Title    string     `json:"title"`
	Why      string     `json:"why,omitempty"`
	Horizon  string     `json:"horizon,omitempty"` // quarter, year
	Progress int        `json:"progress"`          // 0-100
	DoneAt   *time.Time `json:"done_at,omitempty"`
}

// ReviewRecord is the flat field record for a sprint or weekly review.
type ReviewRecord struct {
	SprintID   string `json:"sprint_id,omitempty"`
	WentWell   string `json:"went_well,omitempty"`
	WentBadly  string `json:"went_badly,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

// CheckupRecord is the flat field record for a daily wellness check-in.
type CheckupRecord struct {
	Date       string  `json:"date"` // YYYY-MM-DD, one per day
	Mood       int     `json:"mood"`
	Energy     int     `json:"energy"`
	SleepHours float64 `json:"sleep_hours,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// XRefRecord links two entities (e.g. a task discovered from a review).
type XRefRecord struct {
	FromID   string `json:"from_id"`
	FromType string `json:"from_type"`
	ToID     string `json:"to_id"`
	ToType   string `json:"to_type"`
	Relation string `json:"relation"` // relates, blocks, discovered-from
}

// recordShape maps each entity type to a constructor for its record type.
var recordShape = map[EntityType]func() any{
	TypeTask:    func() any { return new(TaskRecord) },
	TypeSprint:  func() any { return new(SprintRecord) },
	TypeGoal:    func() any { return new(GoalRecord) },
	TypeReview:  func() any { return new(ReviewRecord) },
	TypeCheckup: func() any { return new(CheckupRecord) },
	TypeXRef:    func() any { return new(XRefRecord) },
}

// EncodeFields serializes a typed record into the flat field form carried by
// an Entity envelope.
func EncodeFields(record any) (json.RawMessage, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// DecodeFields deserializes an entity's flat field record into the concrete
// record type for its entity type.
func DecodeFields(typ EntityType, fields json.RawMessage) (any, error) {
	shape, ok := recordShape[typ]
	if !ok {
		return nil, fmt.Errorf("no record shape registered for type %q", typ)
	}
	record := shape()
	if err := json.Unmarshal(fields, record); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", typ, err)
	}
	return record, nil
}

// NewEntity wraps a typed record into an Entity envelope with a fresh ID
// and the given mutation timestamp.
func NewEntity(typ EntityType, record any, updatedAt time.Time) (*Entity, error) {
	fields, err := EncodeFields(record)
	if err != nil {
		return nil, err
	}
	ent := &Entity{
		ID:        NewID(),
		Type:      typ,
		UpdatedAt: updatedAt,
		Fields:    fields,
	}
	if err := ent.Validate(); err != nil {
		return nil, err
	}
	return ent, nil
}
