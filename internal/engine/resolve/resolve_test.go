package resolve

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/strideapp/stride/internal/engine/schema"
)

func entityAt(id string, updatedAt time.Time) *schema.Entity {
	return &schema.Entity{
		ID:        id,
		Type:      schema.TypeTask,
		UpdatedAt: updatedAt,
		Fields:    json.RawMessage(`{"title":"x"}`),
	}
}

func TestResolveTruthTable(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := t0.Add(-time.Minute)
	newer := t0.Add(time.Minute)

	tests := []struct {
		name    string
		local   *schema.Entity
		remote  *schema.Entity
		kind    schema.OpKind
		pending bool
		want    Decision
	}{
		// Rule 1: first-seen insert.
		{"first seen insert", nil, entityAt("e1", t0), schema.OpCreate, false, ApplyRemote},
		{"first seen update", nil, entityAt("e1", t0), schema.OpUpdate, false, ApplyRemote},
		{"delete for unknown entity", nil, nil, schema.OpDelete, false, NoOp},
		{"remote edit races queued local delete", nil, entityAt("e1", t0), schema.OpUpdate, true, KeepLocalAndRepush},
		{"nothing on either side", nil, nil, schema.OpUpdate, false, NoOp},

		// Rule 2: remote delete.
		{"delete with no local intent", entityAt("e1", t0), nil, schema.OpDelete, false, ApplyRemoteDelete},
		{"delete races local edit", entityAt("e1", t0), nil, schema.OpDelete, true, KeepLocalAndRepush},

		// Rule 3: timestamp comparison.
		{"remote strictly newer", entityAt("e1", t0), entityAt("e1", newer), schema.OpUpdate, false, ApplyRemote},
		{"remote strictly older", entityAt("e1", t0), entityAt("e1", older), schema.OpUpdate, false, NoOp},
		{"equal timestamps, same id", entityAt("e1", t0), entityAt("e1", t0), schema.OpUpdate, false, ApplyRemote},

		// Rule 4: pending local intent overrides ApplyRemote.
		{"newer remote vs pending local", entityAt("e1", t0), entityAt("e1", newer), schema.OpUpdate, true, KeepLocalAndRepush},
		{"older remote vs pending local", entityAt("e1", t0), entityAt("e1", older), schema.OpUpdate, true, KeepLocalAndRepush},
		{"equal remote vs pending local", entityAt("e1", t0), entityAt("e1", t0), schema.OpUpdate, true, KeepLocalAndRepush},

		// Remote missing entirely.
		{"no remote record", entityAt("e1", t0), nil, schema.OpUpdate, false, NoOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.local, tt.remote, tt.kind, tt.pending)
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestResolveConvergence checks that two replicas evaluating the same pair
// of versions with distinct timestamps pick the same winner, no matter which
// side each replica considers "remote".
func TestResolveConvergence(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	vA := entityAt("e1", t0)
	vB := entityAt("e1", t0.Add(time.Second))

	// Replica holding vA receives vB.
	if got := Resolve(vA, vB, schema.OpUpdate, false); got != ApplyRemote {
		t.Errorf("replica A: Resolve = %v, want ApplyRemote", got)
	}
	// Replica holding vB receives vA.
	if got := Resolve(vB, vA, schema.OpUpdate, false); got != NoOp {
		t.Errorf("replica B: Resolve = %v, want NoOp", got)
	}
	// Both end holding vB.
}

// TestResolveIsPure hammers the same inputs repeatedly; identical inputs must
// always produce identical outputs.
func TestResolveIsPure(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := entityAt("e1", t0)
	remote := entityAt("e1", t0.Add(time.Second))

	first := Resolve(local, remote, schema.OpUpdate, false)
	for i := 0; i < 100; i++ {
		if got := Resolve(local, remote, schema.OpUpdate, false); got != first {
			t.Fatalf("resolver returned %v after returning %v for the same input", got, first)
		}
	}
}

func TestDecisionString(t *testing.T) {
	tests := map[Decision]string{
		NoOp:               "no-op",
		ApplyRemote:        "apply-remote",
		ApplyRemoteDelete:  "apply-remote-delete",
		KeepLocalAndRepush: "keep-local-repush",
		Decision(99):       "unknown",
	}
	for d, want := range tests {
		if d.String() != want {
			t.Errorf("Decision(%d).String() = %q, want %q", d, d.String(), want)
		}
	}
}
