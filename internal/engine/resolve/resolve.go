// Package resolve decides the winner between a local and a remote version of
// the same entity.
//
// The resolver is a pure function: no I/O, no clock reads, no randomness.
// Callers gather the inputs (current local entity, incoming remote entity,
// whether an unconfirmed local operation exists) and apply the returned
// decision transactionally. Because the tie-break is deterministic, every
// replica evaluating the same pair converges to the same value without
// coordination.
package resolve

import (
	"github.com/strideapp/stride/internal/engine/schema"
)

// Decision is the outcome of conflict resolution.
type Decision int

const (
	// NoOp leaves local state untouched; the remote version is stale.
	NoOp Decision = iota

	// ApplyRemote writes the remote entity wholesale over local state.
	ApplyRemote

	// ApplyRemoteDelete removes the local entity.
	ApplyRemoteDelete

	// KeepLocalAndRepush preserves the local value and leaves its pending
	// operation queued, so the push coordinator re-asserts it and the
	// server-side ordering settles the final state on the next round-trip.
	KeepLocalAndRepush
)

// String returns a human-readable decision name.
func (d Decision) String() string {
	switch d {
	case NoOp:
		return "no-op"
	case ApplyRemote:
		return "apply-remote"
	case ApplyRemoteDelete:
		return "apply-remote-delete"
	case KeepLocalAndRepush:
		return "keep-local-repush"
	default:
		return "unknown"
	}
}

// Resolve picks the winning version between local and remote state.
//
// Rules, in order:
//  1. Remote insert for an entity unknown locally applies directly.
//  2. A remote delete applies unless a local operation is unconfirmed; a
//     local edit racing a remote delete wins and is re-pushed, effectively
//     resurrecting the entity. This is a deliberate policy choice.
//  3. Otherwise timestamps decide: strictly newer remote applies, strictly
//     older remote is a stale out-of-order notification and is dropped.
//     Equal timestamps fall to a lexicographic id comparison, lower id
//     winning as remote-authoritative.
//  4. Unconfirmed local intent overrides any ApplyRemote outcome from rules
//     2 and 3: in-flight local work is never silently discarded.
//
// local and remote may each be nil (entity absent on that side).
func Resolve(local, remote *schema.Entity, kind schema.OpKind, pendingExists bool) Decision {
	// Rule 1: first-seen insert.
	if local == nil {
		if kind == schema.OpDelete {
			// Delete for something we never had; idempotent no-op.
			return NoOp
		}
		if remote == nil {
			return NoOp
		}
		if pendingExists {
			// Local delete raced a remote edit; the delete is queued
			// and wins until the server says otherwise.
			return KeepLocalAndRepush
		}
		return ApplyRemote
	}

	// Rule 2: remote delete.
	if kind == schema.OpDelete {
		if pendingExists {
			return KeepLocalAndRepush
		}
		return ApplyRemoteDelete
	}

	if remote == nil {
		return NoOp
	}

	// Rule 4 overrides rule 3's ApplyRemote: local intent is in flight.
	if pendingExists {
		return KeepLocalAndRepush
	}

	// Rule 3: timestamp order, id tie-break.
	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		return ApplyRemote
	case remote.UpdatedAt.Before(local.UpdatedAt):
		return NoOp
	default:
		// Equal timestamps. The lower id wins as remote-authoritative;
		// both replicas evaluate the same comparison and agree.
		if remote.ID <= local.ID {
			return ApplyRemote
		}
		return NoOp
	}
}
