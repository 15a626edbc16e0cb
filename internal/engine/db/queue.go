package db

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/strideapp/stride/internal/engine/schema"
)

// Retry policy for transient push failures. Backoff grows exponentially
// from backoffBase up to backoffCap, with ±20% jitter so a fleet of devices
// reconnecting together doesn't hammer the backend in lockstep.
const (
	backoffBase   = 10 * time.Second
	backoffCap    = 5 * time.Minute
	backoffFactor = 2

	// MaxAttempts is the attempt budget before an operation is parked in
	// the terminal failed state.
	MaxAttempts = 10
)

// backoffDelay computes the retry delay after the given attempt count.
// jitter must be in [0, 1); it is mapped onto the ±20% window. Pure so the
// schedule is unit-testable.
func backoffDelay(attempt int, jitter float64) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	// Scale into [0.8, 1.2).
	scaled := float64(d) * (0.8 + 0.4*jitter)
	return time.Duration(scaled)
}

func nextBackoff(attempt int) time.Duration {
	return backoffDelay(attempt, rand.Float64())
}

// Enqueue appends a pending operation inside the transaction, alongside the
// entity write it captures. Superseded intermediate states for the same
// entity are coalesced:
//
//   - a new UPDATE folds its payload into an earlier pending CREATE/UPDATE
//     that hasn't been handed to the push coordinator yet
//   - a new DELETE removes earlier pending UPDATEs; if the entity's CREATE
//     never left the device, both the CREATE and the DELETE vanish entirely
//
// A DELETE is never dropped in favor of an older UPDATE, and operations
// currently in flight are never rewritten.
func (t *Tx) Enqueue(ctx context.Context, op *schema.PendingOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid pending operation: %w", err)
	}

	switch op.Kind {
	case schema.OpUpdate:
		coalesced, err := t.coalesceUpdate(ctx, op)
		if err != nil {
			return err
		}
		if coalesced {
			t.enqueued = true
			return nil
		}

	case schema.OpDelete:
		dropped, err := t.coalesceDelete(ctx, op)
		if err != nil {
			return err
		}
		if dropped {
			t.enqueued = true
			return nil
		}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_ops (id, entity_id, entity_type, kind, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.EntityID,
		string(op.EntityType),
		string(op.Kind),
		string(op.Payload),
		op.EnqueuedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s op for %s: %w", op.Kind, op.EntityID, err)
	}

	t.enqueued = true
	return nil
}

// coalesceUpdate folds the update's payload into the newest settled
// CREATE/UPDATE already pending for the entity. Returns true if folded.
func (t *Tx) coalesceUpdate(ctx context.Context, op *schema.PendingOperation) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pending_ops SET payload = ?
		WHERE id = (
			SELECT id FROM pending_ops
			WHERE entity_id = ? AND terminal = 0 AND in_flight = 0
			  AND kind IN ('create', 'update')
			ORDER BY enqueued_at DESC, id DESC
			LIMIT 1
		)`,
		string(op.Payload), op.EntityID)
	if err != nil {
		return false, fmt.Errorf("failed to coalesce update for %s: %w", op.EntityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read coalesce result: %w", err)
	}
	return n > 0, nil
}

// coalesceDelete removes pending ops the delete supersedes. Returns true if
// the delete itself should be dropped (the entity was never pushed).
func (t *Tx) coalesceDelete(ctx context.Context, op *schema.PendingOperation) (bool, error) {
	// An unattempted CREATE means the server never heard of the entity;
	// cancelling both sides leaves nothing to sync.
	var createID string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM pending_ops
		WHERE entity_id = ? AND kind = 'create'
		  AND terminal = 0 AND in_flight = 0 AND attempt_count = 0
		LIMIT 1`, op.EntityID).Scan(&createID)
	dropDelete := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check pending create for %s: %w", op.EntityID, err)
	}

	// Superseded updates (and the unattempted create, if any) go away.
	kinds := `('update')`
	if dropDelete {
		kinds = `('update', 'create')`
	}
	_, err = t.tx.ExecContext(ctx, `
		DELETE FROM pending_ops
		WHERE entity_id = ? AND terminal = 0 AND in_flight = 0
		  AND kind IN `+kinds,
		op.EntityID)
	if err != nil {
		return false, fmt.Errorf("failed to coalesce delete for %s: %w", op.EntityID, err)
	}

	return dropDelete, nil
}

// HasPending reports whether any non-terminal pending operation exists for
// the entity. The conflict resolver treats this as "local intent in flight".
func (t *Tx) HasPending(ctx context.Context, entityID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE entity_id = ? AND terminal = 0`,
		entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending ops for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// NextBatch returns up to maxSize operations ready for sending and marks
// them in flight. Results are ordered by entity id and enqueue time, so the
// per-entity FIFO prefix is always preserved even when a batch cuts a group.
//
// Entities with any operation still backing off or already in flight are
// skipped entirely: sending a later op ahead of a delayed earlier one would
// reorder the entity's history. Operations enqueued less than minAge ago are
// also held back, letting rapid edit bursts coalesce before first send.
// minAge zero disables the hold-back.
func (db *DB) NextBatch(ctx context.Context, maxSize int, minAge time.Duration) ([]*schema.PendingOperation, error) {
	if maxSize <= 0 {
		maxSize = 50
	}

	var batch []*schema.PendingOperation
	err := db.WithTx(ctx, func(t *Tx) error {
		now := time.Now().UTC()
		cutoff := now.Add(-minAge).Format(timeLayout)
		nowStr := now.Format(timeLayout)

		rows, err := t.tx.QueryContext(ctx, `
			SELECT id, entity_id, entity_type, kind, payload, enqueued_at,
			       attempt_count, last_attempt_at, next_attempt_at, last_error
			FROM pending_ops
			WHERE terminal = 0 AND in_flight = 0
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			  AND enqueued_at <= ?
			  AND attempt_count < ?
			  AND entity_id NOT IN (
				SELECT entity_id FROM pending_ops
				WHERE terminal = 0
				  AND (in_flight = 1
				       OR (next_attempt_at IS NOT NULL AND next_attempt_at > ?))
			  )
			ORDER BY entity_id ASC, enqueued_at ASC, id ASC
			LIMIT ?`,
			nowStr, cutoff, MaxAttempts, nowStr, maxSize)
		if err != nil {
			return fmt.Errorf("failed to query pending ops: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			op, err := scanPendingOp(rows)
			if err != nil {
				return err
			}
			batch = append(batch, op)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating pending ops: %w", err)
		}

		if len(batch) == 0 {
			return nil
		}

		ids := make([]string, len(batch))
		args := make([]any, len(batch))
		for i, op := range batch {
			ids[i] = "?"
			args[i] = op.ID
		}
		_, err = t.tx.ExecContext(ctx,
			`UPDATE pending_ops SET in_flight = 1 WHERE id IN (`+strings.Join(ids, ",")+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to mark batch in flight: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkSucceeded removes acknowledged operations transactionally.
func (db *DB) MarkSucceeded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to remove succeeded ops: %w", err)
	}
	return nil
}

// DeleteOp removes a single acknowledged operation inside the transaction,
// so canonical-field adoption and queue removal commit together.
func (t *Tx) DeleteOp(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove op %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a transient failure: the attempt counter advances, the
// error is kept for inspection, and the next retry time is scheduled with
// exponential backoff. When the attempt budget is exhausted the operation
// flips to the terminal failed state; the returned flag reports that so the
// caller can surface it.
func (db *DB) MarkFailed(ctx context.Context, id string, cause error) (terminal bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err = db.WithTx(ctx, func(t *Tx) error {
		var attempts int
		if err := t.tx.QueryRowContext(ctx,
			`SELECT attempt_count FROM pending_ops WHERE id = ?`, id).Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("pending op %s not found", id)
			}
			return fmt.Errorf("failed to load pending op %s: %w", id, err)
		}

		attempts++
		now := time.Now().UTC()

		if attempts >= MaxAttempts {
			terminal = true
			_, err := t.tx.ExecContext(ctx, `
				UPDATE pending_ops
				SET attempt_count = ?, last_attempt_at = ?, last_error = ?,
				    terminal = 1, in_flight = 0, next_attempt_at = NULL
				WHERE id = ?`,
				attempts, now.Format(timeLayout), msg, id)
			if err != nil {
				return fmt.Errorf("failed to park op %s as terminal: %w", id, err)
			}
			return nil
		}

		next := now.Add(nextBackoff(attempts))
		_, err := t.tx.ExecContext(ctx, `
			UPDATE pending_ops
			SET attempt_count = ?, last_attempt_at = ?, next_attempt_at = ?,
			    last_error = ?, in_flight = 0
			WHERE id = ?`,
			attempts, now.Format(timeLayout), next.Format(timeLayout), msg, id)
		if err != nil {
			return fmt.Errorf("failed to record failure for op %s: %w", id, err)
		}
		return nil
	})
	return terminal, err
}

// MarkTerminal parks an operation in the terminal failed state immediately,
// for permanent remote rejections that no retry can fix.
func (db *DB) MarkTerminal(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pending_ops
		SET terminal = 1, in_flight = 0, next_attempt_at = NULL,
		    last_attempt_at = ?, last_error = ?,
		    attempt_count = attempt_count + 1
		WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), msg, id)
	if err != nil {
		return fmt.Errorf("failed to park op %s as terminal: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("pending op %s not found", id)
	}
	return nil
}

// ReleaseOps clears the in-flight flag on specific operations, returning
// them to the queue untouched. Used when a push cycle stops early (shutdown,
// ordering stop after a transient failure) without judging the operations.
func (db *DB) ReleaseOps(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := db.conn.ExecContext(ctx,
		`UPDATE pending_ops SET in_flight = 0 WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to release ops: %w", err)
	}
	return nil
}

// ReleaseInFlight clears the in-flight flag on every non-terminal operation.
// Called on startup and after an aborted push cycle, so operations claimed by
// a crashed or cancelled cycle become eligible again.
func (db *DB) ReleaseInFlight(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE pending_ops SET in_flight = 0 WHERE terminal = 0 AND in_flight = 1`)
	if err != nil {
		return fmt.Errorf("failed to release in-flight ops: %w", err)
	}
	return nil
}

// CountPending returns the number of non-terminal queued operations.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE terminal = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return n, nil
}

// HasPending reports whether any non-terminal operation exists for the entity.
func (db *DB) HasPending(ctx context.Context, entityID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE entity_id = ? AND terminal = 0`,
		entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending ops for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// ListTerminal returns every operation parked in the terminal failed state,
// oldest first.
func (db *DB) ListTerminal(ctx context.Context) ([]*schema.PendingOperation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, kind, payload, enqueued_at,
		       attempt_count, last_attempt_at, next_attempt_at, last_error
		FROM pending_ops
		WHERE terminal = 1
		ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal ops: %w", err)
	}
	defer rows.Close()

	var ops []*schema.PendingOperation
	for rows.Next() {
		op, err := scanPendingOp(rows)
		if err != nil {
			return nil, err
		}
		op.Terminal = true
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating terminal ops: %w", err)
	}
	return ops, nil
}

// RetryTerminal resets a terminal operation for another round of attempts.
// This is the explicit operator acknowledgement path; the engine itself
// never resurrects terminal operations.
func (db *DB) RetryTerminal(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pending_ops
		SET terminal = 0, attempt_count = 0, next_attempt_at = NULL,
		    last_error = '', in_flight = 0
		WHERE id = ? AND terminal = 1`, id)
	if err != nil {
		return fmt.Errorf("failed to retry terminal op %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("terminal op %s not found", id)
	}
	db.notifyChange()
	return nil
}

// RetryAllTerminal resets every terminal operation. Returns the count reset.
func (db *DB) RetryAllTerminal(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE pending_ops
		SET terminal = 0, attempt_count = 0, next_attempt_at = NULL,
		    last_error = '', in_flight = 0
		WHERE terminal = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry terminal ops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	if n > 0 {
		db.notifyChange()
	}
	return int(n), nil
}

func scanPendingOp(row rowScanner) (*schema.PendingOperation, error) {
	var op schema.PendingOperation
	var entityType, kind, enqueuedAt string
	var payload, lastAttemptAt, nextAttemptAt, lastError sql.NullString

	err := row.Scan(
		&op.ID,
		&op.EntityID,
		&entityType,
		&kind,
		&payload,
		&enqueuedAt,
		&op.AttemptCount,
		&lastAttemptAt,
		&nextAttemptAt,
		&lastError,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending op: %w", err)
	}

	op.EntityType = schema.EntityType(entityType)
	op.Kind = schema.OpKind(kind)
	if payload.Valid && payload.String != "" {
		op.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}

	t, err := time.Parse(timeLayout, enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse enqueued_at: %w", err)
	}
	op.EnqueuedAt = t

	op.LastAttemptAt = parseNullTime(lastAttemptAt)
	op.NextAttemptAt = parseNullTime(nextAttemptAt)

	return &op, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
