package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strideapp/stride/internal/engine/schema"
)

// GetEntity retrieves a single entity by type and id.
// Returns (nil, nil) if the entity does not exist.
func (db *DB) GetEntity(typ schema.EntityType, id string) (*schema.Entity, error) {
	return db.GetEntityContext(context.Background(), typ, id)
}

// GetEntityContext retrieves a single entity with context support.
func (db *DB) GetEntityContext(ctx context.Context, typ schema.EntityType, id string) (*schema.Entity, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, type, updated_at, fields FROM entities WHERE type = ? AND id = ?`,
		string(typ), id)
	return scanEntity(row)
}

// PutEntity inserts or updates an entity outside of any caller transaction.
// Prefer Tx.PutEntity when the write must commit together with queue state.
func (db *DB) PutEntity(ent *schema.Entity) error {
	return db.PutEntityContext(context.Background(), ent)
}

// PutEntityContext inserts or updates an entity with context support.
func (db *DB) PutEntityContext(ctx context.Context, ent *schema.Entity) error {
	if err := ent.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	_, err := db.conn.ExecContext(ctx, upsertEntitySQL, upsertEntityArgs(ent)...)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", ent.ID, err)
	}
	return nil
}

// DeleteEntity removes an entity. Returns nil if it doesn't exist (idempotent).
func (db *DB) DeleteEntity(typ schema.EntityType, id string) error {
	return db.DeleteEntityContext(context.Background(), typ, id)
}

// DeleteEntityContext removes an entity with context support.
func (db *DB) DeleteEntityContext(ctx context.Context, typ schema.EntityType, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM entities WHERE type = ? AND id = ?`, string(typ), id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// ListEntities retrieves all entities of a type ordered by updated_at.
func (db *DB) ListEntities(ctx context.Context, typ schema.EntityType) ([]*schema.Entity, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, type, updated_at, fields FROM entities WHERE type = ? ORDER BY updated_at ASC`,
		string(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", typ, err)
	}
	defer rows.Close()

	var ents []*schema.Entity
	for rows.Next() {
		ent, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return ents, nil
}

// CountEntities returns the number of stored entities of a type.
func (db *DB) CountEntities(ctx context.Context, typ schema.EntityType) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE type = ?`, string(typ)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entities: %w", typ, err)
	}
	return count, nil
}

// GetEntity retrieves an entity inside the transaction.
// Returns (nil, nil) if the entity does not exist.
func (t *Tx) GetEntity(ctx context.Context, typ schema.EntityType, id string) (*schema.Entity, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, type, updated_at, fields FROM entities WHERE type = ? AND id = ?`,
		string(typ), id)
	return scanEntity(row)
}

// PutEntity inserts or updates an entity inside the transaction.
func (t *Tx) PutEntity(ctx context.Context, ent *schema.Entity) error {
	if err := ent.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	_, err := t.tx.ExecContext(ctx, upsertEntitySQL, upsertEntityArgs(ent)...)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", ent.ID, err)
	}
	return nil
}

// DeleteEntity removes an entity inside the transaction.
func (t *Tx) DeleteEntity(ctx context.Context, typ schema.EntityType, id string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM entities WHERE type = ? AND id = ?`, string(typ), id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// AdoptCanonical writes the server's canonical view of an entity after a
// successful push: the accepted timestamp always, and the corrected fields
// when the server returned any. The update is guarded so a newer local edit
// made while the push was in flight is never regressed; updated_at only
// ever moves forward.
func (t *Tx) AdoptCanonical(ctx context.Context, typ schema.EntityType, id string, acceptedAt time.Time, canonical []byte) error {
	ts := acceptedAt.UTC().Format(timeLayout)
	var err error
	if len(canonical) > 0 {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE entities SET updated_at = ?, fields = ?
			WHERE type = ? AND id = ? AND updated_at < ?`,
			ts, string(canonical), string(typ), id, ts)
	} else {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE entities SET updated_at = ?
			WHERE type = ? AND id = ? AND updated_at < ?`,
			ts, string(typ), id, ts)
	}
	if err != nil {
		return fmt.Errorf("failed to adopt canonical state for %s: %w", id, err)
	}
	return nil
}

const upsertEntitySQL = `
INSERT INTO entities (id, type, updated_at, fields)
VALUES (?, ?, ?, ?)
ON CONFLICT(type, id) DO UPDATE SET
	updated_at = excluded.updated_at,
	fields = excluded.fields
`

func upsertEntityArgs(ent *schema.Entity) []any {
	return []any{
		ent.ID,
		string(ent.Type),
		ent.UpdatedAt.UTC().Format(timeLayout),
		string(ent.Fields),
	}
}

func marshalEntity(ent *schema.Entity) ([]byte, error) {
	data, err := json.Marshal(ent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity %s: %w", ent.ID, err)
	}
	return data, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row *sql.Row) (*schema.Entity, error) {
	ent, err := scanEntityRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ent, err
}

func scanEntityRow(row rowScanner) (*schema.Entity, error) {
	var ent schema.Entity
	var typ, updatedAt, fields string

	if err := row.Scan(&ent.ID, &typ, &updatedAt, &fields); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	ent.Type = schema.EntityType(typ)
	ent.Fields = json.RawMessage(fields)

	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	ent.UpdatedAt = t

	return &ent, nil
}
