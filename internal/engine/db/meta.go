package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strideapp/stride/internal/engine/schema"
)

// HighWater returns the newest remote updated_at the engine has fully
// reconciled for the entity type. Zero time if nothing was recorded yet.
func (db *DB) HighWater(ctx context.Context, typ schema.EntityType) (time.Time, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx,
		`SELECT high_water FROM sync_meta WHERE entity_type = ?`, string(typ)).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load high water for %s: %w", typ, err)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse high water for %s: %w", typ, err)
	}
	return t, nil
}

// SetHighWater advances the reconciliation high-water mark for the type.
// Older values never overwrite newer ones, so concurrent appliers can call
// this without coordination.
func (db *DB) SetHighWater(ctx context.Context, typ schema.EntityType, mark time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (entity_type, high_water) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET high_water = excluded.high_water
		WHERE excluded.high_water > sync_meta.high_water`,
		string(typ), mark.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to set high water for %s: %w", typ, err)
	}
	return nil
}

// SaveLocal applies a local mutation: the entity write and its pending
// operation commit in one transaction, so the mutation and its sync intent
// are never observed independently. This is the only write path the
// application layer uses for local edits.
func (db *DB) SaveLocal(ctx context.Context, ent *schema.Entity, kind schema.OpKind) error {
	if kind == schema.OpDelete {
		return fmt.Errorf("use DeleteLocal for delete mutations")
	}
	payload, err := entityPayload(ent)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, func(t *Tx) error {
		if err := t.PutEntity(ctx, ent); err != nil {
			return err
		}
		return t.Enqueue(ctx, &schema.PendingOperation{
			ID:         uuid.New().String(),
			EntityID:   ent.ID,
			EntityType: ent.Type,
			Kind:       kind,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		})
	})
}

// DeleteLocal applies a local delete: the entity row is removed and a delete
// operation is enqueued atomically.
func (db *DB) DeleteLocal(ctx context.Context, typ schema.EntityType, id string) error {
	return db.WithTx(ctx, func(t *Tx) error {
		if err := t.DeleteEntity(ctx, typ, id); err != nil {
			return err
		}
		return t.Enqueue(ctx, &schema.PendingOperation{
			ID:         uuid.New().String(),
			EntityID:   id,
			EntityType: typ,
			Kind:       schema.OpDelete,
			EnqueuedAt: time.Now().UTC(),
		})
	})
}

func entityPayload(ent *schema.Entity) ([]byte, error) {
	if err := ent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity: %w", err)
	}
	data, err := marshalEntity(ent)
	if err != nil {
		return nil, err
	}
	return data, nil
}
