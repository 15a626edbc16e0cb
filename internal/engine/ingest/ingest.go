// Package ingest applies remote changes to the local store.
//
// Changes arrive two ways: live events from the realtime stream, and catch-up
// snapshots fetched after a connectivity gap. Both funnel through the same
// transactional apply path, so the conflict rules run identically regardless
// of how a change got here, and applying the same change twice is harmless.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/strideapp/stride/internal/engine/db"
	"github.com/strideapp/stride/internal/engine/resolve"
	"github.com/strideapp/stride/internal/engine/schema"
)

// Reconnect delays for the stream loop. Stream drops are expected on flaky
// networks, so the ladder starts low and stays modest.
const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// Remote is the slice of the backend client the ingestor needs.
type Remote interface {
	Subscribe(ctx context.Context, types []schema.EntityType) (<-chan schema.RemoteChangeEvent, error)
	FetchSince(ctx context.Context, typ schema.EntityType, since time.Time) ([]*schema.Entity, error)
}

// Config holds ingestor configuration.
type Config struct {
	// Types limits the subscription (default: all entity types).
	Types []schema.EntityType

	// Logger for ingest activity (default: stderr logger).
	Logger *log.Logger
}

// Ingestor consumes remote changes and reconciles them into the local store.
type Ingestor struct {
	db     *db.DB
	remote Remote
	logger *log.Logger
	types  []schema.EntityType
}

// New creates an ingestor.
func New(database *db.DB, rem Remote, cfg Config) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}
	types := cfg.Types
	if len(types) == 0 {
		types = schema.AllTypes()
	}
	return &Ingestor{
		db:     database,
		remote: rem,
		logger: logger,
		types:  types,
	}
}

// Apply reconciles one remote change into the local store. The read of local
// state, the conflict decision, and the write happen in one transaction, so
// a concurrent local edit either lands fully before or fully after.
//
// Apply is idempotent: replaying a delivered event reaches the stale-remote
// branch of the resolver and changes nothing.
func (in *Ingestor) Apply(ctx context.Context, ev schema.RemoteChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("rejecting remote event: %w", err)
	}

	var remoteEnt *schema.Entity
	if ev.Kind != schema.OpDelete {
		ent, err := ev.Entity()
		if err != nil {
			return fmt.Errorf("rejecting remote event for %s: %w", ev.EntityID, err)
		}
		remoteEnt = ent
	}

	err := in.db.WithTx(ctx, func(tx *db.Tx) error {
		local, err := tx.GetEntity(ctx, ev.EntityType, ev.EntityID)
		if err != nil {
			return err
		}
		pending, err := tx.HasPending(ctx, ev.EntityID)
		if err != nil {
			return err
		}

		decision := resolve.Resolve(local, remoteEnt, ev.Kind, pending)
		switch decision {
		case resolve.ApplyRemote:
			return tx.PutEntity(ctx, remoteEnt)
		case resolve.ApplyRemoteDelete:
			return tx.DeleteEntity(ctx, ev.EntityType, ev.EntityID)
		case resolve.KeepLocalAndRepush:
			in.logger.Printf("Keeping local %s/%s over remote %s, pending op re-asserts it",
				ev.EntityType, ev.EntityID, ev.Kind)
			return nil
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to apply remote %s for %s/%s: %w", ev.Kind, ev.EntityType, ev.EntityID, err)
	}

	// The mark only moves forward, so late out-of-order events cannot
	// widen the next catch-up window.
	if err := in.db.SetHighWater(ctx, ev.EntityType, ev.EventTimestamp); err != nil {
		in.logger.Printf("Warning: failed to advance high-water for %s: %v", ev.EntityType, err)
	}
	return nil
}

// Reconcile fetches everything that changed server-side since the stored
// high-water mark for each type and applies it through the normal conflict
// path. Called after every (re)connect to cover the gap the stream missed.
func (in *Ingestor) Reconcile(ctx context.Context) error {
	for _, typ := range in.types {
		since, err := in.db.HighWater(ctx, typ)
		if err != nil {
			return err
		}

		entities, err := in.remote.FetchSince(ctx, typ, since)
		if err != nil {
			return fmt.Errorf("failed to fetch %s changes: %w", typ, err)
		}
		if len(entities) == 0 {
			continue
		}
		in.logger.Printf("Reconciling %d %s changes since %s", len(entities), typ, since.UTC().Format(time.RFC3339))

		for _, ent := range entities {
			ev := schema.RemoteChangeEvent{
				EntityID:       ent.ID,
				EntityType:     typ,
				Kind:           schema.OpUpdate,
				EventTimestamp: ent.UpdatedAt,
			}
			record, err := json.Marshal(ent)
			if err != nil {
				in.logger.Printf("Warning: skipping unencodable %s/%s: %v", typ, ent.ID, err)
				continue
			}
			ev.Record = record
			if err := in.Apply(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run subscribes to the realtime stream and applies events until the context
// is cancelled, reconnecting with backoff whenever the stream drops. Each
// (re)connect is followed by a catch-up reconcile before live consumption
// resumes. Events for distinct entity types apply concurrently; within a
// type they apply in arrival order.
func (in *Ingestor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		events, err := in.remote.Subscribe(ctx, in.types)
		if err != nil {
			attempt++
			delay := reconnectDelay(attempt)
			in.logger.Printf("Subscribe failed (attempt %d), retrying in %s: %v", attempt, delay, err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		attempt = 0

		if err := in.Reconcile(ctx); err != nil {
			in.logger.Printf("Warning: catch-up reconcile failed: %v", err)
		}

		in.consume(ctx, events)
		in.logger.Printf("Stream closed, reconnecting")
	}
}

// consume drains the stream until it closes, fanning events out to one
// applier per entity type.
func (in *Ingestor) consume(ctx context.Context, events <-chan schema.RemoteChangeEvent) {
	lanes := make(map[schema.EntityType]chan schema.RemoteChangeEvent, len(in.types))
	var wg sync.WaitGroup

	for _, typ := range in.types {
		lane := make(chan schema.RemoteChangeEvent, 16)
		lanes[typ] = lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range lane {
				if err := in.Apply(ctx, ev); err != nil {
					in.logger.Printf("Error applying stream event: %v", err)
				}
			}
		}()
	}

	for ev := range events {
		lane, ok := lanes[ev.EntityType]
		if !ok {
			in.logger.Printf("Warning: dropping event for unsubscribed type %s", ev.EntityType)
			continue
		}
		select {
		case lane <- ev:
		case <-ctx.Done():
		}
	}

	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
}

// reconnectDelay doubles per attempt up to the cap.
func reconnectDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 1; i < attempt && d < reconnectCap; i++ {
		d *= 2
	}
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}
