// Package push drains the pending-operation queue to the backend.
//
// A push cycle takes a batch from the queue, groups it per entity, and sends
// each group serially so the entity's history never reorders on the wire.
// Distinct groups go out concurrently up to a bounded worker count. Transient
// failures put the group back with backoff; permanent rejections park the
// operation in the terminal failed state and are reported outward.
package push

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strideapp/stride/internal/engine/db"
	"github.com/strideapp/stride/internal/engine/remote"
	"github.com/strideapp/stride/internal/engine/schema"
)

// Remote is the slice of the backend client the coordinator needs.
type Remote interface {
	Push(ctx context.Context, op *schema.PendingOperation) (*remote.PushResult, error)
}

// Reporter receives terminal sync failures for the UI/ops layer to surface.
// Terminal failures are reported once and require explicit acknowledgement
// or retry from that layer; the engine never retries them on its own.
type Reporter interface {
	ReportSyncFailure(entityID string, entityType schema.EntityType, message string)
}

// LogReporter is the default Reporter: it writes failures to a logger.
type LogReporter struct {
	Logger *log.Logger
}

func (r *LogReporter) ReportSyncFailure(entityID string, entityType schema.EntityType, message string) {
	r.Logger.Printf("SYNC FAILURE %s/%s: %s", entityType, entityID, message)
}

// Config holds coordinator configuration.
type Config struct {
	// BatchSize is the maximum operations fetched per cycle (default: 50).
	BatchSize int

	// MinAge holds freshly enqueued operations back so edit bursts
	// coalesce before first send (default: 0, disabled).
	MinAge time.Duration

	// Workers bounds concurrent entity-groups in flight (default: 4).
	Workers int

	// Reporter for terminal failures (default: log-based).
	Reporter Reporter

	// Logger for coordinator activity (default: stderr logger).
	Logger *log.Logger
}

// Coordinator runs push cycles against the backend.
type Coordinator struct {
	db       *db.DB
	remote   Remote
	reporter Reporter
	logger   *log.Logger

	batchSize int
	minAge    time.Duration
	workers   int

	// inFlight enforces the single-flight guard: at most one cycle per
	// process, a concurrent RunCycle call is a no-op.
	inFlight atomic.Bool
}

// New creates a push coordinator.
func New(database *db.DB, rem Remote, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = &LogReporter{Logger: logger}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Coordinator{
		db:        database,
		remote:    rem,
		reporter:  reporter,
		logger:    logger,
		batchSize: batchSize,
		minAge:    cfg.MinAge,
		workers:   workers,
	}
}

// CycleStats summarizes one push cycle.
type CycleStats struct {
	Sent      int
	Succeeded int
	Transient int
	Terminal  int
	Skipped   bool // another cycle was already running
}

// RunCycle performs one push cycle. A second concurrent call while a cycle
// is in flight returns immediately with Skipped set; overlap is a no-op,
// not an error.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleStats, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return CycleStats{Skipped: true}, nil
	}
	defer c.inFlight.Store(false)

	batch, err := c.db.NextBatch(ctx, c.batchSize, c.minAge)
	if err != nil {
		return CycleStats{}, fmt.Errorf("failed to fetch batch: %w", err)
	}
	if len(batch) == 0 {
		return CycleStats{}, nil
	}

	groups := groupByEntity(batch)
	c.logger.Printf("Pushing %d ops across %d entities", len(batch), len(groups))

	var (
		mu    sync.Mutex
		stats CycleStats
		wg    sync.WaitGroup
	)
	stats.Sent = len(batch)

	work := make(chan []*schema.PendingOperation)

	workers := c.workers
	if workers > len(groups) {
		workers = len(groups)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				g := c.pushGroup(ctx, group)
				mu.Lock()
				stats.Succeeded += g.Succeeded
				stats.Transient += g.Transient
				stats.Terminal += g.Terminal
				mu.Unlock()
			}
		}()
	}

	for _, group := range groups {
		work <- group
	}
	close(work)
	wg.Wait()

	c.logger.Printf("Cycle complete: sent=%d ok=%d transient=%d terminal=%d",
		stats.Sent, stats.Succeeded, stats.Transient, stats.Terminal)
	return stats, nil
}

// pushGroup sends one entity's operations in enqueue order.
func (c *Coordinator) pushGroup(ctx context.Context, group []*schema.PendingOperation) CycleStats {
	var stats CycleStats

	for i, op := range group {
		// Shutdown mid-group: put the unsent tail back untouched.
		if ctx.Err() != nil {
			c.release(group[i:])
			return stats
		}

		result, err := c.remote.Push(ctx, op)
		switch {
		case err == nil:
			if err := c.acknowledge(ctx, op, result); err != nil {
				c.logger.Printf("Error acknowledging op %s: %v", op.ID, err)
				c.release(group[i:])
				return stats
			}
			stats.Succeeded++

		case remote.IsPermanent(err):
			// A rejection no retry can fix. Park it, tell the
			// operator, and keep going with the rest of the group.
			stats.Terminal++
			if terr := c.db.MarkTerminal(ctx, op.ID, err); terr != nil {
				c.logger.Printf("Error parking op %s: %v", op.ID, terr)
			}
			c.reporter.ReportSyncFailure(op.EntityID, op.EntityType, err.Error())

		default:
			// Transient. Back the head off and stop the group for
			// this cycle; skipping ahead would reorder the entity.
			stats.Transient++
			if ctx.Err() != nil {
				// Cancellation is not a real attempt.
				c.release(group[i:])
				return stats
			}
			terminal, ferr := c.db.MarkFailed(ctx, op.ID, err)
			if ferr != nil {
				c.logger.Printf("Error recording failure for op %s: %v", op.ID, ferr)
			}
			if terminal {
				stats.Terminal++
				c.reporter.ReportSyncFailure(op.EntityID, op.EntityType,
					fmt.Sprintf("gave up after %d attempts: %v", db.MaxAttempts, err))
			}
			c.release(group[i+1:])
			return stats
		}
	}

	return stats
}

// acknowledge applies the server's canonical fields and removes the op, in
// one transaction so a crash between the two never replays a confirmed
// mutation with stale ordering state.
func (c *Coordinator) acknowledge(ctx context.Context, op *schema.PendingOperation, result *remote.PushResult) error {
	return c.db.WithTx(ctx, func(tx *db.Tx) error {
		if op.Kind != schema.OpDelete {
			if err := tx.AdoptCanonical(ctx, op.EntityType, op.EntityID, result.AcceptedAt, result.Canonical); err != nil {
				return err
			}
		}
		return tx.DeleteOp(ctx, op.ID)
	})
}

// release returns unsent operations to the queue.
func (c *Coordinator) release(ops []*schema.PendingOperation) {
	if len(ops) == 0 {
		return
	}
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	// Release must succeed even when the cycle context is gone.
	if err := c.db.ReleaseOps(context.Background(), ids); err != nil {
		c.logger.Printf("Error releasing %d ops: %v", len(ids), err)
	}
}

// groupByEntity splits a batch into per-entity groups, preserving the
// batch's enqueue order inside each group.
func groupByEntity(batch []*schema.PendingOperation) [][]*schema.PendingOperation {
	var groups [][]*schema.PendingOperation
	index := make(map[string]int)

	for _, op := range batch {
		i, ok := index[op.EntityID]
		if !ok {
			index[op.EntityID] = len(groups)
			groups = append(groups, []*schema.PendingOperation{op})
			continue
		}
		groups[i] = append(groups[i], op)
	}
	return groups
}
