package ingester

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"time"

	"cantonscan-ingest/internal/cursor"
	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/normalize"
	"cantonscan-ingest/internal/scan"
	"cantonscan-ingest/internal/writer"
)

const (
	cooldownAfterTransients = 3
	cooldownDuration        = 60 * time.Second
	transientBackoffBase    = 5 * time.Second
	transientBackoffMax     = 60 * time.Second
	pressureWaitTimeout     = 60 * time.Second
)

// scanAPI is the slice of the scan client the backfiller needs. *scan.Client
// satisfies it; tests drive the driver with fakes.
type scanAPI interface {
	MigrationInfo(ctx context.Context, migrationID int) (*models.MigrationInfo, error)
	UpdatesBefore(ctx context.Context, migrationID int, synchronizerID string, before, atOrAfter time.Time, count int) ([]models.RawTransaction, error)
}

// shardRange clips [min, max] to one shard's slice using integer arithmetic
// on epoch milliseconds. Shard 0 owns the newest slice; adjacent shards share
// exactly one boundary instant, so with the strictly-before / at-or-after
// fetch semantics nothing is skipped or fetched twice.
func shardRange(min, max time.Time, index, total int) (time.Time, time.Time) {
	if total <= 1 {
		return min, max
	}
	minMs := min.UnixMilli()
	maxMs := max.UnixMilli()
	width := (maxMs - minMs) / int64(total)
	hi := maxMs - int64(index)*width
	lo := hi - width
	if index == total-1 {
		lo = minMs
	}
	return time.UnixMilli(lo).UTC(), time.UnixMilli(hi).UTC()
}

// BackfillConfig carries the driver knobs out of the main config.
type BackfillConfig struct {
	BatchSize         int
	ShardIndex        int
	ShardTotal        int
	TargetMigration   int // -1 = all
	FlushEveryBatches int
	CheckpointEvery   int
	PressureThreshold float64
}

// Backfiller drives historical ingestion: migration discovery, shard
// planning, and the per-synchronizer wave loop with cursor commits.
type Backfiller struct {
	client  scanAPI
	pool    *writer.Pool
	cursors *cursor.Dir
	tuner   *Tuner
	cfg     BackfillConfig
}

func NewBackfiller(client scanAPI, pool *writer.Pool, cursors *cursor.Dir, tuner *Tuner, cfg BackfillConfig) *Backfiller {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 1000 {
		cfg.BatchSize = 1000
	}
	if cfg.ShardTotal <= 0 {
		cfg.ShardTotal = 1
	}
	if cfg.FlushEveryBatches <= 0 {
		cfg.FlushEveryBatches = 5
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 50
	}
	if cfg.PressureThreshold <= 0 {
		cfg.PressureThreshold = 0.80
	}
	return &Backfiller{client: client, pool: pool, cursors: cursors, tuner: tuner, cfg: cfg}
}

// DiscoverMigrations probes migration ids from 0 upward until the remote
// answers not-found, honoring the optional target filter.
func (b *Backfiller) DiscoverMigrations(ctx context.Context) ([]*models.MigrationInfo, error) {
	var out []*models.MigrationInfo
	for id := 0; ; id++ {
		info, err := b.client.MigrationInfo(ctx, id)
		if err != nil {
			if errors.Is(err, scan.ErrMigrationNotFound) {
				break
			}
			return nil, fmt.Errorf("discover migration %d: %w", id, err)
		}
		out = append(out, info)
	}
	if b.cfg.TargetMigration >= 0 {
		filtered := out[:0]
		for _, m := range out {
			if m.MigrationID == b.cfg.TargetMigration {
				filtered = append(filtered, m)
			}
		}
		out = filtered
	}
	log.Printf("[backfill] discovered %d migration(s)", len(out))
	return out, nil
}

// Run backfills every (migration, synchronizer) pair owned by this shard, in
// ascending migration order, then verifies that every cursor is complete.
func (b *Backfiller) Run(ctx context.Context) error {
	migrations, err := b.DiscoverMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		for _, rng := range mig.RecordTimeRange {
			if err := ctx.Err(); err != nil {
				return err
			}
			min, max := shardRange(rng.Min, rng.Max, b.cfg.ShardIndex, b.cfg.ShardTotal)
			if !min.Before(max) {
				continue
			}
			store := b.cursors.Store(mig.MigrationID, rng.SynchronizerID, b.cfg.ShardIndex, b.cfg.ShardTotal)
			state, err := store.Load()
			if err != nil {
				return err
			}
			if state != nil && state.Complete && !state.LastBefore.After(min) {
				log.Printf("[backfill] migration %d %s shard %d/%d already complete, skipping",
					mig.MigrationID, rng.SynchronizerID, b.cfg.ShardIndex, b.cfg.ShardTotal)
				continue
			}
			if err := b.backfillSynchronizer(ctx, mig.MigrationID, rng.SynchronizerID, min, max, store, state); err != nil {
				return fmt.Errorf("backfill migration %d synchronizer %s: %w", mig.MigrationID, rng.SynchronizerID, err)
			}
		}
	}

	return b.VerifyComplete()
}

// VerifyComplete checks that ALL durable cursors are complete — the gate for
// the live-tail hand-off.
func (b *Backfiller) VerifyComplete() error {
	all, err := b.cursors.LoadAll()
	if err != nil {
		return err
	}
	for _, c := range all {
		if !c.Complete {
			return fmt.Errorf("backfill incomplete: migration %d synchronizer %s shard %d at last_before=%s",
				c.MigrationID, c.SynchronizerID, c.ShardIndex, c.LastBefore)
		}
	}
	return nil
}

func (b *Backfiller) backfillSynchronizer(ctx context.Context, migrationID int, synchronizerID string, min, max time.Time, store *cursor.Store, state *models.Cursor) error {
	if state == nil {
		state = &models.Cursor{
			MigrationID:    migrationID,
			SynchronizerID: synchronizerID,
			ShardIndex:     b.cfg.ShardIndex,
			ShardTotal:     b.cfg.ShardTotal,
			LastBefore:     max,
			MinTime:        min,
			MaxTime:        max,
		}
		if err := store.Init(state); err != nil {
			return err
		}
	}
	store.SetTimeBounds(min, max)

	before := state.LastBefore
	if before.IsZero() || before.After(max) {
		before = max
	}
	log.Printf("[backfill] migration %d %s: range [%s, %s], resuming at %s",
		migrationID, synchronizerID, min.Format(time.RFC3339), max.Format(time.RFC3339), before.Format(time.RFC3339))

	dedup := newGlobalDedup(globalDedupMax)
	consecutiveTransient := 0
	waves := 0

	process := func(ctx context.Context, txs []models.RawTransaction) (int64, int64, error) {
		return b.processTransactions(ctx, migrationID, txs)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.pool.Err(); err != nil {
			store.MarkFailed(err.Error())
			return err
		}
		if err := b.waitForHeapPressure(ctx); err != nil {
			return err
		}

		localParallel := b.tuner.Load()
		store.BeginTransaction(0, 0, time.Time{})
		res := parallelFetchBatch(ctx, b.client, dedup, BatchParams{
			MigrationID:    migrationID,
			SynchronizerID: synchronizerID,
			StartBefore:    before,
			AtOrAfter:      min,
			MaxBatches:     localParallel * 2,
			BatchSize:      b.cfg.BatchSize,
			Concurrency:    localParallel,
			Process:        process,
			Cursor:         store.AddPending,
		})

		if len(res.FailedSlices) > 0 {
			store.Rollback()
			allRetryable := true
			var firstErr error
			for _, f := range res.FailedSlices {
				if firstErr == nil {
					firstErr = f.Err
				}
				if !f.Retryable {
					allRetryable = false
				}
			}
			if !allRetryable {
				// The safe-boundary rule means nothing past the last commit
				// was claimed; leave the cursor untouched and fail hard.
				store.MarkFailed(firstErr.Error())
				return fmt.Errorf("non-retryable slice failure: %w", firstErr)
			}

			consecutiveTransient++
			if consecutiveTransient >= cooldownAfterTransients && b.tuner.Load() > 1 {
				b.tuner.ForceCooldown(time.Now().Add(cooldownDuration))
			}
			delay := transientBackoffBase
			for i := 1; i < consecutiveTransient; i++ {
				delay *= 2
				if delay >= transientBackoffMax {
					delay = transientBackoffMax
					break
				}
			}
			log.Printf("[backfill] transient slice failure (%d consecutive), retrying wave in %s: %v",
				consecutiveTransient, delay, firstErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if res.Processed == 0 && res.ReachedEnd {
			store.Rollback()
			log.Printf("[backfill] migration %d %s: no more transactions", migrationID, synchronizerID)
			break
		}

		// Wave succeeded: commit the staged deltas at the safe boundary.
		stats := b.pool.BufferStats()
		store.SetSidecar(int64(stats.PendingWrites), int64(stats.UpdatesBuffered+stats.EventsBuffered))
		safe := res.SafeBoundary.Add(-time.Millisecond)
		if safe.Before(min) {
			safe = min
		}
		store.AddPending(0, 0, safe)
		if err := store.Commit(); err != nil {
			return err
		}
		before = safe
		consecutiveTransient = 0
		b.tuner.ExitCooldown()
		waves++

		if waves%b.cfg.FlushEveryBatches == 0 {
			if _, err := b.pool.FlushAll(ctx); err != nil {
				return err
			}
		}
		if waves%b.cfg.CheckpointEvery == 0 {
			if err := b.pool.WaitForWrites(ctx); err != nil {
				return err
			}
		}
		b.tuner.Evaluate()

		if res.ReachedEnd || !before.After(min) {
			break
		}
	}

	// Terminal drain: only after every counted record is durable may the
	// cursor claim completion.
	if _, err := b.pool.FlushAll(ctx); err != nil {
		return err
	}
	if err := b.pool.WaitForWrites(ctx); err != nil {
		return err
	}
	store.SetSidecar(0, 0)
	// Completion requires the cursor at or below min_time even when the last
	// wave's boundary stopped short (e.g. an entirely empty range).
	store.BeginTransaction(0, 0, min)
	if err := store.Commit(); err != nil {
		return err
	}
	if err := store.MarkComplete(); err != nil {
		return err
	}
	snap := store.Snapshot()
	log.Printf("[backfill] migration %d %s complete: %d updates, %d events",
		migrationID, synchronizerID, snap.TotalUpdates, snap.TotalEvents)
	return nil
}

// processTransactions normalizes a deduplicated page on the fetcher's
// goroutine and hands the records to the writer.
func (b *Backfiller) processTransactions(ctx context.Context, migrationID int, txs []models.RawTransaction) (int64, int64, error) {
	updates := make([]models.UpdateRecord, 0, len(txs))
	var events []models.EventRecord
	for i := range txs {
		tx := &txs[i]
		rec, err := normalize.Update(tx, migrationID)
		if err != nil {
			log.Printf("[backfill] Warn: skipping update: %v", err)
			continue
		}
		updates = append(updates, rec)
		events = append(events, normalize.Events(tx, migrationID)...)
	}
	if err := b.pool.BufferUpdates(ctx, updates); err != nil {
		return 0, 0, err
	}
	if err := b.pool.BufferEvents(ctx, events); err != nil {
		return 0, 0, err
	}
	return int64(len(updates)), int64(len(events)), nil
}

// waitForHeapPressure blocks while heap usage is over the threshold of the
// configured memory limit (GOMEMLIMIT), flushing and draining the writer to
// release buffered batches. Bounded by pressureWaitTimeout; on expiry the
// wave proceeds and the platform's OOM handling gets to act.
func (b *Backfiller) waitForHeapPressure(ctx context.Context) error {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == int64(^uint64(0)>>1) {
		return nil // no limit configured
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if float64(m.HeapAlloc) < b.cfg.PressureThreshold*float64(limit) {
		return nil
	}

	log.Printf("[backfill] heap pressure: %dMB / limit %dMB, draining writer",
		m.HeapAlloc>>20, limit>>20)
	if _, err := b.pool.FlushAll(ctx); err != nil {
		return err
	}
	if err := b.pool.WaitForWrites(ctx); err != nil {
		return err
	}
	runtime.GC()

	target := 0.9 * b.cfg.PressureThreshold * float64(limit)
	deadline := time.Now().Add(pressureWaitTimeout)
	for time.Now().Before(deadline) {
		runtime.ReadMemStats(&m)
		if float64(m.HeapAlloc) < target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	log.Printf("[backfill] Warn: heap pressure wait timed out, continuing")
	return nil
}
