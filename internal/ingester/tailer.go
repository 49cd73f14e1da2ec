package ingester

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cantonscan-ingest/internal/cursor"
	"cantonscan-ingest/internal/eventbus"
	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/normalize"
	"cantonscan-ingest/internal/partition"
	"cantonscan-ingest/internal/writer"
)

const (
	tailerPersistEvery = 10
	tailerCooldownBase = 5 * time.Second
	tailerCooldownMax  = 60 * time.Second
)

// forwardFetcher is the slice of the scan client the tailer needs.
type forwardFetcher interface {
	UpdatesForward(ctx context.Context, afterMigrationID int, afterRecordTime time.Time, pageSize int) ([]models.RawTransaction, error)
}

// TailerConfig carries the live-tail knobs.
type TailerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	StallThreshold time.Duration
	CooldownBase   time.Duration
	DataDir        string
}

// Tailer forward-paginates from the post-backfill cursor into the future. It
// never exits on transient errors; a stall watchdog logs (and only logs) when
// no progress is made for the configured threshold.
type Tailer struct {
	client  forwardFetcher
	pool    *writer.Pool
	cursors *cursor.Dir
	bus     *eventbus.Bus
	cfg     TailerConfig

	lastProgress atomic.Int64 // unix nanos
}

func NewTailer(client forwardFetcher, pool *writer.Pool, cursors *cursor.Dir, bus *eventbus.Bus, cfg TailerConfig) *Tailer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 1000 {
		cfg.BatchSize = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 120 * time.Second
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = tailerCooldownBase
	}
	return &Tailer{client: client, pool: pool, cursors: cursors, bus: bus, cfg: cfg}
}

// ResolveStart merges the three start-cursor candidates — the live cursor
// file, the newest backfill cursor bound, and the newest written partition —
// and picks the newest (migration_id, record_time). Future timestamps are
// treated as corrupt: the cursor loaders refuse future-dated files, and a
// backfill bound or partition day more than five minutes ahead is skipped here.
func (t *Tailer) ResolveStart() (*models.LiveCursor, error) {
	best := &models.LiveCursor{}

	if live := t.cursors.LoadLive(); live != nil {
		best = live
	}

	backfills, err := t.cursors.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, c := range backfills {
		if c.MaxTime.After(time.Now().Add(5 * time.Minute)) {
			log.Printf("[tailer] Warn: ignoring future backfill bound %s on migration %d", c.MaxTime, c.MigrationID)
			continue
		}
		cand := models.LiveCursor{MigrationID: c.MigrationID, RecordTime: c.MaxTime}
		if newerCursor(&cand, best) {
			best = &models.LiveCursor{MigrationID: c.MigrationID, RecordTime: c.MaxTime,
				TotalUpdates: best.TotalUpdates, TotalEvents: best.TotalEvents}
		}
	}

	if t.cfg.DataDir != "" {
		if mig, ts, ok := newestPartition(t.cfg.DataDir); ok {
			if ts.After(time.Now().Add(5 * time.Minute)) {
				log.Printf("[tailer] Warn: ignoring future partition timestamp %s", ts)
			} else {
				cand := models.LiveCursor{MigrationID: mig, RecordTime: ts}
				if newerCursor(&cand, best) {
					best = &models.LiveCursor{MigrationID: mig, RecordTime: ts,
						TotalUpdates: best.TotalUpdates, TotalEvents: best.TotalEvents}
				}
			}
		}
	}

	return best, nil
}

func newerCursor(a, b *models.LiveCursor) bool {
	if a.MigrationID != b.MigrationID {
		return a.MigrationID > b.MigrationID
	}
	return a.RecordTime.After(b.RecordTime)
}

// newestPartition scans updates/migration=*/year=*/month=*/day=* directories
// for the newest (migration, day).
func newestPartition(dataDir string) (int, time.Time, bool) {
	root := filepath.Join(dataDir, partition.KindUpdates)
	bestMig := -1
	var bestTime time.Time

	migs, err := os.ReadDir(root)
	if err != nil {
		return 0, time.Time{}, false
	}
	for _, m := range migs {
		mig, ok := partitionKey(m.Name(), "migration=")
		if !ok || !m.IsDir() {
			continue
		}
		years, _ := os.ReadDir(filepath.Join(root, m.Name()))
		for _, y := range years {
			year, ok := partitionKey(y.Name(), "year=")
			if !ok {
				continue
			}
			months, _ := os.ReadDir(filepath.Join(root, m.Name(), y.Name()))
			for _, mo := range months {
				month, ok := partitionKey(mo.Name(), "month=")
				if !ok {
					continue
				}
				days, _ := os.ReadDir(filepath.Join(root, m.Name(), y.Name(), mo.Name()))
				for _, d := range days {
					day, ok := partitionKey(d.Name(), "day=")
					if !ok {
						continue
					}
					ts := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
					if mig > bestMig || (mig == bestMig && ts.After(bestTime)) {
						bestMig = mig
						bestTime = ts
					}
				}
			}
		}
	}
	if bestMig < 0 {
		return 0, time.Time{}, false
	}
	return bestMig, bestTime, true
}

func partitionKey(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Run tails forward until the context is cancelled. It assumes the caller has
// verified that backfill is complete.
func (t *Tailer) Run(ctx context.Context) error {
	cur, err := t.ResolveStart()
	if err != nil {
		return err
	}
	log.Printf("[tailer] starting at migration %d, record_time %s", cur.MigrationID, cur.RecordTime.Format(time.RFC3339))
	t.lastProgress.Store(time.Now().UnixNano())

	watchdogDone := make(chan struct{})
	go t.watchdog(ctx, watchdogDone)
	defer close(watchdogDone)

	batches := 0
	transientErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			t.persist(cur)
			return nil
		}

		txs, err := t.client.UpdatesForward(ctx, cur.MigrationID, cur.RecordTime, t.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				t.persist(cur)
				return nil
			}
			// Transient or not, the tailer stays up: cooldown with capped
			// exponential backoff and try again.
			transientErrors++
			delay := t.cfg.CooldownBase
			for i := 1; i < transientErrors; i++ {
				delay *= 2
				if delay >= tailerCooldownMax {
					delay = tailerCooldownMax
					break
				}
			}
			log.Printf("[tailer] fetch error (cooldown %s): %v", delay, err)
			if !sleepCtx(ctx, delay) {
				t.persist(cur)
				return nil
			}
			continue
		}
		transientErrors = 0

		if len(txs) == 0 {
			// An idle poll hands the buffered records to the backends before
			// the cursor is saved.
			if _, err := t.pool.FlushAll(ctx); err != nil {
				if ctx.Err() != nil {
					t.persist(cur)
					return nil
				}
				return err
			}
			t.persist(cur)
			if !sleepCtx(ctx, t.cfg.PollInterval) {
				return nil
			}
			continue
		}

		updates, events, err := t.process(ctx, cur.MigrationID, txs)
		if err != nil {
			return err
		}
		cur.TotalUpdates += updates
		cur.TotalEvents += events

		// Results are ascending: the last element is the new high-water mark.
		last := &txs[len(txs)-1]
		if rt := last.ResolvedRecordTime(); !rt.IsZero() {
			cur.RecordTime = rt
		}
		if last.MigrationID != nil && *last.MigrationID > cur.MigrationID {
			cur.MigrationID = *last.MigrationID
		}
		t.lastProgress.Store(time.Now().UnixNano())

		batches++
		if batches%tailerPersistEvery == 0 {
			t.persist(cur)
		}
	}
}

// persist saves the live cursor and announces the new position on the bus.
func (t *Tailer) persist(cur *models.LiveCursor) {
	if err := t.cursors.SaveLive(cur); err != nil {
		log.Printf("[tailer] Warn: save cursor: %v", err)
		return
	}
	if t.bus != nil {
		t.bus.Publish(eventbus.CursorAdvanced{
			MigrationID:  cur.MigrationID,
			RecordTime:   cur.RecordTime,
			TotalUpdates: cur.TotalUpdates,
			TotalEvents:  cur.TotalEvents,
		})
	}
}

func (t *Tailer) process(ctx context.Context, migrationID int, txs []models.RawTransaction) (int64, int64, error) {
	updates := make([]models.UpdateRecord, 0, len(txs))
	var events []models.EventRecord
	for i := range txs {
		tx := &txs[i]
		mig := migrationID
		if tx.MigrationID != nil {
			mig = *tx.MigrationID
		}
		rec, err := normalize.Update(tx, mig)
		if err != nil {
			log.Printf("[tailer] Warn: skipping update: %v", err)
			continue
		}
		updates = append(updates, rec)
		events = append(events, normalize.Events(tx, mig)...)
	}
	if err := t.pool.BufferUpdates(ctx, updates); err != nil {
		return 0, 0, err
	}
	if err := t.pool.BufferEvents(ctx, events); err != nil {
		return 0, 0, err
	}
	if t.bus != nil {
		for i := range updates {
			t.bus.Publish(eventbus.UpdateIngested{Update: updates[i]})
		}
	}
	return int64(len(updates)), int64(len(events)), nil
}

// watchdog logs when no forward progress happens for the stall threshold. It
// deliberately does not kill anything — an idle ledger looks identical to a
// wedged one from here.
func (t *Tailer) watchdog(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, t.lastProgress.Load()))
			if idle > t.cfg.StallThreshold {
				if !warned {
					log.Printf("[tailer] Warn: no progress for %s (threshold %s)", idle.Round(time.Second), t.cfg.StallThreshold)
					warned = true
				}
			} else {
				warned = false
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
