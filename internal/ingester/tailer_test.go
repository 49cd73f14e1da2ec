package ingester

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cantonscan-ingest/internal/cursor"
	"cantonscan-ingest/internal/eventbus"
	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/writer"
)

type forwardCall struct {
	mig int
	rt  time.Time
}

// fakeForward serves scripted pages: empty responses until each queued batch
// is drained, then empty forever.
type fakeForward struct {
	mu         sync.Mutex
	calls      []forwardCall
	batches    [][]models.RawTransaction
	emptyFirst int
}

func (f *fakeForward) UpdatesForward(ctx context.Context, afterMigrationID int, afterRecordTime time.Time, pageSize int) ([]models.RawTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{mig: afterMigrationID, rt: afterRecordTime})
	if f.emptyFirst > 0 {
		f.emptyFirst--
		return nil, nil
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func forwardBatch(base time.Time, n int, prefix string) []models.RawTransaction {
	out := make([]models.RawTransaction, n)
	for i := range out {
		rt := base.Add(time.Duration(i) * time.Second)
		out[i] = models.RawTransaction{UpdateID: prefix + "-" + rt.Format("150405"), RecordTime: &rt, EffectiveAt: &rt}
	}
	return out
}

func newTestTailer(t *testing.T, f *fakeForward, dataDir string) (*Tailer, *memBackend, *cursor.Dir) {
	t.Helper()
	mem := newMemBackend()
	pool := writer.NewPool([]writer.Backend{mem}, writer.Options{Workers: 1, RowsPerFile: 100000, IdleFlush: time.Hour})
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	dir, err := cursor.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tailer := NewTailer(f, pool, dir, eventbus.New(), TailerConfig{
		BatchSize:      100,
		PollInterval:   10 * time.Millisecond,
		StallThreshold: 120 * time.Second,
		CooldownBase:   20 * time.Millisecond,
		DataDir:        dataDir,
	})
	return tailer, mem, dir
}

func TestTailerForwardProgress(t *testing.T) {
	t.Parallel()

	backfillMax := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
	f := &fakeForward{
		emptyFirst: 1,
		batches: [][]models.RawTransaction{
			forwardBatch(backfillMax.Add(5*time.Second), 10, "live"),
		},
	}
	tailer, mem, dir := newTestTailer(t, f, "")

	// Seed a completed backfill cursor: its max_time is the start candidate.
	store := dir.Store(3, "sync-a", 0, 1)
	if err := store.Init(&models.Cursor{
		MigrationID: 3, SynchronizerID: "sync-a", ShardTotal: 1,
		LastBefore: backfillMax.Add(-time.Hour), MinTime: backfillMax.Add(-time.Hour), MaxTime: backfillMax,
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := mem.updateCount(); total == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		break
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Buffered records reach the backend when an idle poll flushes the pool.
	tailerPoolDrain(t, mem)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) < 2 {
		t.Fatalf("calls: %+v", f.calls)
	}
	// First call starts at the backfill bound.
	if f.calls[0].mig != 3 || !f.calls[0].rt.Equal(backfillMax) {
		t.Fatalf("start cursor: %+v", f.calls[0])
	}
	// After the non-empty batch the after-bound advances to its last element
	// (ascending order), never backwards.
	lastRT := backfillMax.Add(5 * time.Second).Add(9 * time.Second)
	advanced := false
	prev := f.calls[0].rt
	for _, c := range f.calls[1:] {
		if c.rt.Before(prev) {
			t.Fatalf("live cursor moved backwards: %s -> %s", prev, c.rt)
		}
		prev = c.rt
		if c.rt.Equal(lastRT) {
			advanced = true
		}
	}
	if !advanced {
		t.Fatalf("cursor never advanced to %s; calls=%+v", lastRT, f.calls)
	}

	// Cursor file persisted on shutdown.
	live := dir.LoadLive()
	if live == nil || !live.RecordTime.Equal(lastRT) {
		t.Fatalf("live cursor: %+v", live)
	}
	if live.TotalUpdates != 10 {
		t.Fatalf("live totals: %+v", live)
	}
}

func tailerPoolDrain(t *testing.T, mem *memBackend) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := mem.updateCount(); total >= 10 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTailerSurvivesErrors(t *testing.T) {
	t.Parallel()

	rtBase := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
	var mu sync.Mutex
	failures := 0
	f := &fakeForward{batches: [][]models.RawTransaction{forwardBatch(rtBase, 3, "x")}}
	tailer, mem, dir := newTestTailer(t, f, "")
	_ = dir

	// Wrap: fail the first two calls.
	inner := tailer.client
	tailer.client = forwardFunc(func(ctx context.Context, mig int, rt time.Time, n int) ([]models.RawTransaction, error) {
		mu.Lock()
		if failures < 2 {
			failures++
			mu.Unlock()
			return nil, &tempError{}
		}
		mu.Unlock()
		return inner.UpdatesForward(ctx, mig, rt, n)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := mem.updateCount(); total >= 3 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if total, _ := mem.updateCount(); total < 3 {
		t.Fatalf("tailer did not recover from transient errors: written=%d", total)
	}
}

type forwardFunc func(ctx context.Context, mig int, rt time.Time, n int) ([]models.RawTransaction, error)

func (f forwardFunc) UpdatesForward(ctx context.Context, mig int, rt time.Time, n int) ([]models.RawTransaction, error) {
	return f(ctx, mig, rt, n)
}

type tempError struct{}

func (*tempError) Error() string { return "connection reset by peer" }

func TestResolveStartPicksNewest(t *testing.T) {
	t.Parallel()

	f := &fakeForward{}
	dataDir := t.TempDir()
	tailer, _, dir := newTestTailer(t, f, dataDir)

	// Candidate 1: backfill cursor on migration 2.
	bfMax := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := dir.Store(2, "sync-a", 0, 1)
	if err := store.Init(&models.Cursor{
		MigrationID: 2, SynchronizerID: "sync-a", ShardTotal: 1,
		LastBefore: bfMax.Add(-time.Hour), MinTime: bfMax.Add(-time.Hour), MaxTime: bfMax,
	}); err != nil {
		t.Fatal(err)
	}

	start, err := tailer.ResolveStart()
	if err != nil {
		t.Fatal(err)
	}
	if start.MigrationID != 2 || !start.RecordTime.Equal(bfMax) {
		t.Fatalf("start from backfill: %+v", start)
	}

	// Candidate 2: a newer partition directory on migration 3 wins.
	partDir := filepath.Join(dataDir, "updates", "migration=3", "year=2024", "month=4", "day=15")
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		t.Fatal(err)
	}
	start, err = tailer.ResolveStart()
	if err != nil {
		t.Fatal(err)
	}
	if start.MigrationID != 3 || !start.RecordTime.Equal(time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start from partition scan: %+v", start)
	}

	// Candidate 3: a newer live cursor file wins over both.
	liveRT := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := dir.SaveLive(&models.LiveCursor{MigrationID: 3, RecordTime: liveRT}); err != nil {
		t.Fatal(err)
	}
	start, err = tailer.ResolveStart()
	if err != nil {
		t.Fatal(err)
	}
	if start.MigrationID != 3 || !start.RecordTime.Equal(liveRT) {
		t.Fatalf("start from live cursor: %+v", start)
	}
}
