package ingester

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/scan"
)

type fakeRec struct {
	id string
	rt time.Time
}

// fakeFetcher serves a fixed record set through the updates-before contract:
// strictly before `before`, at or after `atOrAfter`, newest first, up to count.
type fakeFetcher struct {
	mu       sync.Mutex
	records  []fakeRec
	failWhen func(before time.Time) error
	calls    int
}

func (f *fakeFetcher) UpdatesBefore(ctx context.Context, migrationID int, synchronizerID string, before, atOrAfter time.Time, count int) ([]models.RawTransaction, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failWhen
	f.mu.Unlock()
	if fail != nil {
		if err := fail(before); err != nil {
			return nil, err
		}
	}

	var page []fakeRec
	for _, r := range f.records {
		if r.rt.Before(before) && !r.rt.Before(atOrAfter) {
			page = append(page, r)
		}
	}
	sort.Slice(page, func(i, j int) bool { return page[i].rt.After(page[j].rt) })
	if len(page) > count {
		page = page[:count]
	}
	out := make([]models.RawTransaction, len(page))
	for i, r := range page {
		rt := r.rt
		out[i] = models.RawTransaction{UpdateID: r.id, RecordTime: &rt, EffectiveAt: &rt}
	}
	return out, nil
}

func genRecords(start, end time.Time, interval time.Duration) []fakeRec {
	var out []fakeRec
	i := 0
	for t := start; t.Before(end); t = t.Add(interval) {
		out = append(out, fakeRec{id: fmt.Sprintf("u-%d", i), rt: t})
		i++
	}
	return out
}

// collector is a ProcessFunc recording every id it sees.
type collector struct {
	mu    sync.Mutex
	ids   map[string]int
	count int64
}

func newCollector() *collector { return &collector{ids: make(map[string]int)} }

func (c *collector) process(ctx context.Context, txs []models.RawTransaction) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range txs {
		c.ids[txs[i].ResolvedUpdateID()]++
		c.count++
	}
	return int64(len(txs)), 0, nil
}

func (c *collector) duplicates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dups []string
	for id, n := range c.ids {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	return dups
}

func TestSingleSliceHappyPath(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	f := &fakeFetcher{records: genRecords(start, end, 600*time.Millisecond)} // 1000 records
	col := newCollector()

	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		MigrationID:    0,
		SynchronizerID: "sync",
		StartBefore:    end,
		AtOrAfter:      start,
		BatchSize:      100,
		Concurrency:    1,
		Process:        col.process,
	})

	if len(res.FailedSlices) != 0 {
		t.Fatalf("failed slices: %+v", res.FailedSlices)
	}
	if !res.ReachedEnd {
		t.Fatal("expected ReachedEnd")
	}
	if res.TotalUpdates != 1000 {
		t.Fatalf("totalUpdates=%d want 1000", res.TotalUpdates)
	}
	if len(res.SliceStatus) != 1 || !res.SliceStatus[0].Completed {
		t.Fatalf("slice status: %+v", res.SliceStatus)
	}
	if res.SafeBoundary.After(start) {
		t.Fatalf("safe boundary %s not at or below range start %s", res.SafeBoundary, start)
	}
	if dups := col.duplicates(); len(dups) != 0 {
		t.Fatalf("duplicate emissions: %v", dups)
	}
}

func TestPartialFailureSafeBoundary(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	// Slice layout with concurrency 4: slice 0 [45m, 60m), slice 1 [30m, 45m),
	// slice 2 [15m, 30m), slice 3 [0, 15m).
	slice1Lo := start.Add(30 * time.Minute)
	slice1Hi := start.Add(45 * time.Minute)

	f := &fakeFetcher{
		records: genRecords(start, end, time.Second),
		failWhen: func(before time.Time) error {
			if before.After(slice1Lo) && !before.After(slice1Hi) {
				return &scan.HTTPStatusError{Status: 403, URL: "test"} // non-retryable
			}
			return nil
		},
	}
	col := newCollector()

	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		MigrationID:    0,
		SynchronizerID: "sync",
		StartBefore:    end,
		AtOrAfter:      start,
		BatchSize:      1000,
		Concurrency:    4,
		Process:        col.process,
	})

	if len(res.FailedSlices) != 1 || res.FailedSlices[0].Index != 1 {
		t.Fatalf("failed slices: %+v", res.FailedSlices)
	}
	if res.FailedSlices[0].Retryable {
		t.Fatal("403 must be non-retryable")
	}
	// Slice 0 completed, slice 1 failed: the boundary is exactly slice 0's
	// end. Work from slices 2 and 3 must not move it.
	if !res.SafeBoundary.Equal(slice1Hi) {
		t.Fatalf("safe boundary %s want %s", res.SafeBoundary, slice1Hi)
	}
	if res.ReachedEnd {
		t.Fatal("a failed wave must not report ReachedEnd")
	}
}

func TestBoundaryStaysWhenSliceZeroFails(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	f := &fakeFetcher{
		records: genRecords(start, end, time.Second),
		failWhen: func(before time.Time) error {
			if before.Equal(end) || before.After(start.Add(45*time.Minute)) {
				return &scan.HTTPStatusError{Status: 403, URL: "test"}
			}
			return nil
		},
	}
	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 4,
		Process:     newCollector().process,
	})
	// No contiguous prefix: the cursor may not move at all.
	if !res.SafeBoundary.Equal(end) {
		t.Fatalf("safe boundary %s want unchanged %s", res.SafeBoundary, end)
	}
}

func TestGlobalDedupAcrossSlices(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	recs := genRecords(start, end, 2*time.Second)
	// Plant the same update id on both sides of the slice 0/1 boundary.
	boundary := start.Add(45 * time.Minute)
	recs = append(recs,
		fakeRec{id: "dup-1", rt: boundary.Add(time.Millisecond)},
		fakeRec{id: "dup-1", rt: boundary.Add(-time.Millisecond)},
	)
	f := &fakeFetcher{records: recs}
	col := newCollector()

	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 4,
		Process:     col.process,
	})
	if len(res.FailedSlices) != 0 {
		t.Fatalf("failures: %+v", res.FailedSlices)
	}
	col.mu.Lock()
	n := col.ids["dup-1"]
	col.mu.Unlock()
	if n != 1 {
		t.Fatalf("dup-1 emitted %d times, want exactly 1", n)
	}
}

func TestGlobalDedupClearBoundary(t *testing.T) {
	t.Parallel()

	g := newGlobalDedup(3)
	for _, id := range []string{"a", "b", "c"} {
		if !g.firstSeen(id) {
			t.Fatalf("%s should be new", id)
		}
	}
	if g.firstSeen("a") {
		t.Fatal("a should be a duplicate before the clear")
	}
	// Set is at capacity: the next new id triggers a wholesale clear, after
	// which previously seen ids pass again — the documented trade-off.
	if !g.firstSeen("d") {
		t.Fatal("d should be accepted (clears the set)")
	}
	if !g.firstSeen("a") {
		t.Fatal("a should pass after the clear window")
	}
}

func TestSliceRetryOnTransientError(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)
	var failures int
	var mu sync.Mutex
	f := &fakeFetcher{records: genRecords(start, end, time.Second)}
	f.failWhen = func(before time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			return &scan.HTTPStatusError{Status: 503, URL: "test"}
		}
		return nil
	}
	col := newCollector()

	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 1,
		Process:     col.process,
	})
	if len(res.FailedSlices) != 0 {
		t.Fatalf("slice should recover from transient errors: %+v", res.FailedSlices)
	}
	if res.TotalUpdates != 300 {
		t.Fatalf("totalUpdates=%d want 300", res.TotalUpdates)
	}
}

func TestSliceFailsAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)
	f := &fakeFetcher{
		records: genRecords(start, end, time.Second),
		failWhen: func(before time.Time) error {
			return &scan.HTTPStatusError{Status: 503, URL: "test"}
		},
	}
	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 1,
		Process:     newCollector().process,
	})
	if len(res.FailedSlices) != 1 {
		t.Fatalf("failures: %+v", res.FailedSlices)
	}
	if !res.FailedSlices[0].Retryable {
		t.Fatal("503 failure must be flagged retryable")
	}
	if !res.SafeBoundary.Equal(end) {
		t.Fatalf("boundary moved on total failure: %s", res.SafeBoundary)
	}
}

func TestSequentialFallbackForNarrowSpan(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second) // < 60s * 4
	f := &fakeFetcher{records: genRecords(start, end, time.Second)}
	col := newCollector()

	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 4,
		Process:     col.process,
	})
	if len(res.SliceStatus) != 1 {
		t.Fatalf("narrow span should run sequentially, got %d slices", len(res.SliceStatus))
	}
	if res.TotalUpdates != 90 {
		t.Fatalf("totalUpdates=%d want 90", res.TotalUpdates)
	}
}

func TestEmptyRangeReachesEnd(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	f := &fakeFetcher{} // no records at all
	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 2,
		Process:     newCollector().process,
	})
	if len(res.FailedSlices) != 0 {
		t.Fatalf("failures: %+v", res.FailedSlices)
	}
	if !res.ReachedEnd {
		t.Fatal("empty range must reach end via the gap handler")
	}
	if res.Processed != 0 {
		t.Fatalf("processed=%d want 0", res.Processed)
	}
	if !res.SafeBoundary.Equal(start) {
		t.Fatalf("boundary=%s want %s", res.SafeBoundary, start)
	}
}

func TestBudgetExhaustionClaimsOnlyVerifiedPrefix(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	f := &fakeFetcher{records: genRecords(start, end, time.Second)}
	col := newCollector()

	// One page of 10 records per slice: every slice exits on budget with
	// partial progress. Even though slice 1 processed records far below
	// slice 0's progress, only slice 0's verified prefix may be claimed.
	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		MaxBatches:  1,
		BatchSize:   10,
		Concurrency: 2,
		Process:     col.process,
	})
	if len(res.FailedSlices) != 0 {
		t.Fatalf("failures: %+v", res.FailedSlices)
	}
	if res.ReachedEnd {
		t.Fatal("budget-limited wave must not report ReachedEnd")
	}
	slice0 := res.SliceStatus[0]
	if !res.SafeBoundary.Equal(slice0.Progress) {
		t.Fatalf("boundary %s want slice 0 progress %s", res.SafeBoundary, slice0.Progress)
	}
	// Slice 0 saw 10 records of the newest minute: the boundary stays in
	// slice 0's range, far above slice 1's work.
	if res.SafeBoundary.Before(slice0.After) {
		t.Fatalf("boundary %s dropped below slice 0's range (after=%s)", res.SafeBoundary, slice0.After)
	}
}

func TestEmptyGapHandlerSchedule(t *testing.T) {
	t.Parallel()

	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := after.Add(time.Hour)
	h := emptyGapHandler{}

	next, done := h.step(before, after)
	if done || !next.Equal(before.Add(-10*time.Millisecond)) {
		t.Fatalf("step 0: %s done=%v", next, done)
	}
	next, done = h.step(next, after)
	if done || !next.Equal(before.Add(-110*time.Millisecond)) {
		t.Fatalf("step 1: %s done=%v", next, done)
	}
	next, done = h.step(next, after)
	if done || !next.Equal(before.Add(-1110*time.Millisecond)) {
		t.Fatalf("step 2: %s done=%v", next, done)
	}
	// Capped at 1s from here on.
	next, done = h.step(next, after)
	if done || !next.Equal(before.Add(-2110*time.Millisecond)) {
		t.Fatalf("step 3: %s done=%v", next, done)
	}

	// Stepping across the after-bound reports done.
	h2 := emptyGapHandler{}
	if _, done := h2.step(after.Add(5*time.Millisecond), after); !done {
		t.Fatal("crossing the after bound must report done")
	}
}

func TestCursorCallbackMonotonic(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	f := &fakeFetcher{records: genRecords(start, end, time.Second)}

	var mu sync.Mutex
	var boundaries []time.Time
	res := parallelFetchBatch(context.Background(), f, newGlobalDedup(0), BatchParams{
		StartBefore: end,
		AtOrAfter:   start,
		BatchSize:   1000,
		Concurrency: 4,
		Process:     newCollector().process,
		Cursor: func(du, de int64, boundary time.Time) {
			mu.Lock()
			boundaries = append(boundaries, boundary)
			mu.Unlock()
		},
	})
	if len(res.FailedSlices) != 0 {
		t.Fatalf("failures: %+v", res.FailedSlices)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(boundaries) == 0 {
		t.Fatal("cursor callback never fired")
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i].After(boundaries[i-1]) {
			t.Fatalf("boundary moved upward: %s -> %s", boundaries[i-1], boundaries[i])
		}
	}
	if !boundaries[len(boundaries)-1].Equal(start) {
		t.Fatalf("final boundary %s want %s", boundaries[len(boundaries)-1], start)
	}
}
