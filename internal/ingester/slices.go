package ingester

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/scan"
)

const (
	// Below this span per slice the fan-out is not worth it and the wave runs
	// as one sequential paginating loop.
	minSliceSpan = 60 * time.Second

	// Per-slice dedup set cap. Clearing it is safe: cursor-driven pagination
	// still makes forward progress; the set only guards intra-page repeats.
	sliceDedupMax = 50000

	// Global (cross-slice) dedup set cap. Cleared wholesale when full — a
	// bounded false-negative rate at boundaries in exchange for bounded
	// memory; downstream tolerates duplicates.
	globalDedupMax = 250000

	sliceMaxRetries = 3

	// Pipelined process callbacks in flight per slice.
	sliceProcessPipeline = 3

	// Empty-gap step cap.
	emptyGapMaxStep = time.Second
)

// updatesFetcher is the slice of the scan client the fetch layer needs.
// *scan.Client satisfies it; tests drive the planner with fakes.
type updatesFetcher interface {
	UpdatesBefore(ctx context.Context, migrationID int, synchronizerID string, before, atOrAfter time.Time, count int) ([]models.RawTransaction, error)
}

// ProcessFunc consumes a deduplicated page of transactions and returns how
// many update/event records it produced.
type ProcessFunc func(ctx context.Context, txs []models.RawTransaction) (updates, events int64, err error)

// CursorFunc is invoked whenever the contiguous-completion boundary advances,
// with the record deltas accumulated since the previous invocation.
type CursorFunc func(deltaUpdates, deltaEvents int64, safeBoundary time.Time)

// SliceStatus is the per-slice outcome of one wave.
type SliceStatus struct {
	Index        int       `json:"index"`
	Before       time.Time `json:"before"`
	After        time.Time `json:"after"`
	Completed    bool      `json:"completed"`
	ReachedEnd   bool      `json:"reached_end"`
	HasData      bool      `json:"has_data"`
	EarliestTime time.Time `json:"earliest_time"`
	// Progress is the lowest instant verified by this slice: everything in
	// (Progress, Before) has been fetched (or observed empty). Equals After
	// once the slice reaches its end.
	Progress time.Time `json:"progress"`
	Updates  int64     `json:"updates"`
	Events   int64     `json:"events"`
}

// SliceFailure describes a slice that exhausted its retries.
type SliceFailure struct {
	Index     int
	Err       error
	Retryable bool
}

// BatchParams is one parallelFetchBatch invocation.
type BatchParams struct {
	MigrationID    int
	SynchronizerID string
	StartBefore    time.Time
	AtOrAfter      time.Time
	MaxBatches     int // page budget per slice for this wave
	BatchSize      int
	Concurrency    int
	Process        ProcessFunc
	Cursor         CursorFunc
}

// BatchResult is the outcome of one wave.
type BatchResult struct {
	SafeBoundary time.Time
	ReachedEnd   bool
	EarliestTime time.Time
	TotalUpdates int64
	TotalEvents  int64
	Processed    int64
	FailedSlices []SliceFailure
	SliceStatus  []SliceStatus
}

// globalDedup is the cross-slice update_id set shared by all waves of one
// synchronizer.
type globalDedup struct {
	mu  sync.Mutex
	set map[string]struct{}
	cap int
}

func newGlobalDedup(capacity int) *globalDedup {
	if capacity <= 0 {
		capacity = globalDedupMax
	}
	return &globalDedup{set: make(map[string]struct{}), cap: capacity}
}

// firstSeen records id and reports whether it was new. At capacity the whole
// set is cleared — intentional: see the cap comment above.
func (g *globalDedup) firstSeen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.set[id]; dup {
		return false
	}
	if len(g.set) >= g.cap {
		log.Printf("[fetch] global dedup set reached %d entries, clearing", len(g.set))
		g.set = make(map[string]struct{})
	}
	g.set[id] = struct{}{}
	return true
}

// parallelFetchBatch splits [AtOrAfter, StartBefore] into Concurrency equal,
// non-overlapping slices (index 0 = newest) and runs one streaming fetch loop
// per slice. The safe cursor boundary it reports is the lower bound (After)
// of the longest contiguous prefix of slices, starting at index 0, that
// completed and reached their end; when the next slice has exited early, its
// verified Progress extends that prefix. No time hole is ever claimed as done.
func parallelFetchBatch(ctx context.Context, fetcher updatesFetcher, dedup *globalDedup, p BatchParams) *BatchResult {
	span := p.StartBefore.Sub(p.AtOrAfter)
	concurrency := p.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if span < minSliceSpan*time.Duration(concurrency) {
		concurrency = 1
	}

	// Pre-compute the slice boundaries. Slice i covers [after_i, before_i)
	// with before_0 = StartBefore and after_{n-1} = AtOrAfter; interior
	// boundaries are shared so no instant is skipped or fetched twice.
	statuses := make([]SliceStatus, concurrency)
	sliceSpan := span / time.Duration(concurrency)
	for i := 0; i < concurrency; i++ {
		before := p.StartBefore.Add(-time.Duration(i) * sliceSpan)
		after := before.Add(-sliceSpan)
		if i == concurrency-1 {
			after = p.AtOrAfter
		}
		statuses[i] = SliceStatus{Index: i, Before: before, After: after, EarliestTime: before, Progress: before}
	}

	res := &BatchResult{SafeBoundary: p.StartBefore}
	var mu sync.Mutex // guards res + statuses + boundary accounting
	var sinceCallbackU, sinceCallbackE int64

	// advanceBoundary recomputes the safe boundary and fires the cursor
	// callback when it moves. Only fully-verified time may be claimed: the
	// contiguous prefix of slices that reached their end, plus the partial
	// verified progress of the next slice IF it has already exited (its
	// pipelined process callbacks are drained). A slice that is merely
	// running, or anything below a hole, never moves the boundary.
	advanceBoundary := func() {
		k := 0
		for k < len(statuses) && statuses[k].Completed && statuses[k].ReachedEnd {
			k++
		}
		var boundary time.Time
		switch {
		case k == len(statuses):
			boundary = statuses[k-1].After
		case statuses[k].Completed:
			boundary = statuses[k].Progress
		case k > 0:
			boundary = statuses[k-1].After
		default:
			return
		}
		if !boundary.Before(res.SafeBoundary) {
			return
		}
		res.SafeBoundary = boundary
		if p.Cursor != nil {
			p.Cursor(sinceCallbackU, sinceCallbackE, boundary)
			sinceCallbackU, sinceCallbackE = 0, 0
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err, retryable := runSliceWithRetries(ctx, fetcher, dedup, p, &mu, &statuses[idx], func(u, e int64) {
				mu.Lock()
				res.TotalUpdates += u
				res.TotalEvents += e
				sinceCallbackU += u
				sinceCallbackE += e
				mu.Unlock()
			})
			mu.Lock()
			if err != nil {
				res.FailedSlices = append(res.FailedSlices, SliceFailure{Index: idx, Err: err, Retryable: retryable})
			} else {
				statuses[idx].Completed = true
				advanceBoundary()
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	res.SliceStatus = statuses
	earliest := time.Time{}
	var processed int64
	allEnd := true
	for i := range statuses {
		s := &statuses[i]
		processed += s.Updates
		if !s.Completed || !s.ReachedEnd {
			allEnd = false
		}
		if s.HasData && (earliest.IsZero() || s.EarliestTime.Before(earliest)) {
			earliest = s.EarliestTime
		}
	}
	res.EarliestTime = earliest
	res.Processed = processed
	res.ReachedEnd = allEnd && len(res.FailedSlices) == 0
	return res
}

// runSliceWithRetries retries a slice loop on retryable errors with
// exponential backoff + jitter, resuming from the loop's own cursor.
func runSliceWithRetries(ctx context.Context, fetcher updatesFetcher, dedup *globalDedup, p BatchParams, mu *sync.Mutex, status *SliceStatus, count func(u, e int64)) (error, bool) {
	var lastErr error
	lastRetryable := false
	for attempt := 0; attempt <= sliceMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			log.Printf("[fetch] slice %d retry %d/%d in %s: %v", status.Index, attempt, sliceMaxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err(), false
			case <-time.After(delay):
			}
		}
		err := fetchTimeSliceStreaming(ctx, fetcher, dedup, p, mu, status, count)
		if err == nil {
			return nil, false
		}
		lastErr = err
		lastRetryable = scan.IsRetryable(err)
		if !lastRetryable || ctx.Err() != nil {
			break
		}
	}
	return lastErr, lastRetryable
}

// fetchTimeSliceStreaming pages one slice from its current position down to
// its after-bound, streaming unique transactions into the process callback.
// Up to sliceProcessPipeline callbacks run concurrently so decode/buffering
// overlaps the next fetch.
func fetchTimeSliceStreaming(ctx context.Context, fetcher updatesFetcher, dedup *globalDedup, p BatchParams, mu *sync.Mutex, status *SliceStatus, count func(u, e int64)) error {
	mu.Lock()
	currentBefore := status.Progress // resumes across slice retries
	sliceAfter := status.After
	mu.Unlock()

	seen := make(map[string]struct{})
	gap := emptyGapHandler{}

	sem := make(chan struct{}, sliceProcessPipeline)
	var procWG sync.WaitGroup
	var procMu sync.Mutex
	var procErr error
	waitProcs := func() error {
		procWG.Wait()
		procMu.Lock()
		defer procMu.Unlock()
		return procErr
	}

	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			waitProcs()
			return err
		}
		if !currentBefore.After(sliceAfter) {
			mu.Lock()
			status.ReachedEnd = true
			status.Progress = sliceAfter
			mu.Unlock()
			break
		}
		if p.MaxBatches > 0 && pages >= p.MaxBatches {
			// Wave budget exhausted. The slice completes with partial
			// progress; Progress bounds what may be claimed done.
			break
		}

		txs, err := fetcher.UpdatesBefore(ctx, p.MigrationID, p.SynchronizerID, currentBefore, sliceAfter, p.BatchSize)
		if err != nil {
			waitProcs()
			return err
		}
		pages++

		if len(txs) == 0 {
			next, done := gap.step(currentBefore, sliceAfter)
			if done {
				mu.Lock()
				status.ReachedEnd = true
				status.Progress = sliceAfter
				mu.Unlock()
				break
			}
			currentBefore = next
			mu.Lock()
			status.Progress = currentBefore
			mu.Unlock()
			continue
		}
		gap.reset()

		// Intra-slice dedup, then the cross-slice set.
		if len(seen) > sliceDedupMax {
			seen = make(map[string]struct{})
		}
		unique := txs[:0:0]
		minRecordTime := time.Time{}
		for i := range txs {
			tx := txs[i]
			rt := tx.ResolvedRecordTime()
			if !rt.IsZero() && (minRecordTime.IsZero() || rt.Before(minRecordTime)) {
				minRecordTime = rt
			}
			id := tx.ResolvedUpdateID()
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !dedup.firstSeen(id) {
				continue
			}
			unique = append(unique, tx)
		}

		if len(unique) > 0 {
			procMu.Lock()
			err := procErr
			procMu.Unlock()
			if err != nil {
				waitProcs()
				return err
			}
			page := unique
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				waitProcs()
				return ctx.Err()
			}
			procWG.Add(1)
			go func() {
				defer procWG.Done()
				defer func() { <-sem }()
				u, e, err := p.Process(ctx, page)
				if err != nil {
					procMu.Lock()
					if procErr == nil {
						procErr = err
					}
					procMu.Unlock()
					return
				}
				count(u, e)
			}()
		}

		if minRecordTime.IsZero() {
			// A page with no resolvable record times cannot advance the
			// cursor; treat it as fatal rather than looping forever.
			waitProcs()
			return fmt.Errorf("fetch: page of %d transactions without record times (migration=%d synchronizer=%s before=%s)",
				len(txs), p.MigrationID, p.SynchronizerID, currentBefore)
		}

		mu.Lock()
		status.HasData = true
		if minRecordTime.Before(status.EarliestTime) {
			status.EarliestTime = minRecordTime
		}
		status.Updates += int64(len(unique))
		mu.Unlock()

		if !minRecordTime.After(sliceAfter) {
			mu.Lock()
			status.ReachedEnd = true
			status.Progress = sliceAfter
			mu.Unlock()
			break
		}
		// The -1ms is mandatory: it prevents re-fetching the boundary record
		// regardless of whether the server treats `before` as exclusive.
		currentBefore = minRecordTime.Add(-time.Millisecond)
		mu.Lock()
		status.Progress = currentBefore
		mu.Unlock()
	}

	return waitProcs()
}

// emptyGapHandler steps the cursor backwards through genuinely sparse ranges
// with an escalating step: min(10ms * 10^n, 1s).
type emptyGapHandler struct {
	consecutive int
}

func (h *emptyGapHandler) reset() { h.consecutive = 0 }

func (h *emptyGapHandler) step(currentBefore, sliceAfter time.Time) (time.Time, bool) {
	step := 10 * time.Millisecond
	for i := 0; i < h.consecutive && step < emptyGapMaxStep; i++ {
		step *= 10
	}
	if step > emptyGapMaxStep {
		step = emptyGapMaxStep
	}
	h.consecutive++
	next := currentBefore.Add(-step)
	if !next.After(sliceAfter) {
		return sliceAfter, true
	}
	return next, false
}
