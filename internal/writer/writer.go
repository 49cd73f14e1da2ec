// Package writer buffers normalized records per partition and turns them into
// durable column-store / chunked-compressed files through a bounded worker
// pool. Back-pressure is applied to producers when the job queue crosses its
// high-water mark, and a batch only counts as flushed once a worker reports
// ok=true for it.
package writer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/partition"
)

// Validation is the post-write integrity check result for one file.
type Validation struct {
	Valid    bool     `json:"valid"`
	RowCount int64    `json:"row_count"`
	Issues   []string `json:"issues,omitempty"`
}

// WriteResult reports one file produced by one backend.
type WriteResult struct {
	OK         bool       `json:"ok"`
	Backend    string     `json:"backend"`
	Kind       string     `json:"kind"`
	File       string     `json:"file"`
	Count      int        `json:"count"`
	Bytes      int64      `json:"bytes"`
	Validation Validation `json:"validation"`
	Err        error      `json:"-"`
}

// Backend is one writer implementation (parquet via the column-store engine,
// or the chunked .pb.zst encoder). Backends must be safe for concurrent use
// by multiple workers; file-level exclusivity comes from the collision-free
// names in package partition.
type Backend interface {
	Name() string
	WriteUpdates(ctx context.Context, partitionDir string, records []models.UpdateRecord) WriteResult
	WriteEvents(ctx context.Context, partitionDir string, records []models.EventRecord) WriteResult
	Close() error
}

// BufferStats is the writer's externally visible state.
type BufferStats struct {
	UpdatesBuffered int   `json:"updates_buffered"`
	EventsBuffered  int   `json:"events_buffered"`
	QueuedJobs      int   `json:"queued_jobs"`
	ActiveWorkers   int   `json:"active_workers"`
	PendingWrites   int   `json:"pending_writes"`
	RecordsWritten  int64 `json:"records_written"`
	BytesWritten    int64 `json:"bytes_written"`
}

// Options configures the pool. Zero values take defaults.
type Options struct {
	Workers        int
	RowsPerFile    int
	QueueSize      int
	HighWater      int
	IdleFlush      time.Duration
	MaxJobAttempts int
}

type job struct {
	kind      string
	dir       string
	updates   []models.UpdateRecord
	events    []models.EventRecord
	attempts  int
	doneBy    map[string]bool // backends that already succeeded for this job
	resultCh  chan<- WriteResult
	resultFor int // results still expected on resultCh for this job
}

func (j *job) count() int {
	if j.kind == partition.KindUpdates {
		return len(j.updates)
	}
	return len(j.events)
}

// Pool implements the writer contract. One Pool serves both record kinds and
// fans each emitted batch out to every configured backend (dual write).
type Pool struct {
	backends []Backend
	opts     Options

	mu            sync.Mutex
	updateBatches map[string][]models.UpdateRecord
	eventBatches  map[string][]models.EventRecord
	buffered      int
	queued        int
	active        int
	pending       int // queued + active
	written       int64
	bytesOut      int64
	lastBuffer    time.Time
	fatalErr      error
	closed        bool

	jobs       chan *job
	workerWG   sync.WaitGroup
	idleStop   chan struct{}
	workerStop chan struct{}
}

func NewPool(backends []Backend, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RowsPerFile <= 0 {
		opts.RowsPerFile = 100000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.HighWater <= 0 || opts.HighWater > opts.QueueSize {
		opts.HighWater = opts.QueueSize / 2
	}
	if opts.IdleFlush <= 0 {
		opts.IdleFlush = 30 * time.Second
	}
	if opts.MaxJobAttempts <= 0 {
		opts.MaxJobAttempts = 3
	}

	p := &Pool{
		backends:      backends,
		opts:          opts,
		updateBatches: make(map[string][]models.UpdateRecord),
		eventBatches:  make(map[string][]models.EventRecord),
		jobs:          make(chan *job, opts.QueueSize),
		idleStop:      make(chan struct{}),
		workerStop:    make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		p.workerWG.Add(1)
		go p.worker(i)
	}
	go p.idleFlusher()
	return p
}

// Err returns the pool's fatal error, if a job exhausted its attempts.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

// BufferUpdates routes records into per-partition batches, emitting full
// batches as jobs. Blocks (back-pressure) while the queue is over high-water.
func (p *Pool) BufferUpdates(ctx context.Context, records []models.UpdateRecord) error {
	for i := range records {
		rec := &records[i]
		dir, err := partition.Path(rec.EffectiveAt, rec.MigrationID, partition.KindUpdates)
		if err != nil {
			log.Printf("[writer] Warn: skipping update %s: %v", rec.UpdateID, err)
			continue
		}
		p.mu.Lock()
		p.updateBatches[dir] = append(p.updateBatches[dir], *rec)
		p.buffered++
		p.lastBuffer = time.Now()
		var full []models.UpdateRecord
		if len(p.updateBatches[dir]) >= p.opts.RowsPerFile {
			full = p.updateBatches[dir]
			delete(p.updateBatches, dir)
			p.buffered -= len(full)
		}
		p.mu.Unlock()
		if full != nil {
			if err := p.enqueue(ctx, &job{kind: partition.KindUpdates, dir: dir, updates: full}); err != nil {
				return err
			}
		}
	}
	return nil
}

// BufferEvents is the event-stream counterpart of BufferUpdates.
func (p *Pool) BufferEvents(ctx context.Context, records []models.EventRecord) error {
	for i := range records {
		rec := &records[i]
		dir, err := partition.Path(rec.EffectiveAt, rec.MigrationID, partition.KindEvents)
		if err != nil {
			log.Printf("[writer] Warn: skipping event %s: %v", rec.EventID, err)
			continue
		}
		p.mu.Lock()
		p.eventBatches[dir] = append(p.eventBatches[dir], *rec)
		p.buffered++
		p.lastBuffer = time.Now()
		var full []models.EventRecord
		if len(p.eventBatches[dir]) >= p.opts.RowsPerFile {
			full = p.eventBatches[dir]
			delete(p.eventBatches, dir)
			p.buffered -= len(full)
		}
		p.mu.Unlock()
		if full != nil {
			if err := p.enqueue(ctx, &job{kind: partition.KindEvents, dir: dir, events: full}); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushAll emits every buffered batch and waits for those jobs to finish,
// returning one result per (job, backend).
func (p *Pool) FlushAll(ctx context.Context) ([]WriteResult, error) {
	jobs := p.drainBatches()
	if len(jobs) == 0 {
		return nil, p.Err()
	}

	expect := len(jobs) * len(p.backends)
	results := make(chan WriteResult, expect)
	for _, j := range jobs {
		j.resultCh = results
		j.resultFor = len(p.backends)
		if err := p.enqueue(ctx, j); err != nil {
			return nil, err
		}
	}

	out := make([]WriteResult, 0, expect)
	for len(out) < expect {
		select {
		case r := <-results:
			out = append(out, r)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, p.Err()
}

func (p *Pool) drainBatches() []*job {
	p.mu.Lock()
	defer p.mu.Unlock()
	var jobs []*job
	for dir, recs := range p.updateBatches {
		jobs = append(jobs, &job{kind: partition.KindUpdates, dir: dir, updates: recs})
		p.buffered -= len(recs)
	}
	for dir, recs := range p.eventBatches {
		jobs = append(jobs, &job{kind: partition.KindEvents, dir: dir, events: recs})
		p.buffered -= len(recs)
	}
	p.updateBatches = make(map[string][]models.UpdateRecord)
	p.eventBatches = make(map[string][]models.EventRecord)
	return jobs
}

// WaitForWrites returns once the job queue is empty and no worker is active.
// A fatal writer error surfaces here so the driver can stop advancing.
func (p *Pool) WaitForWrites(ctx context.Context) error {
	for {
		p.mu.Lock()
		pending := p.pending
		err := p.fatalErr
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// BufferStats reports current buffer, queue and worker occupancy.
func (p *Pool) BufferStats() BufferStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var upd, evt int
	for _, b := range p.updateBatches {
		upd += len(b)
	}
	for _, b := range p.eventBatches {
		evt += len(b)
	}
	return BufferStats{
		UpdatesBuffered: upd,
		EventsBuffered:  evt,
		QueuedJobs:      p.queued,
		ActiveWorkers:   p.active,
		PendingWrites:   p.pending,
		RecordsWritten:  p.written,
		BytesWritten:    p.bytesOut,
	}
}

// Shutdown drains everything and stops the workers. After Shutdown the pool
// must not be used.
func (p *Pool) Shutdown(ctx context.Context) error {
	if _, err := p.FlushAll(ctx); err != nil {
		log.Printf("[writer] flush during shutdown: %v", err)
	}
	if err := p.WaitForWrites(ctx); err != nil {
		log.Printf("[writer] wait during shutdown: %v", err)
	}
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	close(p.idleStop)
	close(p.workerStop)
	p.workerWG.Wait()
	var firstErr error
	for _, b := range p.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// enqueue applies back-pressure: it blocks while the queue is at or over the
// high-water mark, then hands the job to the workers.
func (p *Pool) enqueue(ctx context.Context, j *job) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return fmt.Errorf("writer: pool is shut down")
		}
		if err := p.fatalErr; err != nil {
			p.mu.Unlock()
			return err
		}
		if p.queued < p.opts.HighWater {
			p.queued++
			p.pending++
			p.mu.Unlock()
			p.jobs <- j
			return nil
		}
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// requeue puts a failed job back without blocking the calling worker. The
// jobs channel is never closed, so the deferred send is always safe; it bails
// out if the pool stops first.
func (p *Pool) requeue(j *job) {
	p.mu.Lock()
	if p.closed {
		if p.fatalErr == nil {
			p.fatalErr = fmt.Errorf("writer: job for %s/%s abandoned at shutdown", j.kind, j.dir)
		}
		p.mu.Unlock()
		return
	}
	p.queued++
	p.pending++
	p.mu.Unlock()
	go func() {
		select {
		case p.jobs <- j:
		case <-p.workerStop:
			p.mu.Lock()
			p.queued--
			p.pending--
			p.mu.Unlock()
		}
	}()
}

func (p *Pool) worker(id int) {
	defer p.workerWG.Done()
	for {
		var j *job
		select {
		case j = <-p.jobs:
		case <-p.workerStop:
			return
		}
		p.mu.Lock()
		p.queued--
		p.active++
		p.mu.Unlock()

		p.runJob(id, j)

		p.mu.Lock()
		p.active--
		p.pending--
		p.mu.Unlock()
	}
}

func (p *Pool) runJob(workerID int, j *job) {
	if j.doneBy == nil {
		j.doneBy = make(map[string]bool)
	}
	j.attempts++
	ctx := context.Background()

	failed := false
	for _, b := range p.backends {
		if j.doneBy[b.Name()] {
			continue
		}
		var res WriteResult
		if j.kind == partition.KindUpdates {
			res = b.WriteUpdates(ctx, j.dir, j.updates)
		} else {
			res = b.WriteEvents(ctx, j.dir, j.events)
		}
		res.Backend = b.Name()
		res.Kind = j.kind

		if res.OK {
			// A written batch is final for this backend even if the job
			// retries for another one — no record lands in two files.
			j.doneBy[b.Name()] = true
			p.mu.Lock()
			p.written += int64(res.Count)
			p.bytesOut += res.Bytes
			p.mu.Unlock()
			p.deliver(j, res)
		} else {
			failed = true
			log.Printf("[writer] worker %d: %s write failed for %s (%d records, attempt %d/%d): %v",
				workerID, b.Name(), j.dir, j.count(), j.attempts, p.opts.MaxJobAttempts, res.Err)
			if j.attempts >= p.opts.MaxJobAttempts {
				p.deliver(j, res)
			}
		}
	}

	if failed {
		if j.attempts < p.opts.MaxJobAttempts {
			p.requeue(j)
			return
		}
		p.mu.Lock()
		if p.fatalErr == nil {
			p.fatalErr = fmt.Errorf("writer: job for %s/%s failed after %d attempts", j.kind, j.dir, j.attempts)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) deliver(j *job, res WriteResult) {
	if j.resultCh == nil || j.resultFor <= 0 {
		return
	}
	j.resultFor--
	j.resultCh <- res
}

// idleFlusher emits partially filled batches after a quiet period so slow
// trickles (live tail) still reach disk promptly.
func (p *Pool) idleFlusher() {
	interval := p.opts.IdleFlush / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.idleStop:
			return
		case <-ticker.C:
			p.mu.Lock()
			quiet := p.buffered > 0 && time.Since(p.lastBuffer) >= p.opts.IdleFlush
			p.mu.Unlock()
			if !quiet {
				continue
			}
			jobs := p.drainBatches()
			for _, j := range jobs {
				if err := p.enqueue(context.Background(), j); err != nil {
					log.Printf("[writer] idle flush: %v", err)
					return
				}
			}
			if len(jobs) > 0 {
				log.Printf("[writer] idle flush emitted %d batch(es)", len(jobs))
			}
		}
	}
}
