package ingester

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"cantonscan-ingest/internal/config"
	"cantonscan-ingest/internal/cursor"
	"cantonscan-ingest/internal/eventbus"
	"cantonscan-ingest/internal/metrics"
	"cantonscan-ingest/internal/scan"
	"cantonscan-ingest/internal/writer"
)

// Engine owns the full ingest pipeline with an explicit lifecycle: New builds
// every component, Run backfills then tails, Shutdown drains and stops. There
// is no package-global mutable state.
type Engine struct {
	cfg     *config.Config
	client  *scan.Client
	pool    *writer.Pool
	cursors *cursor.Dir
	tuner   *Tuner
	bus     *eventbus.Bus

	backfiller *Backfiller
	tailer     *Tailer
}

func NewEngine(cfg *config.Config) (*Engine, error) {
	client := scan.NewClient(scan.Options{
		BaseURL:        cfg.ScanURL,
		RequestTimeout: cfg.RequestTimeout,
		RPS:            cfg.ScanRPS,
		Burst:          cfg.ScanBurst,
		InsecureTLS:    cfg.InsecureTLS,
	})
	client.Stats().SetHook(func(latency time.Duration, outcome string) {
		metrics.ScanRequestsTotal.WithLabelValues(outcome).Inc()
		metrics.FetchLatency.Observe(latency.Seconds())
	})

	var backends []writer.Backend
	if cfg.WriteParquet {
		pq, err := writer.NewParquet(cfg.DataDir, cfg.RowsPerFile)
		if err != nil {
			return nil, fmt.Errorf("parquet backend: %w", err)
		}
		backends = append(backends, pq)
	}
	if cfg.WriteChunked {
		ch, err := writer.NewChunked(cfg.DataDir, writer.DefaultChunkSize)
		if err != nil {
			return nil, fmt.Errorf("chunked backend: %w", err)
		}
		backends = append(backends, ch)
	}

	pool := writer.NewPool(backends, writer.Options{
		Workers:     cfg.WriterWorkers,
		RowsPerFile: cfg.RowsPerFile,
	})

	cursors, err := cursor.NewDir(cfg.CursorDir)
	if err != nil {
		return nil, err
	}

	tuner := NewTuner(TunerConfig{
		Min:             cfg.MinParallel,
		Max:             cfg.MaxParallel,
		Base:            cfg.ParallelFetches,
		LatencyLow:      time.Duration(cfg.LatencyLowMs) * time.Millisecond,
		LatencyHigh:     time.Duration(cfg.LatencyHighMs) * time.Millisecond,
		LatencyCritical: time.Duration(cfg.LatencyCritMs) * time.Millisecond,
	}, client.Stats())

	bus := eventbus.New()

	e := &Engine{
		cfg:     cfg,
		client:  client,
		pool:    pool,
		cursors: cursors,
		tuner:   tuner,
		bus:     bus,
	}
	e.backfiller = NewBackfiller(client, pool, cursors, tuner, BackfillConfig{
		BatchSize:         cfg.BatchSize,
		ShardIndex:        cfg.ShardIndex,
		ShardTotal:        cfg.ShardTotal,
		TargetMigration:   cfg.TargetMigration,
		FlushEveryBatches: cfg.FlushEveryBatches,
		CheckpointEvery:   cfg.CheckpointEvery,
		PressureThreshold: cfg.PressureThreshold,
	})
	e.tailer = NewTailer(client, pool, cursors, bus, TailerConfig{
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		StallThreshold: cfg.StallThreshold,
		DataDir:        cfg.DataDir,
	})
	return e, nil
}

// Bus exposes the ingest event bus (for the websocket hub).
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Tuner exposes the auto-tuner (for the admin endpoint).
func (e *Engine) Tuner() *Tuner { return e.tuner }

// FlushAll force-emits all buffered batches (admin endpoint).
func (e *Engine) FlushAll(ctx context.Context) error {
	_, err := e.pool.FlushAll(ctx)
	return err
}

// Run executes backfill across all migrations owned by this shard, verifies
// every cursor is complete, then hands off to the live tailer. It returns nil
// on cancellation and an error on fatal failure.
func (e *Engine) Run(ctx context.Context) error {
	metricsDone := make(chan struct{})
	go e.metricsLoop(ctx, metricsDone)
	defer close(metricsDone)

	if err := e.backfiller.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Printf("[engine] backfill complete on shard %d/%d, starting live tail", e.cfg.ShardIndex, e.cfg.ShardTotal)
	return e.tailer.Run(ctx)
}

// Shutdown drains the writer and closes the pipeline. Safe to call after Run
// returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.bus.Close()
	return e.pool.Shutdown(ctx)
}

// StatusSnapshot is the /status payload source.
func (e *Engine) StatusSnapshot() map[string]interface{} {
	stats := e.pool.BufferStats()
	out := map[string]interface{}{
		"writer": stats,
		"tuner": map[string]interface{}{
			"parallel_fetches": e.tuner.Load(),
			"in_cooldown":      e.tuner.InCooldown(),
		},
		"shard": map[string]interface{}{
			"index": e.cfg.ShardIndex,
			"total": e.cfg.ShardTotal,
		},
	}
	if cursors, err := e.cursors.LoadAll(); err == nil {
		complete := 0
		for _, c := range cursors {
			if c.Complete {
				complete++
			}
		}
		out["cursors"] = cursors
		out["cursors_complete"] = complete
	}
	if live := e.cursors.LoadLive(); live != nil {
		out["live_cursor"] = live
	}
	return out
}

// metricsLoop refreshes the gauge metrics from pipeline state.
func (e *Engine) metricsLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastWritten int64
	var lastBytes int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			stats := e.pool.BufferStats()
			metrics.WriterQueueDepth.Set(float64(stats.PendingWrites))
			metrics.BufferedRecords.Set(float64(stats.UpdatesBuffered + stats.EventsBuffered))
			metrics.ParallelFetches.Set(float64(e.tuner.Load()))
			if d := stats.RecordsWritten - lastWritten; d > 0 {
				metrics.RecordsWrittenTotal.WithLabelValues("all", "all").Add(float64(d))
				lastWritten = stats.RecordsWritten
			}
			if d := stats.BytesWritten - lastBytes; d > 0 {
				metrics.BytesWrittenTotal.WithLabelValues("all").Add(float64(d))
				lastBytes = stats.BytesWritten
			}
			if cursors, err := e.cursors.LoadAll(); err == nil {
				complete := 0
				for _, c := range cursors {
					if c.Complete {
						complete++
					}
					metrics.CursorLastBefore.WithLabelValues(
						strconv.Itoa(c.MigrationID), c.SynchronizerID, strconv.Itoa(c.ShardIndex),
					).Set(float64(c.LastBefore.Unix()))
				}
				metrics.CursorsComplete.Set(float64(complete))
			}
			if live := e.cursors.LoadLive(); live != nil {
				metrics.LiveRecordTime.Set(float64(live.RecordTime.Unix()))
			}
		}
	}
}
