// Package cursor persists backfill and live-tail checkpoints as JSON files
// with write-to-temp-then-rename semantics. A cursor is only ever advanced
// through the two-phase Begin/AddPending/Commit protocol, so the durable state
// always trails the data that backs it.
package cursor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/partition"
)

// Clock skew tolerance when rejecting future-timestamped cursors.
const maxFutureSkew = 5 * time.Minute

const liveCursorFile = "live-cursor.json"

// Dir manages all cursor files under one root directory.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// FileName returns the canonical cursor file name for a (migration,
// synchronizer, shard). The shard suffix is omitted for unsharded runs so
// single-process deployments keep their historical file names.
func FileName(migrationID int, synchronizerID string, shardIndex, shardTotal int) string {
	name := fmt.Sprintf("cursor-%d-%s", migrationID, partition.Sanitize(synchronizerID))
	if shardTotal > 1 {
		name += fmt.Sprintf("-shard%d", shardIndex)
	}
	return name + ".json"
}

// Store returns the store for one (migration, synchronizer, shard). Each
// store must have at most one writer at a time; the shard index disambiguates
// the file when work is split across processes.
func (d *Dir) Store(migrationID int, synchronizerID string, shardIndex, shardTotal int) *Store {
	return &Store{
		path: filepath.Join(d.root, FileName(migrationID, synchronizerID, shardIndex, shardTotal)),
	}
}

// LoadAll reads every backfill cursor under the root. Corrupt files are
// skipped with a warning, matching Store.Load.
func (d *Dir) LoadAll() ([]models.Cursor, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var out []models.Cursor
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "cursor-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s := &Store{path: filepath.Join(d.root, e.Name())}
		c, err := s.Load()
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MigrationID != out[j].MigrationID {
			return out[i].MigrationID < out[j].MigrationID
		}
		if out[i].SynchronizerID != out[j].SynchronizerID {
			return out[i].SynchronizerID < out[j].SynchronizerID
		}
		return out[i].ShardIndex < out[j].ShardIndex
	})
	return out, nil
}

// LoadLive reads the live tailer cursor, or nil when absent/corrupt/future.
func (d *Dir) LoadLive() *models.LiveCursor {
	data, err := os.ReadFile(filepath.Join(d.root, liveCursorFile))
	if err != nil {
		return nil
	}
	var c models.LiveCursor
	if err := json.Unmarshal(data, &c); err != nil {
		log.Printf("[cursor] Warn: malformed live cursor, ignoring: %v", err)
		return nil
	}
	if c.RecordTime.After(time.Now().Add(maxFutureSkew)) {
		log.Printf("[cursor] Warn: live cursor record_time %s is in the future, ignoring", c.RecordTime)
		return nil
	}
	return &c
}

// SaveLive atomically persists the live tailer cursor.
func (d *Dir) SaveLive(c *models.LiveCursor) error {
	c.UpdatedAt = time.Now().UTC()
	return writeAtomic(filepath.Join(d.root, liveCursorFile), c)
}

// Store is the durable checkpoint of one (migration, synchronizer, shard).
// Safe for concurrent use, though the protocol assumes a single driver.
type Store struct {
	path string

	mu    sync.Mutex
	state *models.Cursor

	inTx           bool
	pendingUpdates int64
	pendingEvents  int64
	pendingBefore  time.Time
}

// Path returns the canonical cursor file path.
func (s *Store) Path() string { return s.path }

// Load reads the durable cursor. Absent files return (nil, nil). Malformed or
// future-timestamped cursors are treated as absent with a warning so a corrupt
// checkpoint restarts the shard instead of wedging it.
func (s *Store) Load() (*models.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c models.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		log.Printf("[cursor] Warn: malformed cursor %s, treating as absent: %v", s.path, err)
		return nil, nil
	}
	if c.SynchronizerID == "" {
		log.Printf("[cursor] Warn: cursor %s missing synchronizer_id, treating as absent", s.path)
		return nil, nil
	}
	now := time.Now()
	if c.UpdatedAt.After(now.Add(maxFutureSkew)) || c.LastBefore.After(now.Add(maxFutureSkew)) {
		log.Printf("[cursor] Warn: cursor %s has future timestamps (updated_at=%s last_before=%s), treating as absent",
			s.path, c.UpdatedAt, c.LastBefore)
		return nil, nil
	}
	s.state = &c
	copied := c
	return &copied, nil
}

// Init installs the in-memory state for a fresh synchronizer pass and
// persists it. Called once when Load returned nil.
func (s *Store) Init(c *models.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	s.state = c
	return s.saveLocked()
}

// Snapshot returns a copy of the current in-memory state.
func (s *Store) Snapshot() models.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return models.Cursor{}
	}
	return *s.state
}

// SetTimeBounds updates the denormalized synchronizer bounds.
func (s *Store) SetTimeBounds(min, max time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.MinTime = min
	s.state.MaxTime = max
}

// SetSidecar records the writer's in-flight work alongside the next save.
// Complete may only be set while both values are zero.
func (s *Store) SetSidecar(pendingWrites, bufferedRecords int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.PendingWrites = pendingWrites
	s.state.BufferedRecords = bufferedRecords
}

// BeginTransaction stages pending deltas for the current wave without
// touching the committed totals or last_before.
func (s *Store) BeginTransaction(deltaUpdates, deltaEvents int64, newLastBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = true
	s.pendingUpdates = deltaUpdates
	s.pendingEvents = deltaEvents
	s.pendingBefore = newLastBefore
}

// AddPending accumulates into the staged deltas. newLastBefore only replaces
// the staged bound when it moves downward (backfill cursors are monotonic).
func (s *Store) AddPending(deltaUpdates, deltaEvents int64, newLastBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx {
		s.inTx = true
	}
	s.pendingUpdates += deltaUpdates
	s.pendingEvents += deltaEvents
	if !newLastBefore.IsZero() && (s.pendingBefore.IsZero() || newLastBefore.Before(s.pendingBefore)) {
		s.pendingBefore = newLastBefore
	}
}

// Commit folds the staged deltas into the totals, advances last_before and
// persists atomically. The cursor never moves upward during backfill; a
// staged bound above the committed one is a protocol bug and is rejected.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("cursor %s: commit without state", s.path)
	}
	if !s.inTx {
		return nil
	}
	if !s.pendingBefore.IsZero() {
		if s.pendingBefore.After(s.state.LastBefore) {
			return fmt.Errorf("cursor %s: refusing non-monotonic advance %s -> %s",
				s.path, s.state.LastBefore, s.pendingBefore)
		}
		s.state.LastBefore = s.pendingBefore
	}
	s.state.TotalUpdates += s.pendingUpdates
	s.state.TotalEvents += s.pendingEvents
	s.inTx = false
	s.pendingUpdates = 0
	s.pendingEvents = 0
	s.pendingBefore = time.Time{}
	return s.saveLocked()
}

// Rollback discards the staged deltas (wave failed; durable state unchanged).
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = false
	s.pendingUpdates = 0
	s.pendingEvents = 0
	s.pendingBefore = time.Time{}
}

// MarkComplete sets complete=true and persists. The caller must have drained
// the writer first; the invariant is re-checked here.
func (s *Store) MarkComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("cursor %s: complete without state", s.path)
	}
	if s.inTx {
		return fmt.Errorf("cursor %s: complete with uncommitted transaction", s.path)
	}
	if s.state.PendingWrites != 0 || s.state.BufferedRecords != 0 {
		return fmt.Errorf("cursor %s: complete with pending_writes=%d buffered_records=%d",
			s.path, s.state.PendingWrites, s.state.BufferedRecords)
	}
	if s.state.LastBefore.After(s.state.MinTime) {
		return fmt.Errorf("cursor %s: complete with last_before %s > min_time %s",
			s.path, s.state.LastBefore, s.state.MinTime)
	}
	s.state.Complete = true
	s.state.CompletedAt = time.Now().UTC()
	s.state.Error = ""
	return s.saveLocked()
}

// MarkFailed records a terminal error without moving the cursor.
func (s *Store) MarkFailed(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	s.state.Error = msg
	return s.saveLocked()
}

// ConfirmGCS records that the data up to lastBefore is also remotely durable.
// Written by an external upload queue; the backfill protocol never reads it.
func (s *Store) ConfirmGCS(lastBefore time.Time, totalUpdates, totalEvents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("cursor %s: confirmGCS without state", s.path)
	}
	s.state.GCSLastBefore = lastBefore
	s.state.GCSTotalUpdates = totalUpdates
	s.state.GCSTotalEvents = totalEvents
	return s.saveLocked()
}

// Save persists the current state unchanged (used for periodic checkpoints of
// sidecar fields).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.state.UpdatedAt = time.Now().UTC()
	return writeAtomic(s.path, s.state)
}

// writeAtomic writes pretty-printed JSON to a sibling temp file, fsyncs, then
// renames onto the canonical path. A crash leaves either the old file or the
// new one, never a partial write.
func writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cursor temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cursor write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cursor fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("cursor rename: %w", err)
	}
	return nil
}
