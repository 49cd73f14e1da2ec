package models

import (
	"encoding/json"
	"time"
)

// SynchronizerRange is one entry of a migration-info response: the record-time
// span a synchronizer covers within a migration.
type SynchronizerRange struct {
	SynchronizerID string    `json:"synchronizer_id"`
	Min            time.Time `json:"min"`
	Max            time.Time `json:"max"`
}

// MigrationInfo is the response of POST /v0/backfilling/migration-info.
type MigrationInfo struct {
	MigrationID     int                 `json:"migration_id"`
	RecordTimeRange []SynchronizerRange `json:"record_time_range"`
}

// RawTransaction is one element of a scan API transactions page. The scan API
// returns several shapes (flat, transaction-wrapped, reassignment-wrapped);
// the accessors below coalesce them.
type RawTransaction struct {
	MigrationID  *int                       `json:"migration_id,omitempty"`
	UpdateID     string                     `json:"update_id,omitempty"`
	RecordTime   *time.Time                 `json:"record_time,omitempty"`
	EffectiveAt  *time.Time                 `json:"effective_at,omitempty"`
	Offset       string                     `json:"offset,omitempty"`
	WorkflowID   string                     `json:"workflow_id,omitempty"`
	CommandID    string                     `json:"command_id,omitempty"`
	EventsByID   map[string]json.RawMessage `json:"events_by_id,omitempty"`
	RootEventIDs []string                   `json:"root_event_ids,omitempty"`
	Transaction  *RawTransactionBody        `json:"transaction,omitempty"`
	Reassignment *RawReassignment           `json:"reassignment,omitempty"`
}

// RawTransactionBody is the nested transaction shape.
type RawTransactionBody struct {
	UpdateID       string                     `json:"update_id,omitempty"`
	RecordTime     *time.Time                 `json:"record_time,omitempty"`
	EffectiveAt    *time.Time                 `json:"effective_at,omitempty"`
	Offset         string                     `json:"offset,omitempty"`
	WorkflowID     string                     `json:"workflow_id,omitempty"`
	CommandID      string                     `json:"command_id,omitempty"`
	SynchronizerID string                     `json:"synchronizer_id,omitempty"`
	EventsByID     map[string]json.RawMessage `json:"events_by_id,omitempty"`
	RootEventIDs   []string                   `json:"root_event_ids,omitempty"`
}

// RawReassignment is the nested reassignment shape. It carries at most one
// created and one archived sub-event.
type RawReassignment struct {
	UpdateID string                `json:"update_id,omitempty"`
	Event    *RawReassignmentEvent `json:"event,omitempty"`
}

type RawReassignmentEvent struct {
	RecordTime     *time.Time      `json:"record_time,omitempty"`
	SynchronizerID string          `json:"synchronizer_id,omitempty"`
	CreatedEvent   json.RawMessage `json:"created_event,omitempty"`
	ArchivedEvent  json.RawMessage `json:"archived_event,omitempty"`
}

// ResolvedUpdateID coalesces the three places the scan API may put the update id.
func (t *RawTransaction) ResolvedUpdateID() string {
	if t.UpdateID != "" {
		return t.UpdateID
	}
	if t.Transaction != nil && t.Transaction.UpdateID != "" {
		return t.Transaction.UpdateID
	}
	if t.Reassignment != nil {
		return t.Reassignment.UpdateID
	}
	return ""
}

// ResolvedRecordTime coalesces record_time | transaction.record_time |
// reassignment.event.record_time | effective_at. Returns the zero time when
// none is present.
func (t *RawTransaction) ResolvedRecordTime() time.Time {
	if t.RecordTime != nil {
		return *t.RecordTime
	}
	if t.Transaction != nil && t.Transaction.RecordTime != nil {
		return *t.Transaction.RecordTime
	}
	if t.Reassignment != nil && t.Reassignment.Event != nil && t.Reassignment.Event.RecordTime != nil {
		return *t.Reassignment.Event.RecordTime
	}
	if t.EffectiveAt != nil {
		return *t.EffectiveAt
	}
	if t.Transaction != nil && t.Transaction.EffectiveAt != nil {
		return *t.Transaction.EffectiveAt
	}
	return time.Time{}
}

// IsReassignment reports whether this element is reassignment-shaped.
func (t *RawTransaction) IsReassignment() bool {
	return t.Reassignment != nil
}

// UpdateRecord is the normalized row of the `updates` stream.
type UpdateRecord struct {
	UpdateID       string          `json:"update_id"`
	MigrationID    int             `json:"migration_id"`
	SynchronizerID string          `json:"synchronizer_id,omitempty"`
	UpdateType     string          `json:"update_type"`
	EffectiveAt    time.Time       `json:"effective_at"`
	RecordTime     time.Time       `json:"record_time"`
	Offset         string          `json:"offset,omitempty"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	CommandID      string          `json:"command_id,omitempty"`
	RootEventIDs   []string        `json:"root_event_ids,omitempty"`
	UpdateData     json.RawMessage `json:"update_data"`
}

// Event type values of the `events` stream.
const (
	EventTypeCreated         = "created"
	EventTypeExercised       = "exercised"
	EventTypeReassignCreate  = "reassign_create"
	EventTypeReassignArchive = "reassign_archive"
)

// EventRecord is the normalized row of the `events` stream, tied to its parent
// update by UpdateID.
type EventRecord struct {
	EventID     string          `json:"event_id"`
	UpdateID    string          `json:"update_id"`
	MigrationID int             `json:"migration_id"`
	EventType   string          `json:"event_type"`
	EffectiveAt time.Time       `json:"effective_at"`
	RecordTime  time.Time       `json:"record_time"`
	ContractID  string          `json:"contract_id,omitempty"`
	TemplateID  string          `json:"template_id,omitempty"`
	RawEvent    json.RawMessage `json:"raw_event"`
}

// Cursor is the durable backfill checkpoint for one (migration, synchronizer,
// shard). LastBefore is the EXCLUSIVE upper bound of work still to do: every
// record at or after LastBefore has been handed to the writer and committed.
type Cursor struct {
	MigrationID    int       `json:"migration_id"`
	SynchronizerID string    `json:"synchronizer_id"`
	ShardIndex     int       `json:"shard_index"`
	ShardTotal     int       `json:"shard_total"`
	LastBefore     time.Time `json:"last_before"`
	TotalUpdates   int64     `json:"total_updates"`
	TotalEvents    int64     `json:"total_events"`
	MinTime        time.Time `json:"min_time"`
	MaxTime        time.Time `json:"max_time"`
	Complete       bool      `json:"complete"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	Error          string    `json:"error,omitempty"`

	// Pending-work sidecar: records counted but not yet committed into the
	// totals above. Complete may only be set while both are zero.
	PendingWrites   int64 `json:"pending_writes"`
	BufferedRecords int64 `json:"buffered_records"`

	// Remote durability confirmation (written by an external upload queue).
	GCSLastBefore   time.Time `json:"gcs_last_before,omitempty"`
	GCSTotalUpdates int64     `json:"gcs_total_updates,omitempty"`
	GCSTotalEvents  int64     `json:"gcs_total_events,omitempty"`
}

// LiveCursor is the forward-pagination checkpoint of the live tailer.
// RecordTime is an AFTER bound: work remaining is strictly newer than
// (MigrationID, RecordTime). Kept as a separate type so the exclusive-upper
// backfill semantics and the exclusive-lower tail semantics can't be mixed up.
type LiveCursor struct {
	MigrationID  int       `json:"migration_id"`
	RecordTime   time.Time `json:"record_time"`
	TotalUpdates int64     `json:"total_updates"`
	TotalEvents  int64     `json:"total_events"`
	UpdatedAt    time.Time `json:"updated_at"`
}
