// Package normalize maps raw scan API transactions to the two record streams.
// Both mappings are pure: same input, same output, no I/O. Records that would
// violate the non-null effective_at invariant are dropped, never written.
package normalize

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"cantonscan-ingest/internal/models"
)

// Update maps one raw transaction to its update record. The error return is
// reserved for records that cannot legally be written (missing update_id or
// effective_at); callers log and skip those.
func Update(tx *models.RawTransaction, migrationID int) (models.UpdateRecord, error) {
	updateID := tx.ResolvedUpdateID()
	if updateID == "" {
		return models.UpdateRecord{}, fmt.Errorf("normalize: transaction without update_id")
	}

	recordTime := tx.ResolvedRecordTime()
	effectiveAt := resolveEffectiveAt(tx)
	if effectiveAt.IsZero() {
		effectiveAt = recordTime
	}
	if effectiveAt.IsZero() {
		return models.UpdateRecord{}, fmt.Errorf("normalize: update %s has null effective_at", updateID)
	}

	updateType := "transaction"
	if tx.IsReassignment() {
		updateType = "reassignment"
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return models.UpdateRecord{}, fmt.Errorf("normalize: marshal update %s: %w", updateID, err)
	}

	rec := models.UpdateRecord{
		UpdateID:     updateID,
		MigrationID:  migrationID,
		UpdateType:   updateType,
		EffectiveAt:  effectiveAt.UTC(),
		RecordTime:   recordTime.UTC(),
		Offset:       tx.Offset,
		WorkflowID:   tx.WorkflowID,
		CommandID:    tx.CommandID,
		RootEventIDs: tx.RootEventIDs,
		UpdateData:   data,
	}
	if inner := tx.Transaction; inner != nil {
		if rec.Offset == "" {
			rec.Offset = inner.Offset
		}
		if rec.WorkflowID == "" {
			rec.WorkflowID = inner.WorkflowID
		}
		if rec.CommandID == "" {
			rec.CommandID = inner.CommandID
		}
		if len(rec.RootEventIDs) == 0 {
			rec.RootEventIDs = inner.RootEventIDs
		}
		if rec.SynchronizerID == "" {
			rec.SynchronizerID = inner.SynchronizerID
		}
	}
	if tx.Reassignment != nil && tx.Reassignment.Event != nil && rec.SynchronizerID == "" {
		rec.SynchronizerID = tx.Reassignment.Event.SynchronizerID
	}
	return rec, nil
}

// Events maps one raw transaction to its event records. Regular transactions
// yield one event per events_by_id entry with the entry key preserved as
// event_id; reassignments yield at most reassign_create + reassign_archive.
// Events with a null effective_at are dropped with a warning.
func Events(tx *models.RawTransaction, migrationID int) []models.EventRecord {
	updateID := tx.ResolvedUpdateID()
	if updateID == "" {
		return nil
	}
	recordTime := tx.ResolvedRecordTime()
	parentEffective := resolveEffectiveAt(tx)
	if parentEffective.IsZero() {
		parentEffective = recordTime
	}

	if tx.IsReassignment() {
		return reassignmentEvents(tx.Reassignment, updateID, migrationID, recordTime, parentEffective)
	}

	eventsByID := tx.EventsByID
	if len(eventsByID) == 0 && tx.Transaction != nil {
		eventsByID = tx.Transaction.EventsByID
	}
	if len(eventsByID) == 0 {
		return nil
	}

	// Deterministic output order: events_by_id is a map.
	ids := make([]string, 0, len(eventsByID))
	for id := range eventsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.EventRecord, 0, len(ids))
	for _, id := range ids {
		raw := eventsByID[id]
		meta := probeEvent(raw)
		effectiveAt := meta.effectiveAt
		if effectiveAt.IsZero() {
			effectiveAt = parentEffective
		}
		if effectiveAt.IsZero() {
			log.Printf("[normalize] Warn: dropping event %s of update %s: null effective_at", id, updateID)
			continue
		}
		out = append(out, models.EventRecord{
			EventID:     id,
			UpdateID:    updateID,
			MigrationID: migrationID,
			EventType:   meta.eventType,
			EffectiveAt: effectiveAt.UTC(),
			RecordTime:  recordTime.UTC(),
			ContractID:  meta.contractID,
			TemplateID:  meta.templateID,
			RawEvent:    raw,
		})
	}
	return out
}

func reassignmentEvents(re *models.RawReassignment, updateID string, migrationID int, recordTime, parentEffective time.Time) []models.EventRecord {
	if re.Event == nil || (len(re.Event.CreatedEvent) == 0 && len(re.Event.ArchivedEvent) == 0) {
		log.Printf("[normalize] Warn: reassignment %s has neither created_event nor archived_event", updateID)
		return nil
	}
	if parentEffective.IsZero() {
		log.Printf("[normalize] Warn: dropping reassignment events of %s: null effective_at", updateID)
		return nil
	}

	var out []models.EventRecord
	add := func(raw json.RawMessage, eventType, suffix string) {
		if len(raw) == 0 {
			return
		}
		meta := probeEvent(raw)
		eventID := meta.eventID
		if eventID == "" {
			eventID = updateID + ":" + suffix
		}
		out = append(out, models.EventRecord{
			EventID:     eventID,
			UpdateID:    updateID,
			MigrationID: migrationID,
			EventType:   eventType,
			EffectiveAt: parentEffective.UTC(),
			RecordTime:  recordTime.UTC(),
			ContractID:  meta.contractID,
			TemplateID:  meta.templateID,
			RawEvent:    raw,
		})
	}
	add(re.Event.CreatedEvent, models.EventTypeReassignCreate, "reassign_create")
	add(re.Event.ArchivedEvent, models.EventTypeReassignArchive, "reassign_archive")
	return out
}

type eventMeta struct {
	eventType   string
	eventID     string
	contractID  string
	templateID  string
	effectiveAt time.Time
}

// probeEvent classifies a raw event payload without binding to the full
// schema. The scan API wraps entries as {"created_event": {...}} or
// {"exercised_event": {...}}; older shapes inline the fields with a "choice"
// marker on exercises.
func probeEvent(raw json.RawMessage) eventMeta {
	meta := eventMeta{eventType: models.EventTypeCreated}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return meta
	}

	body := outer
	if inner, ok := outer["created_event"]; ok {
		meta.eventType = models.EventTypeCreated
		var m map[string]json.RawMessage
		if json.Unmarshal(inner, &m) == nil {
			body = m
		}
	} else if inner, ok := outer["exercised_event"]; ok {
		meta.eventType = models.EventTypeExercised
		var m map[string]json.RawMessage
		if json.Unmarshal(inner, &m) == nil {
			body = m
		}
	} else if _, ok := outer["choice"]; ok {
		meta.eventType = models.EventTypeExercised
	}

	meta.eventID = stringField(body, "event_id")
	meta.contractID = stringField(body, "contract_id")
	meta.templateID = stringField(body, "template_id")
	meta.effectiveAt = timeField(body, "effective_at")
	if meta.effectiveAt.IsZero() {
		meta.effectiveAt = timeField(body, "record_time")
	}
	return meta
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func timeField(m map[string]json.RawMessage, key string) time.Time {
	raw, ok := m[key]
	if !ok {
		return time.Time{}
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func resolveEffectiveAt(tx *models.RawTransaction) time.Time {
	if tx.EffectiveAt != nil {
		return *tx.EffectiveAt
	}
	if tx.Transaction != nil && tx.Transaction.EffectiveAt != nil {
		return *tx.Transaction.EffectiveAt
	}
	return time.Time{}
}
