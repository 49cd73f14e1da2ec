// Package wire encodes update/event batches as protobuf messages for the
// chunked .pb.zst file format. The messages are hand-encoded with protowire —
// the schema is small and lives next to the writer, the same way a generated
// descriptor would otherwise have to be vendored:
//
//	message UpdateBatch { repeated Update updates = 1; }
//	message Update {
//	  string update_id       = 1;
//	  int64  migration_id    = 2;
//	  string update_type     = 3;
//	  int64  effective_at_ms = 4;
//	  int64  record_time_ms  = 5;
//	  string synchronizer_id = 6;
//	  string offset          = 7;
//	  string workflow_id     = 8;
//	  string command_id      = 9;
//	  repeated string root_event_ids = 10;
//	  bytes  update_data     = 11;
//	}
//
//	message EventBatch { repeated Event events = 1; }
//	message Event {
//	  string event_id        = 1;
//	  string update_id       = 2;
//	  int64  migration_id    = 3;
//	  string event_type      = 4;
//	  int64  effective_at_ms = 5;
//	  int64  record_time_ms  = 6;
//	  string contract_id     = 7;
//	  string template_id     = 8;
//	  bytes  raw_event       = 9;
//	}
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"cantonscan-ingest/internal/models"
)

// AppendUpdateBatch appends an encoded UpdateBatch to b.
func AppendUpdateBatch(b []byte, records []models.UpdateRecord) []byte {
	for i := range records {
		msg := appendUpdate(nil, &records[i])
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

// AppendEventBatch appends an encoded EventBatch to b.
func AppendEventBatch(b []byte, records []models.EventRecord) []byte {
	for i := range records {
		msg := appendEvent(nil, &records[i])
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

func appendUpdate(b []byte, r *models.UpdateRecord) []byte {
	b = appendStringField(b, 1, r.UpdateID)
	b = appendInt64Field(b, 2, int64(r.MigrationID))
	b = appendStringField(b, 3, r.UpdateType)
	b = appendInt64Field(b, 4, r.EffectiveAt.UnixMilli())
	b = appendInt64Field(b, 5, r.RecordTime.UnixMilli())
	b = appendStringField(b, 6, r.SynchronizerID)
	b = appendStringField(b, 7, r.Offset)
	b = appendStringField(b, 8, r.WorkflowID)
	b = appendStringField(b, 9, r.CommandID)
	for _, id := range r.RootEventIDs {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if len(r.UpdateData) > 0 {
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, r.UpdateData)
	}
	return b
}

func appendEvent(b []byte, r *models.EventRecord) []byte {
	b = appendStringField(b, 1, r.EventID)
	b = appendStringField(b, 2, r.UpdateID)
	b = appendInt64Field(b, 3, int64(r.MigrationID))
	b = appendStringField(b, 4, r.EventType)
	b = appendInt64Field(b, 5, r.EffectiveAt.UnixMilli())
	b = appendInt64Field(b, 6, r.RecordTime.UnixMilli())
	b = appendStringField(b, 7, r.ContractID)
	b = appendStringField(b, 8, r.TemplateID)
	if len(r.RawEvent) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, r.RawEvent)
	}
	return b
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendInt64Field(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// DecodeUpdateBatch parses an UpdateBatch payload. Used by the offline verify
// tool and the chunked writer's post-write validation.
func DecodeUpdateBatch(data []byte) ([]models.UpdateRecord, error) {
	var out []models.UpdateRecord
	err := walkMessages(data, func(msg []byte) error {
		r, err := decodeUpdate(msg)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// DecodeEventBatch parses an EventBatch payload.
func DecodeEventBatch(data []byte) ([]models.EventRecord, error) {
	var out []models.EventRecord
	err := walkMessages(data, func(msg []byte) error {
		r, err := decodeEvent(msg)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func walkMessages(data []byte, fn func(msg []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			return fmt.Errorf("wire: unexpected batch field %d type %d", num, typ)
		}
		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

func decodeUpdate(data []byte) (models.UpdateRecord, error) {
	var r models.UpdateRecord
	err := walkFields(data, func(num protowire.Number, s string, v int64, raw []byte) {
		switch num {
		case 1:
			r.UpdateID = s
		case 2:
			r.MigrationID = int(v)
		case 3:
			r.UpdateType = s
		case 4:
			r.EffectiveAt = time.UnixMilli(v).UTC()
		case 5:
			r.RecordTime = time.UnixMilli(v).UTC()
		case 6:
			r.SynchronizerID = s
		case 7:
			r.Offset = s
		case 8:
			r.WorkflowID = s
		case 9:
			r.CommandID = s
		case 10:
			r.RootEventIDs = append(r.RootEventIDs, s)
		case 11:
			r.UpdateData = append([]byte(nil), raw...)
		}
	})
	return r, err
}

func decodeEvent(data []byte) (models.EventRecord, error) {
	var r models.EventRecord
	err := walkFields(data, func(num protowire.Number, s string, v int64, raw []byte) {
		switch num {
		case 1:
			r.EventID = s
		case 2:
			r.UpdateID = s
		case 3:
			r.MigrationID = int(v)
		case 4:
			r.EventType = s
		case 5:
			r.EffectiveAt = time.UnixMilli(v).UTC()
		case 6:
			r.RecordTime = time.UnixMilli(v).UTC()
		case 7:
			r.ContractID = s
		case 8:
			r.TemplateID = s
		case 9:
			r.RawEvent = append([]byte(nil), raw...)
		}
	})
	return r, err
}

func walkFields(data []byte, fn func(num protowire.Number, s string, v int64, raw []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			fn(num, "", int64(v), nil)
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			fn(num, string(raw), 0, raw)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
