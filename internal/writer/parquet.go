package writer

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/partition"
)

// Column schemas for the column-store files. Every field is explicitly typed;
// free-form payloads are VARCHAR and id lists are VARCHAR[] — nothing is ever
// inferred from the data.
const (
	updateColumns = `{update_id: 'VARCHAR', migration_id: 'BIGINT', synchronizer_id: 'VARCHAR', ` +
		`update_type: 'VARCHAR', effective_at: 'TIMESTAMP', record_time: 'TIMESTAMP', ` +
		`"offset": 'VARCHAR', workflow_id: 'VARCHAR', command_id: 'VARCHAR', ` +
		`root_event_ids: 'VARCHAR[]', update_data: 'VARCHAR'}`
	eventColumns = `{event_id: 'VARCHAR', update_id: 'VARCHAR', migration_id: 'BIGINT', ` +
		`event_type: 'VARCHAR', effective_at: 'TIMESTAMP', record_time: 'TIMESTAMP', ` +
		`contract_id: 'VARCHAR', template_id: 'VARCHAR', raw_event: 'VARCHAR'}`
)

var (
	requiredUpdateColumns = []string{"update_id", "update_type", "update_data"}
	requiredEventColumns  = []string{"event_id", "event_type", "raw_event"}
)

// Parquet materializes each batch as a temporary newline-delimited JSON
// sidecar and drives the embedded column-store engine to produce a
// ZSTD-compressed parquet file, then validates the output in place.
type Parquet struct {
	root     string
	tmpDir   string
	rowGroup int
	db       *sql.DB
}

func NewParquet(root string, rowGroupSize int) (*Parquet, error) {
	if rowGroupSize <= 0 {
		rowGroupSize = 100000
	}
	tmpDir := filepath.Join(root, ".sidecar")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open column-store engine: %w", err)
	}
	return &Parquet{root: root, tmpDir: tmpDir, rowGroup: rowGroupSize, db: db}, nil
}

func (p *Parquet) Name() string { return "parquet" }

func (p *Parquet) Close() error { return p.db.Close() }

// sidecarUpdate is the flat, explicitly typed sidecar row. update_data is a
// JSON string, not a nested object, so the engine never infers a schema.
type sidecarUpdate struct {
	UpdateID       string   `json:"update_id"`
	MigrationID    int64    `json:"migration_id"`
	SynchronizerID *string  `json:"synchronizer_id"`
	UpdateType     string   `json:"update_type"`
	EffectiveAt    string   `json:"effective_at"`
	RecordTime     string   `json:"record_time"`
	Offset         *string  `json:"offset"`
	WorkflowID     *string  `json:"workflow_id"`
	CommandID      *string  `json:"command_id"`
	RootEventIDs   []string `json:"root_event_ids"`
	UpdateData     string   `json:"update_data"`
}

type sidecarEvent struct {
	EventID     string  `json:"event_id"`
	UpdateID    string  `json:"update_id"`
	MigrationID int64   `json:"migration_id"`
	EventType   string  `json:"event_type"`
	EffectiveAt string  `json:"effective_at"`
	RecordTime  string  `json:"record_time"`
	ContractID  *string `json:"contract_id"`
	TemplateID  *string `json:"template_id"`
	RawEvent    string  `json:"raw_event"`
}

func (p *Parquet) WriteUpdates(ctx context.Context, partitionDir string, records []models.UpdateRecord) WriteResult {
	rows := func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for i := range records {
			r := &records[i]
			row := sidecarUpdate{
				UpdateID:       r.UpdateID,
				MigrationID:    int64(r.MigrationID),
				SynchronizerID: optional(r.SynchronizerID),
				UpdateType:     r.UpdateType,
				EffectiveAt:    sidecarTime(r.EffectiveAt),
				RecordTime:     sidecarTime(r.RecordTime),
				Offset:         optional(r.Offset),
				WorkflowID:     optional(r.WorkflowID),
				CommandID:      optional(r.CommandID),
				RootEventIDs:   r.RootEventIDs,
				UpdateData:     string(r.UpdateData),
			}
			if err := enc.Encode(&row); err != nil {
				return err
			}
		}
		return nil
	}
	return p.write(ctx, partitionDir, "updates", len(records), rows, updateColumns, requiredUpdateColumns)
}

func (p *Parquet) WriteEvents(ctx context.Context, partitionDir string, records []models.EventRecord) WriteResult {
	rows := func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for i := range records {
			r := &records[i]
			row := sidecarEvent{
				EventID:     r.EventID,
				UpdateID:    r.UpdateID,
				MigrationID: int64(r.MigrationID),
				EventType:   r.EventType,
				EffectiveAt: sidecarTime(r.EffectiveAt),
				RecordTime:  sidecarTime(r.RecordTime),
				ContractID:  optional(r.ContractID),
				TemplateID:  optional(r.TemplateID),
				RawEvent:    string(r.RawEvent),
			}
			if err := enc.Encode(&row); err != nil {
				return err
			}
		}
		return nil
	}
	return p.write(ctx, partitionDir, "events", len(records), rows, eventColumns, requiredEventColumns)
}

func (p *Parquet) write(ctx context.Context, partitionDir, prefix string, total int, rows func(w *bufio.Writer) error, columns string, required []string) WriteResult {
	res := WriteResult{Count: total}
	if total == 0 {
		res.OK = true
		res.Validation = Validation{Valid: true}
		return res
	}

	now := time.Now()
	sidecar := filepath.Join(p.tmpDir, partition.FileName("sidecar-"+prefix, now, ".ndjson"))
	f, err := os.Create(sidecar)
	if err != nil {
		res.Err = err
		return res
	}
	defer os.Remove(sidecar)

	w := bufio.NewWriterSize(f, 1<<20)
	if err := rows(w); err != nil {
		f.Close()
		res.Err = fmt.Errorf("sidecar encode: %w", err)
		return res
	}
	if err := w.Flush(); err != nil {
		f.Close()
		res.Err = err
		return res
	}
	if err := f.Close(); err != nil {
		res.Err = err
		return res
	}

	dir := filepath.Join(p.root, filepath.FromSlash(partitionDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.Err = err
		return res
	}
	out := filepath.Join(dir, partition.FileName(prefix, now, ".parquet"))

	query := fmt.Sprintf(
		`COPY (SELECT * FROM read_json(%s, format = 'newline_delimited', columns = %s)) TO %s (FORMAT PARQUET, COMPRESSION ZSTD, ROW_GROUP_SIZE %d)`,
		sqlString(sidecar), columns, sqlString(out), p.rowGroup)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		res.Err = fmt.Errorf("column-store copy: %w", err)
		return res
	}

	info, err := os.Stat(out)
	if err != nil {
		res.Err = err
		return res
	}
	res.File = out
	res.Bytes = info.Size()
	v, err := ValidateParquet(ctx, p.db, out, required)
	if err != nil {
		res.Err = err
		return res
	}
	if v.RowCount != int64(total) {
		v.Valid = false
		v.Issues = append(v.Issues, fmt.Sprintf("row count %d != expected %d", v.RowCount, total))
	}
	res.Validation = v
	// Invalid output is kept on disk for the offline verifier, but the batch
	// is not flushed on its account.
	res.OK = v.Valid
	if !res.OK {
		res.Err = fmt.Errorf("post-write validation failed: %v", v.Issues)
	}
	return res
}

// ValidateParquet opens a finished file with the engine and checks row count,
// schema presence of the required columns, and a 100-row non-null sample of
// the key columns. Running it twice on the same file yields the same result.
func ValidateParquet(ctx context.Context, db *sql.DB, file string, required []string) (Validation, error) {
	v := Validation{Valid: true}

	if err := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM parquet_scan(%s)`, sqlString(file)),
	).Scan(&v.RowCount); err != nil {
		return Validation{}, fmt.Errorf("validate row count: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT name FROM parquet_schema(%s)`, sqlString(file)))
	if err != nil {
		return Validation{}, fmt.Errorf("validate schema: %w", err)
	}
	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return Validation{}, err
		}
		present[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Validation{}, err
	}
	for _, col := range required {
		if !present[col] {
			v.Valid = false
			v.Issues = append(v.Issues, fmt.Sprintf("missing required column %s", col))
		}
	}
	if !v.Valid {
		return v, nil
	}

	var nullCount int64
	preds := make([]string, len(required))
	for i, col := range required {
		preds[i] = fmt.Sprintf("%s IS NULL", quoteIdent(col))
	}
	sampleQuery := fmt.Sprintf(
		`SELECT count(*) FROM (SELECT * FROM parquet_scan(%s) LIMIT 100) WHERE %s`,
		sqlString(file), strings.Join(preds, " OR "))
	if err := db.QueryRowContext(ctx, sampleQuery).Scan(&nullCount); err != nil {
		return Validation{}, fmt.Errorf("validate sample: %w", err)
	}
	if nullCount > 0 {
		v.Valid = false
		v.Issues = append(v.Issues, fmt.Sprintf("%d sampled row(s) with null key columns", nullCount))
	}
	return v, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sidecarTime renders a timestamp the engine parses as TIMESTAMP.
func sidecarTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000")
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
