package writer

import (
	"strings"
	"testing"
	"time"
)

func TestSQLStringEscaping(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"/data/plain.parquet", "'/data/plain.parquet'"},
		{"/data/o'brien.parquet", "'/data/o''brien.parquet'"},
		{"", "''"},
	}
	for _, tc := range cases {
		if got := sqlString(tc.in); got != tc.want {
			t.Fatalf("sqlString(%q)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	t.Parallel()
	if got := quoteIdent("update_id"); got != `"update_id"` {
		t.Fatalf("quoteIdent=%s", got)
	}
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("quoteIdent=%s", got)
	}
}

func TestSidecarTime(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 7, 9, 5, 3, 123456000, time.FixedZone("plus1", 3600))
	if got := sidecarTime(at); got != "2024-03-07 08:05:03.123456" {
		t.Fatalf("sidecarTime=%s", got)
	}
}

func TestOptionalNullsEmptyStrings(t *testing.T) {
	t.Parallel()
	if optional("") != nil {
		t.Fatal("empty string must become NULL")
	}
	if v := optional("x"); v == nil || *v != "x" {
		t.Fatalf("optional(x)=%v", v)
	}
}

func TestSchemasCoverRequiredColumns(t *testing.T) {
	t.Parallel()
	for _, col := range requiredUpdateColumns {
		if !containsCol(updateColumns, col) {
			t.Fatalf("update schema missing required column %s", col)
		}
	}
	for _, col := range requiredEventColumns {
		if !containsCol(eventColumns, col) {
			t.Fatalf("event schema missing required column %s", col)
		}
	}
}

func containsCol(schema, col string) bool {
	return strings.Contains(schema, col+":") || strings.Contains(schema, `"`+col+`"`)
}
