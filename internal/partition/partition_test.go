package partition

import (
	"strings"
	"testing"
	"time"
)

func TestPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		effectiveAt time.Time
		migration   int
		kind        string
		want        string
		wantErr     bool
	}{
		{
			name:        "updates utc",
			effectiveAt: time.Date(2024, 3, 7, 23, 59, 59, 0, time.UTC),
			migration:   2,
			kind:        KindUpdates,
			want:        "updates/migration=2/year=2024/month=3/day=7",
		},
		{
			name:        "events no zero padding",
			effectiveAt: time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC),
			migration:   0,
			kind:        KindEvents,
			want:        "events/migration=0/year=2023/month=11/day=30",
		},
		{
			name: "non-utc input normalized",
			effectiveAt: time.Date(2024, 1, 1, 0, 30, 0, 0,
				time.FixedZone("plus2", 2*3600)), // 2023-12-31T22:30Z
			migration: 1,
			kind:      KindUpdates,
			want:      "updates/migration=1/year=2023/month=12/day=31",
		},
		{
			name:      "null effective_at rejected",
			migration: 1,
			kind:      KindUpdates,
			wantErr:   true,
		},
		{
			name:        "unknown kind rejected",
			effectiveAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			migration:   1,
			kind:        "blocks",
			wantErr:     true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Path(tc.effectiveAt, tc.migration, tc.kind)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Path(%v)=%q, want error", tc.effectiveAt, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Path: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Path=%q want %q", got, tc.want)
			}
		})
	}
}

func TestPathDeterministic(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	a, err := Path(at, 3, KindEvents)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Path(at, 3, KindEvents)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("Path not deterministic: %q vs %q", a, b)
	}
}

func TestFileNameNoCollision(t *testing.T) {
	t.Parallel()

	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := FileName("updates", now, ".parquet")
		if seen[name] {
			t.Fatalf("file name collision after %d names: %s", i, name)
		}
		seen[name] = true
		if !strings.HasSuffix(name, ".parquet") {
			t.Fatalf("missing extension: %s", name)
		}
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"global-domain::12ab", "global-domain__12ab"},
		{"plain_OK-123", "plain_OK-123"},
		{"a b/c", "a_b_c"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Fatalf("Sanitize(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
