// Package partition maps normalized records to their on-disk layout. It is
// the sole source of truth for partition paths and file names; every process
// that touches the data directory (writers, the live tailer's start-cursor
// scan, the offline verify tool) goes through it.
package partition

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// Record kinds. These are the top-level directories of the data root.
const (
	KindUpdates = "updates"
	KindEvents  = "events"
)

// Path returns the hive-style partition directory for a record:
// {kind}/migration={m}/year={Y}/month={M}/day={D}, with Y/M/D taken from
// effectiveAt in UTC, month and day unpadded. effectiveAt must be non-zero.
func Path(effectiveAt time.Time, migrationID int, kind string) (string, error) {
	if effectiveAt.IsZero() {
		return "", fmt.Errorf("partition: effective_at is null for kind=%s migration=%d", kind, migrationID)
	}
	if kind != KindUpdates && kind != KindEvents {
		return "", fmt.Errorf("partition: unknown kind %q", kind)
	}
	utc := effectiveAt.UTC()
	return fmt.Sprintf("%s/migration=%d/year=%d/month=%d/day=%d",
		kind, migrationID, utc.Year(), int(utc.Month()), utc.Day()), nil
}

// FileName builds a collision-free file name: {prefix}-{msUTC}-{rand8}{ext}.
// The random suffix comes from crypto/rand, so two files can only collide if
// the wall clock regresses AND 8 hex chars repeat.
func FileName(prefix string, now time.Time, ext string) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; keep the name shape.
		copy(buf[:], []byte{0, 0, 0, 0})
	}
	return fmt.Sprintf("%s-%d-%s%s", prefix, now.UTC().UnixMilli(), hex.EncodeToString(buf[:]), ext)
}

// FilePath joins a data root, partition directory and file name.
func FilePath(root, partitionDir, fileName string) string {
	return path.Join(root, partitionDir, fileName)
}

// Sanitize makes an opaque identifier safe for use in file names: every rune
// outside [A-Za-z0-9_-] becomes '_', and the result is truncated to 50 chars.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 50 {
		out = out[:50]
	}
	return out
}
