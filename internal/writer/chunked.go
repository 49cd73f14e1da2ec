package writer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"cantonscan-ingest/internal/models"
	"cantonscan-ingest/internal/partition"
	"cantonscan-ingest/internal/wire"
)

// DefaultChunkSize is the maximum record count per chunk in a .pb.zst file.
const DefaultChunkSize = 2000

// Chunked writes the length-prefixed compressed wire format: a file is a
// concatenation of chunks, each uint32_be(len) || zstd(protobuf batch) with up
// to chunkSize records per batch.
type Chunked struct {
	root      string
	chunkSize int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func NewChunked(root string, chunkSize int) (*Chunked, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Chunked{root: root, chunkSize: chunkSize, enc: enc, dec: dec}, nil
}

func (c *Chunked) Name() string { return "chunked" }

func (c *Chunked) Close() error {
	c.enc.Close()
	c.dec.Close()
	return nil
}

func (c *Chunked) WriteUpdates(ctx context.Context, partitionDir string, records []models.UpdateRecord) WriteResult {
	encode := func(lo, hi int) []byte {
		return wire.AppendUpdateBatch(nil, records[lo:hi])
	}
	return c.write(ctx, partitionDir, "updates", len(records), encode, c.validateUpdates)
}

func (c *Chunked) WriteEvents(ctx context.Context, partitionDir string, records []models.EventRecord) WriteResult {
	encode := func(lo, hi int) []byte {
		return wire.AppendEventBatch(nil, records[lo:hi])
	}
	return c.write(ctx, partitionDir, "events", len(records), encode, c.validateEvents)
}

func (c *Chunked) write(ctx context.Context, partitionDir, prefix string, total int, encode func(lo, hi int) []byte, validate func(path string, want int) Validation) WriteResult {
	res := WriteResult{Count: total}
	if total == 0 {
		res.OK = true
		res.Validation = Validation{Valid: true}
		return res
	}

	dir := filepath.Join(c.root, filepath.FromSlash(partitionDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.Err = err
		return res
	}
	final := filepath.Join(dir, partition.FileName(prefix, time.Now(), ".pb.zst"))
	tmp := final + ".partial"

	f, err := os.Create(tmp)
	if err != nil {
		res.Err = err
		return res
	}
	defer os.Remove(tmp)

	var lenBuf [4]byte
	for lo := 0; lo < total; lo += c.chunkSize {
		if err := ctx.Err(); err != nil {
			f.Close()
			res.Err = err
			return res
		}
		hi := lo + c.chunkSize
		if hi > total {
			hi = total
		}
		payload := encode(lo, hi)
		compressed := c.enc.EncodeAll(payload, nil)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
		if _, err := f.Write(lenBuf[:]); err != nil {
			f.Close()
			res.Err = err
			return res
		}
		if _, err := f.Write(compressed); err != nil {
			f.Close()
			res.Err = err
			return res
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		res.Err = err
		return res
	}
	if err := f.Close(); err != nil {
		res.Err = err
		return res
	}
	if err := os.Rename(tmp, final); err != nil {
		res.Err = err
		return res
	}

	info, err := os.Stat(final)
	if err != nil {
		res.Err = err
		return res
	}
	res.File = final
	res.Bytes = info.Size()
	res.Validation = validate(final, total)
	// A file that fails validation is kept for offline inspection, but the
	// batch is not considered flushed: the job retries into a fresh file and
	// the cursor never covers the bad one.
	res.OK = res.Validation.Valid
	if !res.OK {
		res.Err = fmt.Errorf("post-write validation failed: %v", res.Validation.Issues)
	}
	return res
}

func (c *Chunked) validateUpdates(path string, want int) Validation {
	v := Validation{Valid: true}
	sampled := 0
	err := c.walkChunks(path, func(payload []byte) error {
		recs, err := wire.DecodeUpdateBatch(payload)
		if err != nil {
			return err
		}
		v.RowCount += int64(len(recs))
		for i := range recs {
			if sampled >= 100 {
				break
			}
			sampled++
			if recs[i].UpdateID == "" || recs[i].UpdateType == "" || len(recs[i].UpdateData) == 0 {
				v.Valid = false
				v.Issues = append(v.Issues, fmt.Sprintf("null key column in sampled update row %d", sampled))
			}
		}
		return nil
	})
	if err != nil {
		return Validation{Issues: []string{err.Error()}}
	}
	if v.RowCount != int64(want) {
		v.Valid = false
		v.Issues = append(v.Issues, fmt.Sprintf("row count %d != expected %d", v.RowCount, want))
	}
	return v
}

func (c *Chunked) validateEvents(path string, want int) Validation {
	v := Validation{Valid: true}
	sampled := 0
	err := c.walkChunks(path, func(payload []byte) error {
		recs, err := wire.DecodeEventBatch(payload)
		if err != nil {
			return err
		}
		v.RowCount += int64(len(recs))
		for i := range recs {
			if sampled >= 100 {
				break
			}
			sampled++
			if recs[i].EventID == "" || recs[i].EventType == "" || len(recs[i].RawEvent) == 0 {
				v.Valid = false
				v.Issues = append(v.Issues, fmt.Sprintf("null key column in sampled event row %d", sampled))
			}
		}
		return nil
	})
	if err != nil {
		return Validation{Issues: []string{err.Error()}}
	}
	if v.RowCount != int64(want) {
		v.Valid = false
		v.Issues = append(v.Issues, fmt.Sprintf("row count %d != expected %d", v.RowCount, want))
	}
	return v
}

// walkChunks re-reads a finished file chunk by chunk. Shared with the offline
// verify tool via WalkChunkFile.
func (c *Chunked) walkChunks(path string, fn func(payload []byte) error) error {
	return WalkChunkFile(path, c.dec, fn)
}

// WalkChunkFile iterates the decompressed payloads of a .pb.zst file.
func WalkChunkFile(path string, dec *zstd.Decoder, fn func(payload []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(f, lenBuf[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunk length prefix: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		compressed := make([]byte, n)
		if _, err := io.ReadFull(f, compressed); err != nil {
			return fmt.Errorf("chunk body (%d bytes): %w", n, err)
		}
		payload, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("chunk decompress: %w", err)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}
