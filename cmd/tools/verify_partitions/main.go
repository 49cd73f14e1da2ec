// verify_partitions re-validates already-written chunked files offline: it
// walks the data directory, decodes every chunk, and reports per-partition
// record counts and any corrupt files. This is the recovery path for files
// flagged by the post-write validator.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"cantonscan-ingest/internal/partition"
	"cantonscan-ingest/internal/wire"
	"cantonscan-ingest/internal/writer"
)

func main() {
	var verbose = flag.Bool("v", false, "log every file")
	flag.Parse()

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		log.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var files, corrupt int
	var records int64
	perPartition := make(map[string]int64)

	err = filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".pb.zst") {
			return nil
		}
		files++
		rel, _ := filepath.Rel(dataDir, path)
		dir := filepath.ToSlash(filepath.Dir(rel))
		isEvents := strings.HasPrefix(dir, partition.KindEvents+"/")

		var n int64
		walkErr := writer.WalkChunkFile(path, dec, func(payload []byte) error {
			if isEvents {
				recs, err := wire.DecodeEventBatch(payload)
				if err != nil {
					return err
				}
				n += int64(len(recs))
				return nil
			}
			recs, err := wire.DecodeUpdateBatch(payload)
			if err != nil {
				return err
			}
			n += int64(len(recs))
			return nil
		})
		if walkErr != nil {
			corrupt++
			log.Printf("CORRUPT %s: %v", rel, walkErr)
			return nil
		}
		records += n
		perPartition[dir] += n
		if *verbose {
			log.Printf("ok %s: %d records", rel, n)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("walk %s: %v", dataDir, err)
	}

	fmt.Printf("Scanned %d chunked file(s): %d records, %d corrupt\n", files, records, corrupt)
	for dir, n := range perPartition {
		fmt.Printf("  %-60s %d\n", dir, n)
	}
	if corrupt > 0 {
		os.Exit(1)
	}
}
