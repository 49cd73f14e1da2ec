// reset_cursor deletes the backfill cursor for one (migration, synchronizer,
// shard) so the next run restarts that range from max_time. With -all it
// removes every cursor including the live one.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"cantonscan-ingest/internal/cursor"
)

func main() {
	var (
		migration  = flag.Int("migration", -1, "migration id")
		sync       = flag.String("synchronizer", "", "synchronizer id")
		shardIndex = flag.Int("shard-index", 0, "shard index")
		shardTotal = flag.Int("shard-total", 1, "shard total")
		all        = flag.Bool("all", false, "delete ALL cursors (including the live cursor)")
	)
	flag.Parse()

	cursorDir := os.Getenv("CURSOR_DIR")
	if cursorDir == "" {
		cursorDir = "./cursors"
	}

	if *all {
		entries, err := os.ReadDir(cursorDir)
		if err != nil {
			log.Fatalf("read cursor dir: %v", err)
		}
		n := 0
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			if err := os.Remove(filepath.Join(cursorDir, e.Name())); err != nil {
				log.Fatalf("remove %s: %v", e.Name(), err)
			}
			n++
		}
		fmt.Printf("Deleted %d cursor file(s) from %s. The next run restarts from scratch.\n", n, cursorDir)
		return
	}

	if *migration < 0 || *sync == "" {
		log.Fatal("either -all, or both -migration and -synchronizer are required")
	}

	name := cursor.FileName(*migration, *sync, *shardIndex, *shardTotal)
	path := filepath.Join(cursorDir, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No cursor found at %s. It might have already been reset or never existed.\n", path)
			return
		}
		log.Fatalf("remove cursor: %v", err)
	}
	fmt.Printf("Deleted %s. The next run re-backfills migration %d / %s from max_time.\n", path, *migration, *sync)
}
