package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"slsframe-go/internal/output"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to hit log .bin file")
		limit = flag.Int("limit", 1, "Number of records to dump (0 for all)")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	r, err := output.OpenHitLog(*path)
	if err != nil {
		log.Fatalf("open hit log: %v", err)
	}
	defer r.Close()
	log.Printf("run %s", r.RunID())

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		rec, ts, err := r.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("record %d: %v", count, err)
		}

		pretty, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			continue
		}

		log.Printf("record %d timestamp=%s hits=%d", count, ts.Format(time.RFC3339Nano), len(rec.Hits))
		fmt.Println(string(pretty))
		count++
	}
}
