// relay-dump lists the frames of a recording and optionally writes each one
// out as a JPEG file.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/recorder"
)

func main() {
	var (
		path   = flag.String("path", "", "Path to a .vrec recording")
		outDir = flag.String("out", "", "Directory to write frames into (list only when empty)")
		limit  = flag.Int("limit", 0, "Number of records to dump (0 = all)")
		sender = flag.Int("sender", -1, "Only dump frames from this peer")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	rd, err := recorder.NewReader(f)
	if err != nil {
		log.Fatalf("read header: %v", err)
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			log.Fatalf("create output dir: %v", err)
		}
	}

	count := 0
	perSender := make(map[uint64]int)
	for {
		if *limit > 0 && count >= *limit {
			break
		}
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("record %d: %v", count, err)
		}
		if *sender >= 0 && uint64(rec.Sender) != uint64(*sender) {
			continue
		}

		n := perSender[uint64(rec.Sender)]
		perSender[uint64(rec.Sender)]++
		ts := time.Unix(0, rec.Time)
		fmt.Printf("record %d sender=%s timestamp=%s size=%d\n", count, rec.Sender, ts.Format(time.RFC3339Nano), len(rec.JPEG))

		if *outDir != "" {
			name := filepath.Join(*outDir, fmt.Sprintf("peer%s_%06d.jpg", rec.Sender, n))
			if err := os.WriteFile(name, rec.JPEG, 0o644); err != nil {
				log.Fatalf("write %s: %v", name, err)
			}
		}
		count++
	}

	for id, n := range perSender {
		log.Printf("peer %d: %d frames", id, n)
	}
}
