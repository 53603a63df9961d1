// Command tracingctl inspects a charm's tracing buffer file directly,
// without spinning up the full Lifecycle. It is operator tooling, not
// part of the tracing core: the buffer file is the complete, portable
// state of the buffer, so a copy pulled off a unit can be inspected here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/canonical/ops-tracing/internal/buffer"
	"github.com/canonical/ops-tracing/internal/store"
)

func main() {
	dbPath := flag.String("db", "", "path to a .tracing-data.db file")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "tracingctl: -db is required")
		os.Exit(2)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "tracingctl: usage: tracingctl -db PATH <head|stats>")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, *dbPath, buffer.LongDBTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracingctl: open: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	buf := buffer.New(st, buffer.DefaultBufferSize)

	switch flag.Arg(0) {
	case "head":
		rec, err := buf.Pump(ctx, nil, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "tracingctl: head: %v\n", err)
			os.Exit(1)
		}
		if rec == nil {
			fmt.Println("buffer is empty")
			return
		}
		fmt.Printf("id=%d priority=%d content-type=%s bytes=%d\n", rec.ID, rec.Priority, rec.ContentType, len(rec.Payload))
	case "stats":
		if err := printStats(ctx, st); err != nil {
			fmt.Fprintf(os.Stderr, "tracingctl: stats: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "tracingctl: unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}
}

func printStats(ctx context.Context, st *store.Store) error {
	tx, err := st.Transaction(ctx, store.Read, buffer.DefaultDBTimeout)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int64
	var bytes int64
	row := tx.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(length(data)), 0) FROM tracing`)
	if err := row.Scan(&count, &bytes); err != nil {
		return err
	}
	fmt.Printf("records=%d raw_bytes=%d\n", count, bytes)
	return nil
}
