// lighthouse-replay verifies an event store offline: it scans every segment,
// reports records skipped for authentication failures, rebuilds the
// elicitation projection from sequence zero, and compares it against the
// snapshot-restored state.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/tachyon-beep/lighthouse-sub001/internal/config"
	"github.com/tachyon-beep/lighthouse-sub001/internal/elicitation"
	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		cfgPath = flag.String("config", os.Getenv("LIGHTHOUSE_CONFIG"), "config file path")
		dir     = flag.String("dir", "", "event store directory (overrides config)")
		check   = flag.Bool("check-snapshot", true, "compare snapshot restore against full rebuild")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dir != "" {
		cfg.EventStore.Dir = *dir
	}

	store, err := eventstore.Open(eventstore.Options{
		Dir:        cfg.EventStore.Dir,
		Secret:     cfg.EventStore.Secret,
		NodeID:     cfg.EventStore.NodeID,
		SyncPolicy: "batch",
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	records, skipped, err := store.VerifySegments()
	if err != nil {
		return fmt.Errorf("verify segments: %w", err)
	}
	fmt.Printf("segments verified: %d records, %d skipped (bad hmac or truncated)\n", records, skipped)
	fmt.Printf("head sequence: %d\n", store.CurrentSequence())

	rebuilt, err := elicitation.Rebuild(store.Stream(eventstore.EventFilter{}, 0))
	if err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}
	req, resp, timeouts, violations := rebuilt.Totals()
	fmt.Printf("projection: %d active, %d completed, %d requests, %d responses, %d timeouts, %d violations\n",
		rebuilt.ActiveCount(), rebuilt.CompletedCount(), req, resp, timeouts, violations)

	if !*check {
		return nil
	}
	snapDir := filepath.Join(cfg.EventStore.Dir, "projection")
	restored, err := elicitation.RestoreProjection(snapDir, store)
	if err != nil {
		return fmt.Errorf("restore from snapshot: %w", err)
	}
	// The snapshot cursor is bookkeeping; align it before the byte compare.
	restored.AlignSnapshotCursor(rebuilt)
	a, err := rebuilt.Canonical()
	if err != nil {
		return err
	}
	b, err := restored.Canonical()
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("snapshot-restored state diverges from full rebuild (%d vs %d bytes)", len(b), len(a))
	}
	fmt.Println("snapshot restore matches full rebuild byte-for-byte")
	return nil
}
