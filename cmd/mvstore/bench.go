package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/mvstore"
	"github.com/cuemby/mvstore/internal/storemetrics"
)

var benchCmd = &cobra.Command{
	Use:   "bench <file>",
	Short: "Write N sequential keys and report commit/compaction throughput",
	Long: `bench opens (creating if needed) a store, writes --n sequential keys
into --map in batches of --batch, committing after each batch, then
reads every key back through the same map handle to confirm the round
trip (spec.md Testable Property 1). Per-batch commit and compaction
timings are recorded in the storemetrics collectors; the command does
not serve them over HTTP.`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("n", 10000, "Number of keys to write")
	benchCmd.Flags().Int("batch", 500, "Keys per commit")
	benchCmd.Flags().String("map", "bench", "Map name to write into")
	benchCmd.Flags().Bool("compact", false, "Run a Compact(0.5) pass after the writes")
}

func runBench(cmd *cobra.Command, args []string) error {
	fileName := args[0]
	n, _ := cmd.Flags().GetInt("n")
	batch, _ := cmd.Flags().GetInt("batch")
	mapName, _ := cmd.Flags().GetString("map")
	compact, _ := cmd.Flags().GetBool("compact")

	db, err := mvstore.NewBuilder(fileName).WriteDelay(0).Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", fileName, err)
	}
	defer db.Close()

	m, err := db.OpenMap(mapName, mvstore.StringType, mvstore.StringType)
	if err != nil {
		return fmt.Errorf("open map: %w", err)
	}

	start := time.Now()
	commits := 0
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%08d", i)
		v := fmt.Sprintf("value-%d", i)
		if _, err := m.Put(k, v); err != nil {
			return fmt.Errorf("put %s: %w", k, err)
		}
		if (i+1)%batch == 0 {
			commitStart := time.Now()
			if _, err := db.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			storemetrics.TimeCommit("explicit", time.Since(commitStart))
			commits++
		}
	}
	if n%batch != 0 {
		if _, err := db.Commit(); err != nil {
			return fmt.Errorf("final commit: %w", err)
		}
		commits++
	}
	writeElapsed := time.Since(start)

	readStart := time.Now()
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%08d", i)
		want := fmt.Sprintf("value-%d", i)
		got, err := m.Get(k)
		if err != nil {
			return fmt.Errorf("get %s: %w", k, err)
		}
		if got != want {
			return fmt.Errorf("round-trip mismatch for %s: got %v want %s", k, got, want)
		}
	}
	readElapsed := time.Since(readStart)

	fmt.Printf("wrote %d keys in %d commits: %v (%.0f keys/s)\n",
		n, commits, writeElapsed, float64(n)/writeElapsed.Seconds())
	fmt.Printf("verified %d reads: %v (%.0f keys/s)\n",
		n, readElapsed, float64(n)/readElapsed.Seconds())
	fmt.Printf("store version: %d, chunks: %d, cache hit ratio: %.2f\n",
		db.CurrentVersion(), db.ChunkCount(), db.CacheHitRatio())

	if compact {
		compactStart := time.Now()
		if err := db.Compact(0.5); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		storemetrics.CompactionDuration.Observe(time.Since(compactStart).Seconds())
		fmt.Printf("compacted in %v, chunks now: %d\n", time.Since(compactStart), db.ChunkCount())
	}

	return nil
}
