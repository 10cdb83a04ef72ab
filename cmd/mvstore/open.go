package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/mvstore"
	"github.com/cuemby/mvstore/config"
	"github.com/cuemby/mvstore/internal/log"
)

var openCmd = &cobra.Command{
	Use:   "open <file>",
	Short: "Open (creating if needed) a store and optionally read/write keys",
	Long: `Open a store, report its recovered state (current version and
any transactions left OPEN or PREPARED by a prior process -
spec.md Scenario B), apply any --put/--remove/--get operations against
the given map in order, and commit before exiting.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

func init() {
	openCmd.Flags().String("encryption-key", "", "Password deriving the per-block cipher key (spec.md §4.1)")
	openCmd.Flags().Bool("read-only", false, "Open without the exclusive lock; reject mutations")
	openCmd.Flags().Int("cache-mb", 16, "Page cache budget in megabytes")
	openCmd.Flags().Bool("compress", false, "Enable page compression")
	openCmd.Flags().Int("write-buffer-mb", 4, "Unsaved-page write-buffer budget in megabytes")
	openCmd.Flags().Int("page-split-bytes", 6*1024, "Byte threshold at which a page splits")
	openCmd.Flags().Duration("write-delay", time.Second, "Background writer flush delay (0 disables it)")
	openCmd.Flags().Duration("lock-timeout", 2*time.Second, "Transactional write-conflict retry bound")
	openCmd.Flags().String("map", "data", "Map name operations below apply to")
	openCmd.Flags().StringArray("put", nil, "key=value pair to write (repeatable)")
	openCmd.Flags().StringArray("get", nil, "key to read and print (repeatable)")
	openCmd.Flags().StringArray("remove", nil, "key to remove (repeatable)")
}

func runOpen(cmd *cobra.Command, args []string) error {
	fileName := args[0]

	var cfg *config.Config
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if loaded.FileName == "" {
			loaded.FileName = fileName
		}
		cfg = loaded
	} else {
		cfg = config.Default(fileName)
		cfg.ReadOnly, _ = cmd.Flags().GetBool("read-only")
		cfg.CacheSizeMB, _ = cmd.Flags().GetInt("cache-mb")
		cfg.CompressData, _ = cmd.Flags().GetBool("compress")
		cfg.WriteBufferSizeMB, _ = cmd.Flags().GetInt("write-buffer-mb")
		cfg.PageSplitSize, _ = cmd.Flags().GetInt("page-split-bytes")
		if d, _ := cmd.Flags().GetDuration("write-delay"); d >= 0 {
			cfg.WriteDelay = d.String()
		}
		if d, _ := cmd.Flags().GetDuration("lock-timeout"); d > 0 {
			cfg.LockTimeout = d.String()
		}
	}

	b := mvstore.NewBuilder(cfg.FileName).
		ReadOnly(cfg.ReadOnly).
		CacheSize(cfg.CacheSizeMB).
		CompressData(cfg.CompressData).
		WriteBufferSize(cfg.WriteBufferSizeMB).
		PageSplitSize(cfg.PageSplitSize).
		WriteDelay(cfg.WriteDelayDuration()).
		LockTimeout(cfg.LockTimeoutDuration()).
		BackgroundExceptionHandler(func(err error) {
			log.WithComponent("writer").Error().Err(err).Msg("background flush failed")
		})

	if key, _ := cmd.Flags().GetString("encryption-key"); key != "" {
		keyBytes := []byte(key)
		b.EncryptionKey(keyBytes)
		for i := range keyBytes {
			keyBytes[i] = 0
		}
	}

	db, err := b.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", fileName, err)
	}
	defer db.Close()

	fmt.Printf("opened %s at version %d\n", fileName, db.CurrentVersion())

	if open := db.OpenTransactions(); len(open) > 0 {
		fmt.Printf("recovered %d open transaction(s):\n", len(open))
		for _, tx := range open {
			fmt.Printf("  id=%d status=%v\n", tx.ID(), tx.Status())
		}
	}

	mapName, _ := cmd.Flags().GetString("map")
	m, err := db.OpenMap(mapName, mvstore.StringType, mvstore.StringType)
	if err != nil {
		return fmt.Errorf("open map %s: %w", mapName, err)
	}

	puts, _ := cmd.Flags().GetStringArray("put")
	for _, kv := range puts {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--put %q must be key=value", kv)
		}
		if _, err := m.Put(k, v); err != nil {
			return fmt.Errorf("put %s: %w", k, err)
		}
	}

	removes, _ := cmd.Flags().GetStringArray("remove")
	for _, k := range removes {
		if _, err := m.Remove(k); err != nil {
			return fmt.Errorf("remove %s: %w", k, err)
		}
	}

	gets, _ := cmd.Flags().GetStringArray("get")
	for _, k := range gets {
		v, err := m.Get(k)
		if err != nil {
			return fmt.Errorf("get %s: %w", k, err)
		}
		if v == nil {
			fmt.Printf("%s: <nil>\n", k)
		} else {
			fmt.Printf("%s: %v\n", k, v)
		}
	}

	if len(puts) > 0 || len(removes) > 0 {
		v, err := db.Commit()
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		fmt.Printf("committed version %d\n", v)
	}

	return nil
}
