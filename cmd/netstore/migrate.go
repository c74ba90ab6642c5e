package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/internal/kvstore"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

// migrateCmd walks the legacy SpaceStore sub-store ("spaces") and
// copies every record into the flat FileStore sub-store ("files"),
// keyed by the record's own Key rather than its nested storage key —
// resolving the key-shape ambiguity spec.md §9 leaves open without
// touching bin/revision history, which stays addressed by the
// original key either way. Grounded on the teacher's
// cmd/warren-migrate: backup-then-migrate, old bucket preserved for
// rollback, idempotent re-run safe. Unlike the teacher's one-shot
// bucket copy, progress is tracked in a small "migration" sub-store so
// an interrupted run resumes instead of restarting.
var (
	migrateDataDir   string
	migrateDryRun    bool
	migrateBackup    string
	migrateBatchSize int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Promote legacy SpaceStore records into the flat FileStore key shape",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := migrateDataDir + "/netstore.db"
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database not found at %s", dbPath)
		}

		if !migrateDryRun {
			backup := migrateBackup
			if backup == "" {
				backup = dbPath + ".backup"
			}
			fmt.Printf("Creating backup: %s\n", backup)
			if err := copyFile(dbPath, backup); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
		}

		engine, err := kvstore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open kvstore: %w", err)
		}
		defer engine.Close()

		spaces, err := engine.SubStore("spaces")
		if err != nil {
			return err
		}
		files, err := engine.SubStore("files")
		if err != nil {
			return err
		}
		state, err := engine.SubStore("migration")
		if err != nil {
			return err
		}

		return runSpaceToFileMigration(context.Background(), spaces, files, state, migrateDryRun, migrateBatchSize)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDataDir, "data-dir", "./data", "netstore data directory")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Report what would move without writing")
	migrateCmd.Flags().StringVar(&migrateBackup, "backup", "", "Backup path (default: <data-dir>/netstore.db.backup)")
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 200, "Records to migrate before checkpointing progress")
}

const migrationCursorKey = "space-to-file-cursor"

func runSpaceToFileMigration(ctx context.Context, spaces, files, state *kvstore.SubStore, dryRun bool, batchSize int) error {
	cursor := ""
	if raw, err := state.Get(ctx, migrationCursorKey); err == nil {
		cursor = string(raw)
	} else if !errs.Is(err, errs.NotFound) {
		return err
	}

	it, err := spaces.Iterate(ctx, kvstore.IterOptions{Keys: true, Values: true})
	if err != nil {
		return err
	}
	defer it.Close()

	var migrated, skipped int
	var lastKey string
	for it.Next() {
		entry := it.Entry()
		if cursor != "" && entry.Key <= cursor {
			continue
		}

		var f types.File
		if err := json.Unmarshal(entry.Value, &f); err != nil {
			fmt.Printf("skipping %s: invalid record: %v\n", entry.Key, err)
			skipped++
			lastKey = entry.Key
			continue
		}
		if f.Key == "" {
			skipped++
			lastKey = entry.Key
			continue
		}

		if _, err := files.Get(ctx, f.Key); err == nil {
			lastKey = entry.Key
			continue // already migrated, idempotent skip
		} else if !errs.Is(err, errs.NotFound) {
			return err
		}

		if dryRun {
			fmt.Printf("[dry-run] would copy %s -> files/%s\n", entry.Key, f.Key)
		} else if err := files.Put(ctx, f.Key, entry.Value); err != nil {
			return err
		}
		migrated++
		lastKey = entry.Key

		if migrated%batchSize == 0 {
			if !dryRun {
				if err := state.Put(ctx, migrationCursorKey, []byte(lastKey)); err != nil {
					return err
				}
			}
			fmt.Printf("  migrated %d so far (checkpoint at %s)\n", migrated, lastKey)
		}
	}
	if it.Err() != nil {
		return it.Err()
	}

	if !dryRun && lastKey != "" {
		if err := state.Put(ctx, migrationCursorKey, []byte(lastKey)); err != nil {
			return err
		}
	}

	fmt.Printf("Migration complete: %d copied, %d skipped\n", migrated, skipped)
	if dryRun {
		fmt.Println("Dry run only; re-run without --dry-run to apply.")
	}
	return nil
}

func copyFile(src, dst string) error {
	db, err := bolt.Open(src, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dst, 0o600)
	})
}
