package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/atomicfile"
	dbm "github.com/tendermint/tm-db"
)

const (
	// latestBackupFile holds the directory name of the newest complete
	// backup.
	latestBackupFile = "LATEST"
	backupDBName     = "starksync"
	copyBatchSize    = 1000
)

// Backup copies every record into a new goleveldb database under dir and
// marks it as the latest backup once complete. It returns the backup path.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}

	var blockN uint64
	if tip, ok := s.ChainTip(); ok {
		blockN = tip.BlockN
	}
	name := fmt.Sprintf("%d-%d", blockN, time.Now().UnixNano())
	path := filepath.Join(dir, name)

	backup, err := dbm.NewDB(backupDBName, dbm.GoLevelDBBackend, path)
	if err != nil {
		return "", fmt.Errorf("opening backup db: %w", err)
	}

	start := time.Now()
	copied, err := copyDB(ctx, s.db, backup)
	if cerr := backup.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("backing up to %s: %w", path, err)
	}

	if _, err := atomicfile.WriteAll(filepath.Join(dir, latestBackupFile), strings.NewReader(name+"\n"), 0644); err != nil {
		return "", fmt.Errorf("recording latest backup: %w", err)
	}

	s.logger.Info("backup complete", "path", path, "block", blockN, "keys", copied, "took", time.Since(start))
	return path, nil
}

// LatestBackup returns the path of the newest complete backup under dir.
func LatestBackup(dir string) (string, bool, error) {
	bz, err := os.ReadFile(filepath.Join(dir, latestBackupFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	name := strings.TrimSpace(string(bz))
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", false, fmt.Errorf("invalid %s file content %q", latestBackupFile, name)
	}
	return filepath.Join(dir, name), true, nil
}

// RestoreFromLatestBackup seeds an empty db with the newest backup under dir.
// It reports whether a backup was restored.
func RestoreFromLatestBackup(ctx context.Context, db dbm.DB, dir string) (bool, error) {
	path, ok, err := LatestBackup(dir)
	if err != nil || !ok {
		return false, err
	}

	empty, err := isEmpty(db)
	if err != nil {
		return false, err
	}
	if !empty {
		return false, ErrRestoreNonEmpty
	}

	backup, err := dbm.NewDB(backupDBName, dbm.GoLevelDBBackend, path)
	if err != nil {
		return false, fmt.Errorf("opening backup %s: %w", path, err)
	}
	defer backup.Close()

	if _, err := copyDB(ctx, backup, db); err != nil {
		return false, fmt.Errorf("restoring %s: %w", path, err)
	}
	return true, nil
}

func isEmpty(db dbm.DB) (bool, error) {
	iter, err := db.Iterator(nil, nil)
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return !iter.Valid(), iter.Error()
}

// copyDB copies all of src into dst in batches. The final batch is synced.
func copyDB(ctx context.Context, src, dst dbm.DB) (uint64, error) {
	iter, err := src.Iterator(nil, nil)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var (
		copied  uint64
		pending int
		batch   = dst.NewBatch()
	)
	defer func() { batch.Close() }()

	for ; iter.Valid(); iter.Next() {
		if err := batch.Set(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return copied, err
		}
		pending++
		copied++

		if pending == copyBatchSize {
			if err := ctx.Err(); err != nil {
				return copied, err
			}
			if err := batch.Write(); err != nil {
				return copied, err
			}
			batch.Close()
			batch = dst.NewBatch()
			pending = 0
		}
	}
	if err := iter.Error(); err != nil {
		return copied, err
	}

	return copied, batch.WriteSync()
}
