package l2sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/starksync/internal/blockimport"
	"github.com/tendermint/starksync/internal/eventbus"
)

// commitStage verifies and commits the blocks from in, one at a time. When
// in is closed and the node is set to stop once synced, it calls stop.
func (s *Syncer) commitStage(ctx context.Context, in <-chan *blockimport.PreValidatedBlock, stop context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-in:
			if !ok {
				if s.cfg.StopOnSync {
					s.logger.Info("sync finished, stopping")
					stop()
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := s.commit(ctx, block); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Syncer) commit(ctx context.Context, block *blockimport.PreValidatedBlock) error {
	blockN := block.Header.BlockNumber
	start := time.Now()

	res, err := s.importer.VerifyApply(ctx, block, s.vctx)
	if err != nil {
		if ctx.Err() == nil {
			s.publishError("commit", err)
		}
		return fmt.Errorf("importing block %d: %w", blockN, err)
	}
	s.cursor.advance(blockN)

	s.metrics.BlockImportSeconds.Observe(time.Since(start).Seconds())
	s.metrics.BlocksImported.Add(1)
	s.metrics.LatestBlock.Set(float64(blockN))

	s.logger.Info("imported block",
		"number", blockN,
		"hash", res.BlockHash.Short(),
		"state_root", res.Header.GlobalStateRoot.Short())
	s.logger.Debug("block import",
		"number", blockN,
		"hash", res.BlockHash,
		"state_root", res.Header.GlobalStateRoot,
		"took", time.Since(start))

	if s.eventBus != nil {
		if err := s.eventBus.PublishEventBlockImported(eventbus.EventDataBlockImported{
			BlockN:    blockN,
			BlockHash: res.BlockHash,
			StateRoot: res.Header.GlobalStateRoot,
			TxCount:   res.Header.TransactionCount,
		}); err != nil {
			s.logger.Error("failed publishing block imported event", "err", err)
		}
	}

	if every := s.cfg.BackupEveryNBlocks; every > 0 && s.backupDir != "" && blockN%every == 0 {
		s.backup(ctx, blockN)
	}
	return nil
}

// backup takes a backup after blockN was committed. A failed backup is
// reported and otherwise ignored: the block stays committed.
func (s *Syncer) backup(ctx context.Context, blockN uint64) {
	s.logger.Info("backing up database", "block", blockN)
	start := time.Now()

	path, err := s.store.Backup(ctx, s.backupDir)
	if err != nil {
		s.metrics.BackupErrors.Add(1)
		s.logger.Warn("database backup failed", "block", blockN, "err", err)
		s.publishError("backup", err)
		return
	}

	s.metrics.BackupSeconds.Observe(time.Since(start).Seconds())
	s.logger.Info("database backup done", "block", blockN, "path", path, "took", time.Since(start))
}
