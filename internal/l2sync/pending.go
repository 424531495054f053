package l2sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/starksync/internal/eventbus"
)

// pendingLoop keeps the pending block of the store in line with upstream.
// The pending block left over from a previous run is dropped right away;
// polling starts once the pipeline has caught up with the upstream head.
// Failed refreshes are logged and retried on the next tick.
func (s *Syncer) pendingLoop(ctx context.Context) error {
	if err := s.store.ClearPending(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("clearing pending block: %w", err)
	}
	s.logger.Debug("cleared pending block")

	select {
	case <-ctx.Done():
		return nil
	case <-s.cursor.CaughtUp():
	}
	s.logger.Info("caught up, polling the pending block", "interval", s.cfg.PendingBlockPollInterval)

	ticker := time.NewTicker(s.cfg.PendingBlockPollInterval)
	defer ticker.Stop()

	for {
		if err := s.refreshPending(ctx); err != nil && ctx.Err() == nil {
			s.metrics.PendingErrors.Add(1)
			s.logger.Debug("failed refreshing pending block", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

var errParentMismatch = errors.New("pending block does not build on the latest block")

func (s *Syncer) refreshPending(ctx context.Context) error {
	latest, _ := s.store.LatestBlockHash()

	raw, err := s.provider.GetPendingBlock(ctx)
	if err != nil {
		return fmt.Errorf("fetching pending block: %w", err)
	}
	if raw == nil {
		return nil
	}
	// upstream can be ahead of or behind the local tip near the head
	if raw.Header.ParentBlockHash != latest {
		return fmt.Errorf("%w: parent %s, latest %s", errParentMismatch, raw.Header.ParentBlockHash.Short(), latest.Short())
	}

	block, err := s.importer.PreValidatePending(ctx, raw, s.vctx)
	if err != nil {
		return err
	}
	// fails with store.ErrStalePending if a block was committed meanwhile
	if err := s.importer.VerifyApplyPending(ctx, block, s.vctx); err != nil {
		return fmt.Errorf("applying pending block: %w", err)
	}

	s.metrics.PendingRefreshes.Add(1)
	s.logger.Debug("refreshed pending block", "parent", latest.Short(), "txs", len(block.TxHashes))
	if s.eventBus != nil {
		if err := s.eventBus.PublishEventPendingRefreshed(eventbus.EventDataPendingRefreshed{
			ParentHash: latest,
			TxCount:    len(block.TxHashes),
		}); err != nil {
			s.logger.Error("failed publishing pending refreshed event", "err", err)
		}
	}
	return nil
}
