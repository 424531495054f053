package l2sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tendermint/starksync/internal/gateway"
	"github.com/tendermint/starksync/types"
)

type fetchResult struct {
	blockN uint64
	block  *types.RawBlock
	err    error
}

// fetchStage sends blocks first, first+1, ... to out in order. Up to
// FetchConcurrency requests are in flight; their results are buffered until
// every block before them was sent. Once the upstream head is reached it
// polls for the next block, or returns if polling is disabled.
func (s *Syncer) fetchStage(ctx context.Context, first uint64, out chan<- *types.RawBlock) error {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	var (
		next     = first
		end      = uint64(types.MaxBlockNumber) + 1
		window   = s.cfg.FetchConcurrency
		inflight []chan fetchResult
	)
	if n := s.cfg.NBlocksToSync; n > 0 && first < end && n < end-first {
		end = first + n
	}

	launch := func(blockN uint64) chan fetchResult {
		ch := make(chan fetchResult, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			block, err := s.fetchBlock(ctx, blockN)
			ch <- fetchResult{blockN: blockN, block: block, err: err}
		}()
		return ch
	}

	for {
		for len(inflight) < window && next+uint64(len(inflight)) < end {
			inflight = append(inflight, launch(next+uint64(len(inflight))))
		}
		if len(inflight) == 0 {
			s.logger.Info("fetched every requested block", "last", end-1)
			return nil
		}

		var res fetchResult
		select {
		case <-ctx.Done():
			return nil
		case res = <-inflight[0]:
		}

		switch {
		case res.err == nil:
			inflight = inflight[1:]
			select {
			case <-ctx.Done():
				return nil
			case out <- res.block:
			}
			next++

		case errors.Is(res.err, gateway.ErrBlockNotFound):
			s.cursor.reachedHead(res.blockN)
			if s.cfg.SyncPollingInterval == 0 || s.cfg.StopOnSync {
				s.logger.Info("reached the upstream head", "next", res.blockN)
				return nil
			}

			// the requests after it are for blocks that do not exist yet;
			// their results are dropped
			inflight = nil
			// following the head, one block at a time
			window = 1

			s.logger.Debug("waiting for the next block", "number", res.blockN)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.SyncPollingInterval):
			}

		case ctx.Err() != nil:
			return nil

		default:
			s.publishError("fetch", res.err)
			return fmt.Errorf("fetching block %d: %w", res.blockN, res.err)
		}
	}
}

// fetchBlock requests a block, retrying transient errors with exponential
// backoff.
func (s *Syncer) fetchBlock(ctx context.Context, blockN uint64) (*types.RawBlock, error) {
	op := func() (*types.RawBlock, error) {
		block, err := s.provider.GetBlock(ctx, blockN)
		if err != nil && !gateway.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return block, err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.FetchRetries.Add(1)
		s.logger.Warn("retrying block request", "number", blockN, "err", err, "wait", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.cfg.FetchMaxRetries), ctx)
	return backoff.RetryNotifyWithData(op, b, notify)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	// bounded by the retry count instead
	b.MaxElapsedTime = 0
	return b
}
