package l2sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/tendermint/starksync/internal/blockimport"
	"github.com/tendermint/starksync/types"
)

type conversionResult struct {
	blockN uint64
	block  *blockimport.PreValidatedBlock
	err    error
}

// convertStage pre-validates blocks from in with up to
// ConversionConcurrency conversions in flight, and sends the results to out
// in the order the blocks arrived.
func (s *Syncer) convertStage(ctx context.Context, in <-chan *types.RawBlock, out chan<- *blockimport.PreValidatedBlock) error {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	convert := func(raw *types.RawBlock) chan conversionResult {
		ch := make(chan conversionResult, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			block, err := s.converter.PreValidate(ctx, raw, s.vctx)
			ch <- conversionResult{blockN: raw.Header.BlockNumber, block: block, err: err}
		}()
		return ch
	}

	var queue []chan conversionResult
	for in != nil || len(queue) > 0 {
		// nil channels block, so a full queue stops intake and an empty one
		// has no head to wait for
		var (
			intake <-chan *types.RawBlock
			head   chan conversionResult
		)
		if len(queue) < s.cfg.ConversionConcurrency {
			intake = in
		}
		if len(queue) > 0 {
			head = queue[0]
		}

		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-intake:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, convert(raw))

		case res := <-head:
			queue = queue[1:]
			if res.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.publishError("convert", res.err)
				return fmt.Errorf("converting block %d: %w", res.blockN, res.err)
			}
			select {
			case <-ctx.Done():
				return nil
			case out <- res.block:
			}
		}
	}
	return nil
}
