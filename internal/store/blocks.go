package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tendermint/starksync/types"
)

// StoreBlock commits a confirmed block: the contract history first, then,
// in one synced batch, the block records and the new chain tip. A crash
// between the two leaves history rows above the tip, which are invisible to
// tip-resolved reads and rewritten identically when the block is re-applied.
// The pending overlay is cleared afterwards since it was built on the
// previous tip.
func (s *Store) StoreBlock(ctx context.Context, info *types.BlockInfo, inner *types.BlockInner, diff *types.StateDiff) error {
	blockN := info.Header.BlockNumber
	if _, err := checkBlockNumber(blockN); err != nil {
		return err
	}

	if err := s.ApplyBlock(ctx, blockN, diff); err != nil {
		return fmt.Errorf("applying contract history of block %d: %w", blockN, err)
	}

	tip := ChainTip{
		BlockN:    blockN,
		BlockHash: info.BlockHash,
		StateRoot: info.Header.GlobalStateRoot,
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	records := []struct {
		key []byte
		v   interface{}
	}{
		{blockInfoKey(blockN), info},
		{blockInnerKey(blockN), inner},
		{stateDiffKey(blockN), diff},
		{chainTipKey(), &tip},
	}
	for _, r := range records {
		bz, err := encodeRecord(r.v)
		if err != nil {
			return fmt.Errorf("encoding block %d: %w", blockN, err)
		}
		if err := batch.Set(r.key, bz); err != nil {
			return err
		}
	}
	if err := batch.Set(blockHashKey(info.BlockHash), encodeBlockN(blockN)); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("writing block %d: %w", blockN, err)
	}

	s.infoCache.Add(blockN, info)
	s.setChainTip(tip)

	s.pendingMtx.Lock()
	defer s.pendingMtx.Unlock()
	// the block is committed at this point; only the context of the caller
	// is allowed to interrupt the cleanup
	return s.clearPendingLocked(context.WithoutCancel(ctx))
}

// StorePending replaces the pending block: its records and the contract
// overlay. The block must build on the current chain tip, otherwise
// ErrStalePending is returned and nothing is written.
func (s *Store) StorePending(ctx context.Context, info *types.PendingBlockInfo, inner *types.BlockInner, diff *types.StateDiff) error {
	s.pendingMtx.Lock()
	defer s.pendingMtx.Unlock()

	parent := types.ZeroFelt
	if tip, ok := s.ChainTip(); ok {
		parent = tip.BlockHash
	}
	if info.Header.ParentBlockHash != parent {
		return fmt.Errorf("%w: parent %s, latest %s", ErrStalePending, info.Header.ParentBlockHash.Short(), parent.Short())
	}

	if err := s.clearPendingLocked(ctx); err != nil {
		return err
	}
	if err := s.applyPendingLocked(ctx, diff); err != nil {
		return fmt.Errorf("applying pending contract updates: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	records := []struct {
		key []byte
		v   interface{}
	}{
		{pendingBlockKey(pendingInfoKey), info},
		{pendingBlockKey(pendingInnerKey), inner},
		{pendingBlockKey(pendingDiffKey), diff},
	}
	for _, r := range records {
		bz, err := encodeRecord(r.v)
		if err != nil {
			return fmt.Errorf("encoding pending block: %w", err)
		}
		if err := batch.Set(r.key, bz); err != nil {
			return err
		}
	}
	return batch.Write()
}

// BlockInfo returns the info of a committed block, or nil if there is none.
func (s *Store) BlockInfo(blockN uint64) (*types.BlockInfo, error) {
	if info, ok := s.infoCache.Get(blockN); ok {
		return info, nil
	}

	info := new(types.BlockInfo)
	ok, err := s.loadRecord("block_info", blockInfoKey(blockN), info)
	if err != nil || !ok {
		return nil, err
	}
	s.infoCache.Add(blockN, info)
	return info, nil
}

// BlockInner returns the body of a committed block, or nil if there is none.
func (s *Store) BlockInner(blockN uint64) (*types.BlockInner, error) {
	inner := new(types.BlockInner)
	ok, err := s.loadRecord("block_inner", blockInnerKey(blockN), inner)
	if err != nil || !ok {
		return nil, err
	}
	return inner, nil
}

// StateDiff returns the state diff of a committed block, or nil if there is
// none.
func (s *Store) StateDiff(blockN uint64) (*types.StateDiff, error) {
	diff := new(types.StateDiff)
	ok, err := s.loadRecord("state_diff", stateDiffKey(blockN), diff)
	if err != nil || !ok {
		return nil, err
	}
	return diff, nil
}

// PendingBlockInfo returns the info of the pending block, or nil if there is
// none.
func (s *Store) PendingBlockInfo() (*types.PendingBlockInfo, error) {
	info := new(types.PendingBlockInfo)
	ok, err := s.loadRecord("pending_info", pendingBlockKey(pendingInfoKey), info)
	if err != nil || !ok {
		return nil, err
	}
	return info, nil
}

// PendingStateDiff returns the state diff of the pending block, or nil if
// there is none.
func (s *Store) PendingStateDiff() (*types.StateDiff, error) {
	diff := new(types.StateDiff)
	ok, err := s.loadRecord("pending_state_diff", pendingBlockKey(pendingDiffKey), diff)
	if err != nil || !ok {
		return nil, err
	}
	return diff, nil
}

// BlockNByHash looks a committed block number up by hash.
func (s *Store) BlockNByHash(hash types.Felt) (uint64, bool, error) {
	key := blockHashKey(hash)
	bz, err := s.db.Get(key)
	if err != nil {
		return 0, false, err
	}
	if bz == nil {
		return 0, false, nil
	}
	if len(bz) != 8 {
		return 0, false, ErrCorrupted{Column: "block_hash", Key: key, Err: errors.New("expected an 8 byte block number")}
	}
	return binary.BigEndian.Uint64(bz), true, nil
}

// BlockN resolves id to a block number. The pending block is numbered one
// past the chain tip.
func (s *Store) BlockN(id types.BlockID) (uint64, bool, error) {
	if id.IsPending() {
		if tip, ok := s.ChainTip(); ok {
			return tip.BlockN + 1, true, nil
		}
		return 0, true, nil
	}
	return s.resolveConfirmed(id)
}

// BlockHash returns the hash of a committed block. The pending block has no
// hash yet.
func (s *Store) BlockHash(id types.BlockID) (types.Felt, bool, error) {
	if id.IsPending() {
		return types.ZeroFelt, false, nil
	}
	if id.Tag == types.BlockTagLatest {
		tip, ok := s.ChainTip()
		return tip.BlockHash, ok, nil
	}

	info, err := s.BlockInfoByID(id)
	if err != nil || info == nil {
		return types.ZeroFelt, false, err
	}
	return info.BlockHash, true, nil
}

// BlockInfoByID returns the info of a committed block identified by id.
func (s *Store) BlockInfoByID(id types.BlockID) (*types.BlockInfo, error) {
	blockN, ok, err := s.resolveConfirmed(id)
	if err != nil || !ok {
		return nil, err
	}
	return s.BlockInfo(blockN)
}

// resolveConfirmed maps a non-pending id to a committed block number.
// Numbers above the chain tip resolve to nothing.
func (s *Store) resolveConfirmed(id types.BlockID) (uint64, bool, error) {
	tip, hasTip := s.ChainTip()

	switch id.Tag {
	case types.BlockTagLatest:
		return tip.BlockN, hasTip, nil
	case types.BlockTagNumber:
		if _, err := checkBlockNumber(id.Number); err != nil {
			return 0, false, err
		}
		if !hasTip || id.Number > tip.BlockN {
			return 0, false, nil
		}
		return id.Number, true, nil
	case types.BlockTagHash:
		return s.BlockNByHash(id.Hash)
	default:
		return 0, false, fmt.Errorf("cannot resolve block id %v to a committed block", id)
	}
}

func (s *Store) loadRecord(column string, key []byte, v interface{}) (bool, error) {
	bz, err := s.db.Get(key)
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", column, err)
	}
	if len(bz) == 0 {
		return false, nil
	}
	if err := decodeRecord(bz, v); err != nil {
		return false, ErrCorrupted{Column: column, Key: key, Err: err}
	}
	return true, nil
}

func encodeBlockN(blockN uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, blockN)
	return bz
}
