package blockimport

import (
	"context"
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sync/semaphore"

	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/types"
)

// ValidationContext holds the knobs of block validation.
type ValidationContext struct {
	// Use declared transaction hashes instead of recomputing them.
	TrustTransactionHashes bool
	// Use declared state roots and block hashes instead of checking them.
	// Set when verification is disabled.
	TrustGlobalTries bool
	// Mixed into recomputed transaction hashes.
	ChainID types.Felt
	// Skip block number and parent hash checks against the chain tip.
	IgnoreBlockOrder bool
}

// PreValidatedBlock is a confirmed block whose body has been checked and
// whose commitments have been computed. Its state root and hash are still
// the declared ones.
type PreValidatedBlock struct {
	Header            types.Header
	DeclaredBlockHash types.Felt
	TxHashes          []types.Felt
	Transactions      []types.Transaction
	Receipts          []types.Receipt
	StateDiff         types.StateDiff
}

// PreValidatedPendingBlock is the pending counterpart of PreValidatedBlock.
type PreValidatedPendingBlock struct {
	Header       types.PendingHeader
	TxHashes     []types.Felt
	Transactions []types.Transaction
	Receipts     []types.Receipt
	StateDiff    types.StateDiff
}

// ImportResult is the sealed header of an imported block.
type ImportResult struct {
	Header    types.Header
	BlockHash types.Felt
}

// BlockImporter validates blocks and applies them to the store.
//
// PreValidate is CPU bound and safe to call concurrently; the number of
// validations running at once is capped at GOMAXPROCS. VerifyApply must be
// called sequentially, in block order.
type BlockImporter struct {
	store  *store.Store
	logger log.Logger
	cpu    *semaphore.Weighted
}

// NewBlockImporter returns a BlockImporter writing to st.
func NewBlockImporter(st *store.Store, logger log.Logger) *BlockImporter {
	return &BlockImporter{
		store:  st,
		logger: logger,
		cpu:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// PreValidate checks the body of raw against its declared header and
// computes the header commitments.
func (bi *BlockImporter) PreValidate(ctx context.Context, raw *types.RawBlock, vctx ValidationContext) (*PreValidatedBlock, error) {
	if err := bi.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer bi.cpu.Release(1)

	blockN := raw.Header.BlockNumber
	invalid := func(index int, format string, args ...interface{}) error {
		return &ValidationError{BlockN: blockN, Index: index, Reason: fmt.Sprintf(format, args...)}
	}

	txs, receipts, txHashes, err := checkBody(raw.Transactions, raw.Receipts, vctx, invalid)
	if err != nil {
		return nil, err
	}

	h := raw.Header
	if h.TransactionCount != 0 && h.TransactionCount != uint64(len(txs)) {
		return nil, invalid(-1, "declared %d transactions, got %d", h.TransactionCount, len(txs))
	}
	h.TransactionCount = uint64(len(txs))

	eventCommitment, eventCount := EventCommitment(receipts)
	if h.EventCount != 0 && h.EventCount != eventCount {
		return nil, invalid(-1, "declared %d events, got %d", h.EventCount, eventCount)
	}
	h.EventCount = eventCount

	commitments := []struct {
		name     string
		declared *types.Felt
		computed types.Felt
	}{
		{"transaction commitment", &h.TransactionCommitment, TransactionCommitment(txHashes)},
		{"event commitment", &h.EventCommitment, eventCommitment},
		{"receipt commitment", &h.ReceiptCommitment, ReceiptCommitment(receipts)},
		{"state diff commitment", &h.StateDiffCommitment, StateDiffCommitment(&raw.StateDiff)},
	}
	for _, c := range commitments {
		switch {
		case c.declared.IsZero():
			*c.declared = c.computed
		case vctx.TrustGlobalTries:
			// keep the declared commitment
		case *c.declared != c.computed:
			return nil, invalid(-1, "%s mismatch: declared %s, computed %s", c.name, c.declared.Hex(), c.computed.Hex())
		}
	}
	h.StateDiffLength = uint64(raw.StateDiff.Len())

	return &PreValidatedBlock{
		Header:            h,
		DeclaredBlockHash: raw.BlockHash,
		TxHashes:          txHashes,
		Transactions:      txs,
		Receipts:          receipts,
		StateDiff:         raw.StateDiff,
	}, nil
}

// PreValidatePending is PreValidate for the pending block.
func (bi *BlockImporter) PreValidatePending(ctx context.Context, raw *types.RawPendingBlock, vctx ValidationContext) (*PreValidatedPendingBlock, error) {
	if err := bi.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer bi.cpu.Release(1)

	invalid := func(index int, format string, args ...interface{}) error {
		return &ValidationError{Pending: true, Index: index, Reason: fmt.Sprintf(format, args...)}
	}

	txs, receipts, txHashes, err := checkBody(raw.Transactions, raw.Receipts, vctx, invalid)
	if err != nil {
		return nil, err
	}

	return &PreValidatedPendingBlock{
		Header:       raw.Header,
		TxHashes:     txHashes,
		Transactions: txs,
		Receipts:     receipts,
		StateDiff:    raw.StateDiff,
	}, nil
}

// checkBody pairs every transaction with its receipt and settles the
// transaction hashes. The returned slices are copies with the settled hashes
// filled in.
func checkBody(
	rawTxs []types.Transaction,
	rawReceipts []types.Receipt,
	vctx ValidationContext,
	invalid func(index int, format string, args ...interface{}) error,
) ([]types.Transaction, []types.Receipt, []types.Felt, error) {
	if len(rawTxs) != len(rawReceipts) {
		return nil, nil, nil, invalid(-1, "%d transactions but %d receipts", len(rawTxs), len(rawReceipts))
	}

	txs := slices.Clone(rawTxs)
	receipts := slices.Clone(rawReceipts)
	txHashes := make([]types.Felt, len(txs))

	for i := range txs {
		tx := &txs[i]

		hash := tx.Hash
		if !vctx.TrustTransactionHashes || hash.IsZero() {
			computed := TransactionHash(tx, vctx.ChainID)
			if !hash.IsZero() && hash != computed {
				return nil, nil, nil, invalid(i, "hash mismatch: declared %s, computed %s", hash.Hex(), computed.Hex())
			}
			hash = computed
		}

		receipt := &receipts[i]
		if !receipt.TransactionHash.IsZero() && receipt.TransactionHash != hash {
			return nil, nil, nil, invalid(i, "receipt is for transaction %s, expected %s", receipt.TransactionHash.Hex(), hash.Hex())
		}

		tx.Hash = hash
		receipt.TransactionHash = hash
		txHashes[i] = hash
	}

	return txs, receipts, txHashes, nil
}

// VerifyApply checks block against the chain tip, settles its state root and
// hash, and commits it to the store.
func (bi *BlockImporter) VerifyApply(ctx context.Context, block *PreValidatedBlock, vctx ValidationContext) (*ImportResult, error) {
	h := block.Header
	blockN := h.BlockNumber
	if blockN > types.MaxBlockNumber {
		return nil, fmt.Errorf("%w: %d", store.ErrInvalidBlockNumber, blockN)
	}

	tip, hasTip := bi.store.ChainTip()
	if !vctx.IgnoreBlockOrder {
		var (
			expectedN      uint64
			expectedParent types.Felt
		)
		if hasTip {
			expectedN, expectedParent = tip.BlockN+1, tip.BlockHash
		}
		if blockN != expectedN {
			return nil, &VerificationError{
				BlockN:   blockN,
				Check:    CheckBlockNumber,
				Got:      fmt.Sprint(blockN),
				Expected: fmt.Sprint(expectedN),
			}
		}
		if h.ParentBlockHash != expectedParent {
			return nil, mismatch(blockN, CheckParentHash, h.ParentBlockHash, expectedParent)
		}
	}

	prevRoot, havePrev, err := bi.previousStateRoot(blockN, tip, hasTip)
	if err != nil {
		return nil, err
	}

	declaredRoot := h.GlobalStateRoot
	switch {
	case vctx.TrustGlobalTries && !declaredRoot.IsZero():
		// keep the declared root
	case havePrev:
		computed := GlobalStateRoot(prevRoot, h.StateDiffCommitment)
		if !vctx.TrustGlobalTries && !declaredRoot.IsZero() && declaredRoot != computed {
			return nil, mismatch(blockN, CheckGlobalStateRoot, computed, declaredRoot)
		}
		h.GlobalStateRoot = computed
	case !vctx.TrustGlobalTries:
		return nil, &VerificationError{
			BlockN:   blockN,
			Check:    CheckGlobalStateRoot,
			Got:      "unknown",
			Expected: declaredRoot.Hex(),
		}
	}

	hash := BlockHash(&h)
	if declared := block.DeclaredBlockHash; !declared.IsZero() && declared != hash {
		if !vctx.TrustGlobalTries {
			return nil, mismatch(blockN, CheckBlockHash, hash, declared)
		}
		hash = declared
	}

	info := &types.BlockInfo{
		Header:    h,
		BlockHash: hash,
		TxHashes:  block.TxHashes,
	}
	inner := &types.BlockInner{
		Transactions: block.Transactions,
		Receipts:     block.Receipts,
	}
	if err := bi.store.StoreBlock(ctx, info, inner, &block.StateDiff); err != nil {
		return nil, err
	}

	return &ImportResult{Header: h, BlockHash: hash}, nil
}

// previousStateRoot returns the state root blockN builds on, if it is known.
func (bi *BlockImporter) previousStateRoot(blockN uint64, tip store.ChainTip, hasTip bool) (types.Felt, bool, error) {
	if blockN == 0 {
		return types.ZeroFelt, true, nil
	}
	if hasTip && tip.BlockN == blockN-1 {
		return tip.StateRoot, true, nil
	}

	info, err := bi.store.BlockInfo(blockN - 1)
	if err != nil || info == nil {
		return types.ZeroFelt, false, err
	}
	return info.Header.GlobalStateRoot, true, nil
}

// VerifyApplyPending replaces the pending block in the store. It fails with
// store.ErrStalePending if the block does not build on the chain tip.
func (bi *BlockImporter) VerifyApplyPending(ctx context.Context, block *PreValidatedPendingBlock, _ ValidationContext) error {
	info := &types.PendingBlockInfo{
		Header:   block.Header,
		TxHashes: block.TxHashes,
	}
	inner := &types.BlockInner{
		Transactions: block.Transactions,
		Receipts:     block.Receipts,
	}
	return bi.store.StorePending(ctx, info, inner, &block.StateDiff)
}
