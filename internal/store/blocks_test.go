package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/starksync/types"
)

func testBlockHash(n uint64) types.Felt { return felt(0x1000 + n) }

func storeTestBlock(t *testing.T, s *Store, n uint64, parent types.Felt, diff *types.StateDiff) *types.BlockInfo {
	t.Helper()
	info := &types.BlockInfo{
		Header: types.Header{
			ParentBlockHash:  parent,
			BlockNumber:      n,
			GlobalStateRoot:  felt(0x2000 + n),
			SequencerAddress: felt(0x5e9),
			BlockTimestamp:   1700000000 + n,
			TransactionCount: 1,
			ProtocolVersion:  "0.13.1",
			L1GasPrice: types.GasPrices{
				EthL1GasPrice:  *uint256.NewInt(30_000_000_000),
				StrkL1GasPrice: *uint256.NewInt(n + 1),
			},
			L1DAMode: types.L1DAModeBlob,
		},
		BlockHash: testBlockHash(n),
		TxHashes:  []types.Felt{felt(0x7000 + n)},
	}
	inner := &types.BlockInner{
		Transactions: []types.Transaction{{Hash: felt(0x7000 + n), Type: types.TxTypeInvoke, Calldata: []types.Felt{felt(1)}}},
		Receipts:     []types.Receipt{{TransactionHash: felt(0x7000 + n), ExecutionStatus: "SUCCEEDED"}},
	}
	if diff == nil {
		diff = &types.StateDiff{}
	}
	require.NoError(t, s.StoreBlock(context.Background(), info, inner, diff))
	return info
}

func TestGenesisThenBlockOne(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok := s.ChainTip()
	require.False(t, ok)

	genesis := storeTestBlock(t, s, 0, types.ZeroFelt, nil)
	storeTestBlock(t, s, 1, genesis.BlockHash, nil)

	hash, ok, err := s.BlockHash(types.LatestBlockID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testBlockHash(1), hash)

	n, ok, err := s.BlockN(types.LatestBlockID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, n)

	n, ok, err = s.BlockN(types.BlockIDFromHash(testBlockHash(0)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, n)

	n, ok, err = s.BlockN(types.PendingBlockID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, n)

	_, ok, err = s.BlockN(types.BlockIDFromNumber(2))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.BlockHash(types.PendingBlockID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockRecordsRoundTrip(t *testing.T) {
	s, db := newTestStore(t)
	addr := felt(0xc0ffee)
	diff := &types.StateDiff{
		StorageDiffs:      storageDiff(addr, 1, 2).StorageDiffs,
		DeployedContracts: []types.DeployedContract{{Address: addr, ClassHash: felt(77)}},
		Nonces:            []types.NonceUpdate{{ContractAddress: addr, Nonce: felt(1)}},
		DeclaredClasses:   []types.DeclaredClass{{ClassHash: felt(77), CompiledClassHash: felt(78)}},
	}
	want := storeTestBlock(t, s, 0, types.ZeroFelt, diff)

	// read through a fresh store so the cache is bypassed
	fresh, err := NewStore(db)
	require.NoError(t, err)

	got, err := fresh.BlockInfo(0)
	require.NoError(t, err)
	if d := cmp.Diff(want, got, cmpopts.EquateEmpty()); d != "" {
		t.Fatalf("block info mismatch (-want +got):\n%s", d)
	}

	gotDiff, err := fresh.StateDiff(0)
	require.NoError(t, err)
	if d := cmp.Diff(diff, gotDiff, cmpopts.EquateEmpty()); d != "" {
		t.Fatalf("state diff mismatch (-want +got):\n%s", d)
	}

	inner, err := fresh.BlockInner(0)
	require.NoError(t, err)
	require.Len(t, inner.Transactions, 1)
	assert.Equal(t, types.TxTypeInvoke, inner.Transactions[0].Type)

	tip, ok := fresh.ChainTip()
	require.True(t, ok)
	assert.Equal(t, ChainTip{BlockN: 0, BlockHash: want.BlockHash, StateRoot: want.Header.GlobalStateRoot}, tip)

	missing, err := fresh.BlockInfo(1)
	require.NoError(t, err)
	assert.Nil(t, missing)

	classHash, ok, err := fresh.ContractClassHash(types.LatestBlockID, addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, felt(77), classHash)

	deployed, err := fresh.IsContractDeployed(types.LatestBlockID, felt(0xdead))
	require.NoError(t, err)
	assert.False(t, deployed)
}

func TestStorePending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	addr := felt(0x11)

	genesis := storeTestBlock(t, s, 0, types.ZeroFelt, nonceDiff(addr, 1))

	stale := &types.PendingBlockInfo{Header: types.PendingHeader{ParentBlockHash: felt(0xbad)}}
	err := s.StorePending(ctx, stale, &types.BlockInner{}, nonceDiff(addr, 9))
	require.ErrorIs(t, err, ErrStalePending)

	pending := &types.PendingBlockInfo{
		Header:   types.PendingHeader{ParentBlockHash: genesis.BlockHash, BlockTimestamp: 42},
		TxHashes: []types.Felt{felt(1)},
	}
	require.NoError(t, s.StorePending(ctx, pending, &types.BlockInner{}, nonceDiff(addr, 2)))

	got, err := s.PendingBlockInfo()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 42, got.Header.BlockTimestamp)

	v, _, err := s.ContractNonce(types.PendingBlockID, addr)
	require.NoError(t, err)
	assert.Equal(t, felt(2), v)

	// refreshing with the same content keeps queries stable
	require.NoError(t, s.StorePending(ctx, pending, &types.BlockInner{}, nonceDiff(addr, 2)))
	v, _, err = s.ContractNonce(types.PendingBlockID, addr)
	require.NoError(t, err)
	assert.Equal(t, felt(2), v)

	// a refresh without the update drops it
	require.NoError(t, s.StorePending(ctx, pending, &types.BlockInner{}, &types.StateDiff{}))
	v, _, err = s.ContractNonce(types.PendingBlockID, addr)
	require.NoError(t, err)
	assert.Equal(t, felt(1), v)

	// committing the next block supersedes the pending block
	require.NoError(t, s.StorePending(ctx, pending, &types.BlockInner{}, nonceDiff(addr, 2)))
	storeTestBlock(t, s, 1, genesis.BlockHash, nil)

	got, err = s.PendingBlockInfo()
	require.NoError(t, err)
	assert.Nil(t, got)
	_, ok, err := s.GetPending(NonceKind, addr[:])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreBlockPersistsTip(t *testing.T) {
	s, db := newTestStore(t)
	storeTestBlock(t, s, 0, types.ZeroFelt, nil)
	storeTestBlock(t, s, 1, testBlockHash(0), nil)

	reopened, err := NewStore(db)
	require.NoError(t, err)
	n, ok := reopened.LatestBlockN()
	require.True(t, ok)
	assert.EqualValues(t, 1, n)
	hash, _ := reopened.LatestBlockHash()
	assert.Equal(t, testBlockHash(1), hash)
}
