// Package factory builds valid chains of raw blocks for tests.
package factory

import (
	"github.com/holiman/uint256"

	"github.com/tendermint/starksync/internal/blockimport"
	"github.com/tendermint/starksync/types"
)

const (
	DefaultTestChainID     = "SN_TEST"
	DefaultProtocolVersion = "0.13.1"
	DefaultTxsPerBlock     = 2
)

var (
	ChainID          = types.MustFeltFromShortString(DefaultTestChainID)
	SequencerAddress = types.FeltFromUint64(0x5e9)
)

// Chain hands out consecutive blocks that pass pre-validation and
// verification against a store holding the blocks handed out before them.
type Chain struct {
	ChainID types.Felt

	next      uint64
	lastHash  types.Felt
	lastRoot  types.Felt
	timestamp uint64
}

func NewChain() *Chain {
	return &Chain{ChainID: ChainID, timestamp: 1700000000}
}

// Head returns the hash and state root of the last block handed out.
func (c *Chain) Head() (hash, root types.Felt) { return c.lastHash, c.lastRoot }

// NextNumber is the number of the next block.
func (c *Chain) NextNumber() uint64 { return c.next }

// Next seals and returns the next block with the given state diff.
func (c *Chain) Next(diff types.StateDiff) *types.RawBlock {
	blockN := c.next
	txs, receipts := MakeTxs(blockN, DefaultTxsPerBlock, c.ChainID)
	c.timestamp += 30

	txHashes := make([]types.Felt, len(txs))
	for i := range txs {
		txHashes[i] = txs[i].Hash
	}
	eventCommitment, eventCount := blockimport.EventCommitment(receipts)
	sdCommitment := blockimport.StateDiffCommitment(&diff)

	h := types.Header{
		ParentBlockHash:       c.lastHash,
		BlockNumber:           blockN,
		GlobalStateRoot:       blockimport.GlobalStateRoot(c.lastRoot, sdCommitment),
		SequencerAddress:      SequencerAddress,
		BlockTimestamp:        c.timestamp,
		TransactionCount:      uint64(len(txs)),
		TransactionCommitment: blockimport.TransactionCommitment(txHashes),
		EventCount:            eventCount,
		EventCommitment:       eventCommitment,
		StateDiffLength:       uint64(diff.Len()),
		StateDiffCommitment:   sdCommitment,
		ReceiptCommitment:     blockimport.ReceiptCommitment(receipts),
		ProtocolVersion:       DefaultProtocolVersion,
		L1GasPrice:            MakeGasPrices(blockN),
		L1DAMode:              types.L1DAModeBlob,
	}
	hash := blockimport.BlockHash(&h)

	c.next++
	c.lastHash, c.lastRoot = hash, h.GlobalStateRoot

	return &types.RawBlock{
		Header:       h,
		BlockHash:    hash,
		Transactions: txs,
		Receipts:     receipts,
		StateDiff:    diff,
	}
}

// NextN hands out n blocks with the default state diff.
func (c *Chain) NextN(n int) []*types.RawBlock {
	blocks := make([]*types.RawBlock, n)
	for i := range blocks {
		blocks[i] = c.Next(MakeStateDiff(c.next))
	}
	return blocks
}

// Pending returns a pending block on top of the last block handed out.
func (c *Chain) Pending(diff types.StateDiff) *types.RawPendingBlock {
	txs, receipts := MakeTxs(c.next, DefaultTxsPerBlock, c.ChainID)
	return &types.RawPendingBlock{
		Header: types.PendingHeader{
			ParentBlockHash:  c.lastHash,
			SequencerAddress: SequencerAddress,
			BlockTimestamp:   c.timestamp + 30,
			ProtocolVersion:  DefaultProtocolVersion,
			L1GasPrice:       MakeGasPrices(c.next),
			L1DAMode:         types.L1DAModeBlob,
		},
		Transactions: txs,
		Receipts:     receipts,
		StateDiff:    diff,
	}
}

// MakeTxs returns n invoke transactions with matching receipts, each
// emitting one event.
func MakeTxs(blockN uint64, n int, chainID types.Felt) ([]types.Transaction, []types.Receipt) {
	txs := make([]types.Transaction, n)
	receipts := make([]types.Receipt, n)
	for i := range txs {
		sender := types.FeltFromUint64(0xacc0 + uint64(i))
		txs[i] = types.Transaction{
			Type:          types.TxTypeInvoke,
			Version:       types.FeltFromUint64(1),
			SenderAddress: sender,
			Nonce:         types.FeltFromUint64(blockN),
			MaxFee:        types.FeltFromUint64(1_000_000),
			Calldata:      []types.Felt{types.FeltFromUint64(blockN), types.FeltFromUint64(uint64(i))},
			Signature:     []types.Felt{types.FeltFromUint64(0x5191)},
		}
		txs[i].Hash = blockimport.TransactionHash(&txs[i], chainID)
		receipts[i] = types.Receipt{
			TransactionHash: txs[i].Hash,
			ActualFee:       types.FeltFromUint64(21000),
			ExecutionStatus: "SUCCEEDED",
			Events: []types.Event{{
				FromAddress: sender,
				Keys:        []types.Felt{types.FeltFromUint64(0xe7)},
				Data:        []types.Felt{types.FeltFromUint64(blockN)},
			}},
		}
	}
	return txs, receipts
}

// MakeStateDiff bumps the nonce of a per-block contract, writes one of its
// storage slots and deploys it on its first block.
func MakeStateDiff(blockN uint64) types.StateDiff {
	addr := ContractAddress(blockN % 4)
	diff := types.StateDiff{
		StorageDiffs: []types.ContractStorageDiff{{
			Address: addr,
			StorageEntries: []types.StorageEntry{{
				Key:   types.FeltFromUint64(1),
				Value: types.FeltFromUint64(blockN + 1),
			}},
		}},
		Nonces: []types.NonceUpdate{{ContractAddress: addr, Nonce: types.FeltFromUint64(blockN/4 + 1)}},
	}
	if blockN < 4 {
		diff.DeployedContracts = []types.DeployedContract{{Address: addr, ClassHash: ClassHash(blockN)}}
	}
	return diff
}

func ContractAddress(i uint64) types.Felt { return types.FeltFromUint64(0xc0000 + i) }

func ClassHash(i uint64) types.Felt { return types.FeltFromUint64(0xc1a55 + i) }

func MakeGasPrices(blockN uint64) types.GasPrices {
	return types.GasPrices{
		EthL1GasPrice:      *uint256.NewInt(30_000_000_000 + blockN),
		StrkL1GasPrice:     *uint256.NewInt(40_000_000_000 + blockN),
		EthL1DataGasPrice:  *uint256.NewInt(1),
		StrkL1DataGasPrice: *uint256.NewInt(2),
	}
}
