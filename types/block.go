package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// MaxBlockNumber is the largest block number the store can index.
const MaxBlockNumber = math.MaxUint32

// L1DAMode is the data availability mode declared by a block.
type L1DAMode uint8

const (
	L1DAModeCalldata L1DAMode = iota
	L1DAModeBlob
)

func (m L1DAMode) String() string {
	switch m {
	case L1DAModeCalldata:
		return "CALLDATA"
	case L1DAModeBlob:
		return "BLOB"
	default:
		return fmt.Sprintf("L1DAMode(%d)", uint8(m))
	}
}

// GasPrices are the L1 gas prices a block was sealed with.
type GasPrices struct {
	EthL1GasPrice      uint256.Int
	StrkL1GasPrice     uint256.Int
	EthL1DataGasPrice  uint256.Int
	StrkL1DataGasPrice uint256.Int
}

// Header is the sealed header of a confirmed block.
type Header struct {
	ParentBlockHash       Felt
	BlockNumber           uint64
	GlobalStateRoot       Felt
	SequencerAddress      Felt
	BlockTimestamp        uint64
	TransactionCount      uint64
	TransactionCommitment Felt
	EventCount            uint64
	EventCommitment       Felt
	StateDiffLength       uint64
	StateDiffCommitment   Felt
	ReceiptCommitment     Felt
	ProtocolVersion       string
	L1GasPrice            GasPrices
	L1DAMode              L1DAMode
}

// PendingHeader is the header of the open block. It has no number, hash or
// state root yet.
type PendingHeader struct {
	ParentBlockHash  Felt
	SequencerAddress Felt
	BlockTimestamp   uint64
	ProtocolVersion  string
	L1GasPrice       GasPrices
	L1DAMode         L1DAMode
}

// TxType names a transaction kind.
type TxType string

const (
	TxTypeInvoke        TxType = "INVOKE"
	TxTypeDeclare       TxType = "DECLARE"
	TxTypeDeployAccount TxType = "DEPLOY_ACCOUNT"
	TxTypeL1Handler     TxType = "L1_HANDLER"
)

type Transaction struct {
	Hash          Felt
	Type          TxType
	Version       Felt
	SenderAddress Felt
	Nonce         Felt
	MaxFee        Felt
	Calldata      []Felt
	Signature     []Felt
}

type Event struct {
	FromAddress Felt
	Keys        []Felt
	Data        []Felt
}

type Receipt struct {
	TransactionHash Felt
	ActualFee       Felt
	ExecutionStatus string
	Events          []Event
}

// BlockInfo is what the store keeps for header queries.
type BlockInfo struct {
	Header    Header
	BlockHash Felt
	TxHashes  []Felt
}

// PendingBlockInfo is the pending counterpart of BlockInfo.
type PendingBlockInfo struct {
	Header   PendingHeader
	TxHashes []Felt
}

// BlockInner is the body of a block.
type BlockInner struct {
	Transactions []Transaction
	Receipts     []Receipt
}

// RawBlock is a confirmed block as returned by an upstream source. Header
// commitments, the state root and the block hash are the declared values;
// zero means the source did not declare one.
type RawBlock struct {
	Header       Header
	BlockHash    Felt
	Transactions []Transaction
	Receipts     []Receipt
	StateDiff    StateDiff
}

// RawPendingBlock is the open block at the upstream head.
type RawPendingBlock struct {
	Header       PendingHeader
	Transactions []Transaction
	Receipts     []Receipt
	StateDiff    StateDiff
}

// BlockTag selects how a BlockID is resolved.
type BlockTag uint8

const (
	BlockTagNumber BlockTag = iota
	BlockTagHash
	BlockTagLatest
	BlockTagPending
)

// BlockID identifies a block by number, hash or tag.
type BlockID struct {
	Tag    BlockTag
	Number uint64
	Hash   Felt
}

func BlockIDFromNumber(n uint64) BlockID { return BlockID{Tag: BlockTagNumber, Number: n} }
func BlockIDFromHash(h Felt) BlockID     { return BlockID{Tag: BlockTagHash, Hash: h} }

var (
	LatestBlockID  = BlockID{Tag: BlockTagLatest}
	PendingBlockID = BlockID{Tag: BlockTagPending}
)

func (id BlockID) IsPending() bool { return id.Tag == BlockTagPending }

func (id BlockID) String() string {
	switch id.Tag {
	case BlockTagNumber:
		return strconv.FormatUint(id.Number, 10)
	case BlockTagHash:
		return id.Hash.Hex()
	case BlockTagLatest:
		return "latest"
	case BlockTagPending:
		return "pending"
	default:
		return fmt.Sprintf("BlockTag(%d)", id.Tag)
	}
}

// ParseBlockID accepts "latest", "pending", a decimal number or a 0x hash.
func ParseBlockID(s string) (BlockID, error) {
	switch s = strings.TrimSpace(s); {
	case s == "":
		return BlockID{}, errors.New("empty block id")
	case s == "latest":
		return LatestBlockID, nil
	case s == "pending":
		return PendingBlockID, nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		h, err := FeltFromHex(s)
		if err != nil {
			return BlockID{}, err
		}
		return BlockIDFromHash(h), nil
	default:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return BlockID{}, fmt.Errorf("invalid block id %q: %w", s, err)
		}
		return BlockIDFromNumber(n), nil
	}
}
