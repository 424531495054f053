package gateway

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/holiman/uint256"

	"github.com/tendermint/starksync/types"
)

const (
	blockStatusPending  = "PENDING"
	errCodeBlockMissing = "StarknetErrorCode.BLOCK_NOT_FOUND"
)

// Feeder gateway JSON, as returned by get_state_update?includeBlock=true.

type stateUpdateWithBlock struct {
	Block       block       `json:"block"`
	StateUpdate stateUpdate `json:"state_update"`
}

type stateUpdate struct {
	BlockHash types.Felt `json:"block_hash"`
	NewRoot   types.Felt `json:"new_root"`
	OldRoot   types.Felt `json:"old_root"`
	StateDiff stateDiff  `json:"state_diff"`
}

type stateDiff struct {
	StorageDiffs map[string][]struct {
		Key   types.Felt `json:"key"`
		Value types.Felt `json:"value"`
	} `json:"storage_diffs"`
	Nonces            map[string]types.Felt `json:"nonces"`
	DeployedContracts []struct {
		Address   types.Felt `json:"address"`
		ClassHash types.Felt `json:"class_hash"`
	} `json:"deployed_contracts"`
	OldDeclaredContracts []types.Felt `json:"old_declared_contracts"`
	DeclaredClasses      []struct {
		ClassHash         types.Felt `json:"class_hash"`
		CompiledClassHash types.Felt `json:"compiled_class_hash"`
	} `json:"declared_classes"`
	ReplacedClasses []struct {
		Address   types.Felt `json:"address"`
		ClassHash types.Felt `json:"class_hash"`
	} `json:"replaced_classes"`
}

type resourcePrice struct {
	PriceInWei string `json:"price_in_wei"`
	PriceInFri string `json:"price_in_fri"`
}

type block struct {
	BlockHash             types.Felt    `json:"block_hash"`
	ParentBlockHash       types.Felt    `json:"parent_block_hash"`
	BlockNumber           *uint64       `json:"block_number"`
	StateRoot             types.Felt    `json:"state_root"`
	Status                string        `json:"status"`
	Timestamp             uint64        `json:"timestamp"`
	SequencerAddress      types.Felt    `json:"sequencer_address"`
	L1GasPrice            resourcePrice `json:"l1_gas_price"`
	L1DataGasPrice        resourcePrice `json:"l1_data_gas_price"`
	L1DAMode              string        `json:"l1_da_mode"`
	StarknetVersion       string        `json:"starknet_version"`
	Transactions          []transaction `json:"transactions"`
	Receipts              []receipt     `json:"transaction_receipts"`
	TransactionCommitment types.Felt    `json:"transaction_commitment"`
	EventCommitment       types.Felt    `json:"event_commitment"`
	ReceiptCommitment     types.Felt    `json:"receipt_commitment"`
	StateDiffCommitment   types.Felt    `json:"state_diff_commitment"`
	StateDiffLength       uint64        `json:"state_diff_length"`
}

type transaction struct {
	TransactionHash types.Felt   `json:"transaction_hash"`
	Type            string       `json:"type"`
	Version         types.Felt   `json:"version"`
	SenderAddress   types.Felt   `json:"sender_address"`
	ContractAddress types.Felt   `json:"contract_address"`
	Nonce           types.Felt   `json:"nonce"`
	MaxFee          types.Felt   `json:"max_fee"`
	Calldata        []types.Felt `json:"calldata"`
	Signature       []types.Felt `json:"signature"`
}

type receipt struct {
	TransactionHash types.Felt `json:"transaction_hash"`
	ActualFee       types.Felt `json:"actual_fee"`
	ExecutionStatus string     `json:"execution_status"`
	Events          []struct {
		FromAddress types.Felt   `json:"from_address"`
		Keys        []types.Felt `json:"keys"`
		Data        []types.Felt `json:"data"`
	} `json:"events"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (su *stateUpdateWithBlock) toRawBlock() (*types.RawBlock, error) {
	b := &su.Block
	if b.BlockNumber == nil {
		return nil, fmt.Errorf("block %s has no number", b.BlockHash.Short())
	}
	h, err := b.header()
	if err != nil {
		return nil, err
	}
	diff, err := su.StateUpdate.StateDiff.toStateDiff()
	if err != nil {
		return nil, err
	}
	return &types.RawBlock{
		Header:       h,
		BlockHash:    b.BlockHash,
		Transactions: b.transactions(),
		Receipts:     b.receipts(),
		StateDiff:    diff,
	}, nil
}

func (su *stateUpdateWithBlock) toRawPendingBlock() (*types.RawPendingBlock, error) {
	b := &su.Block
	h, err := b.header()
	if err != nil {
		return nil, err
	}
	diff, err := su.StateUpdate.StateDiff.toStateDiff()
	if err != nil {
		return nil, err
	}
	return &types.RawPendingBlock{
		Header: types.PendingHeader{
			ParentBlockHash:  h.ParentBlockHash,
			SequencerAddress: h.SequencerAddress,
			BlockTimestamp:   h.BlockTimestamp,
			ProtocolVersion:  h.ProtocolVersion,
			L1GasPrice:       h.L1GasPrice,
			L1DAMode:         h.L1DAMode,
		},
		Transactions: b.transactions(),
		Receipts:     b.receipts(),
		StateDiff:    diff,
	}, nil
}

func (b *block) header() (types.Header, error) {
	var (
		prices types.GasPrices
		err    error
	)
	for _, p := range []struct {
		dst *uint256.Int
		src string
	}{
		{&prices.EthL1GasPrice, b.L1GasPrice.PriceInWei},
		{&prices.StrkL1GasPrice, b.L1GasPrice.PriceInFri},
		{&prices.EthL1DataGasPrice, b.L1DataGasPrice.PriceInWei},
		{&prices.StrkL1DataGasPrice, b.L1DataGasPrice.PriceInFri},
	} {
		if err = parsePrice(p.dst, p.src); err != nil {
			return types.Header{}, err
		}
	}

	var mode types.L1DAMode
	switch b.L1DAMode {
	case "", "CALLDATA":
		mode = types.L1DAModeCalldata
	case "BLOB":
		mode = types.L1DAModeBlob
	default:
		return types.Header{}, fmt.Errorf("unknown l1_da_mode %q", b.L1DAMode)
	}

	var blockN uint64
	if b.BlockNumber != nil {
		blockN = *b.BlockNumber
	}
	return types.Header{
		ParentBlockHash:       b.ParentBlockHash,
		BlockNumber:           blockN,
		GlobalStateRoot:       b.StateRoot,
		SequencerAddress:      b.SequencerAddress,
		BlockTimestamp:        b.Timestamp,
		TransactionCount:      uint64(len(b.Transactions)),
		TransactionCommitment: b.TransactionCommitment,
		EventCommitment:       b.EventCommitment,
		StateDiffLength:       b.StateDiffLength,
		StateDiffCommitment:   b.StateDiffCommitment,
		ReceiptCommitment:     b.ReceiptCommitment,
		ProtocolVersion:       b.StarknetVersion,
		L1GasPrice:            prices,
		L1DAMode:              mode,
	}, nil
}

func parsePrice(dst *uint256.Int, s string) error {
	if s == "" {
		dst.Clear()
		return nil
	}
	f, err := types.FeltFromHex(s)
	if err != nil {
		return fmt.Errorf("invalid gas price %q: %w", s, err)
	}
	dst.SetBytes32(f[:])
	return nil
}

func txType(s string) types.TxType {
	switch s {
	case "INVOKE_FUNCTION":
		return types.TxTypeInvoke
	default:
		return types.TxType(s)
	}
}

func (b *block) transactions() []types.Transaction {
	txs := make([]types.Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		sender := tx.SenderAddress
		if sender.IsZero() {
			sender = tx.ContractAddress
		}
		txs[i] = types.Transaction{
			Hash:          tx.TransactionHash,
			Type:          txType(tx.Type),
			Version:       tx.Version,
			SenderAddress: sender,
			Nonce:         tx.Nonce,
			MaxFee:        tx.MaxFee,
			Calldata:      tx.Calldata,
			Signature:     tx.Signature,
		}
	}
	return txs
}

func (b *block) receipts() []types.Receipt {
	receipts := make([]types.Receipt, len(b.Receipts))
	for i, r := range b.Receipts {
		events := make([]types.Event, len(r.Events))
		for j, ev := range r.Events {
			events[j] = types.Event{FromAddress: ev.FromAddress, Keys: ev.Keys, Data: ev.Data}
		}
		receipts[i] = types.Receipt{
			TransactionHash: r.TransactionHash,
			ActualFee:       r.ActualFee,
			ExecutionStatus: r.ExecutionStatus,
			Events:          events,
		}
	}
	return receipts
}

func byAddress[T any](address func(T) types.Felt) func(a, b T) int {
	return func(a, b T) int {
		x, y := address(a), address(b)
		return bytes.Compare(x[:], y[:])
	}
}

// toStateDiff converts the feeder's address-keyed maps into lists sorted by
// address.
func (sd *stateDiff) toStateDiff() (types.StateDiff, error) {
	var diff types.StateDiff

	for addr, entries := range sd.StorageDiffs {
		address, err := types.FeltFromHex(addr)
		if err != nil {
			return diff, fmt.Errorf("invalid storage diff address %q: %w", addr, err)
		}
		csd := types.ContractStorageDiff{Address: address}
		for _, e := range entries {
			csd.StorageEntries = append(csd.StorageEntries, types.StorageEntry{Key: e.Key, Value: e.Value})
		}
		diff.StorageDiffs = append(diff.StorageDiffs, csd)
	}
	slices.SortFunc(diff.StorageDiffs, byAddress(func(d types.ContractStorageDiff) types.Felt { return d.Address }))

	for addr, nonce := range sd.Nonces {
		address, err := types.FeltFromHex(addr)
		if err != nil {
			return diff, fmt.Errorf("invalid nonce address %q: %w", addr, err)
		}
		diff.Nonces = append(diff.Nonces, types.NonceUpdate{ContractAddress: address, Nonce: nonce})
	}
	slices.SortFunc(diff.Nonces, byAddress(func(n types.NonceUpdate) types.Felt { return n.ContractAddress }))

	for _, d := range sd.DeployedContracts {
		diff.DeployedContracts = append(diff.DeployedContracts, types.DeployedContract{Address: d.Address, ClassHash: d.ClassHash})
	}
	for _, r := range sd.ReplacedClasses {
		diff.ReplacedClasses = append(diff.ReplacedClasses, types.ReplacedClass{ContractAddress: r.Address, ClassHash: r.ClassHash})
	}
	for _, d := range sd.DeclaredClasses {
		diff.DeclaredClasses = append(diff.DeclaredClasses, types.DeclaredClass{ClassHash: d.ClassHash, CompiledClassHash: d.CompiledClassHash})
	}
	diff.DeprecatedDeclaredClasses = sd.OldDeclaredContracts

	return diff, nil
}
