package blockimport

import (
	"bytes"
	"slices"

	"golang.org/x/crypto/blake2b"

	"github.com/tendermint/starksync/types"
)

// HashFelts hashes the concatenation of elems with blake2b-256 and clears the
// top bits so the result is a 251-bit field element.
func HashFelts(elems ...types.Felt) types.Felt {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	for i := range elems {
		h.Write(elems[i][:])
	}

	var out types.Felt
	copy(out[:], h.Sum(nil))
	out[0] &= 0x07
	return out
}

// hashList commits to a length-prefixed list.
func hashList(elems []types.Felt) types.Felt {
	buf := make([]types.Felt, 0, len(elems)+1)
	buf = append(buf, types.FeltFromUint64(uint64(len(elems))))
	return HashFelts(append(buf, elems...)...)
}

// commitment is hashList, except that an empty list commits to zero.
func commitment(elems []types.Felt) types.Felt {
	if len(elems) == 0 {
		return types.ZeroFelt
	}
	return hashList(elems)
}

// shortStringFelt encodes s as a short string, truncated to 31 bytes.
func shortStringFelt(s string) types.Felt {
	if len(s) > types.FeltLength-1 {
		s = s[:types.FeltLength-1]
	}
	var f types.Felt
	copy(f[types.FeltLength-len(s):], s)
	return f
}

// TransactionHash computes the hash of tx on chainID. Signatures are not
// part of the hash.
func TransactionHash(tx *types.Transaction, chainID types.Felt) types.Felt {
	return HashFelts(
		shortStringFelt(string(tx.Type)),
		tx.Version,
		tx.SenderAddress,
		tx.Nonce,
		tx.MaxFee,
		hashList(tx.Calldata),
		chainID,
	)
}

// TransactionCommitment commits to the ordered transaction hashes.
func TransactionCommitment(txHashes []types.Felt) types.Felt {
	return commitment(txHashes)
}

// EventCommitment commits to every event of every receipt, in order, and
// returns the number of events.
func EventCommitment(receipts []types.Receipt) (types.Felt, uint64) {
	var hashes []types.Felt
	for _, r := range receipts {
		for _, ev := range r.Events {
			hashes = append(hashes, HashFelts(ev.FromAddress, hashList(ev.Keys), hashList(ev.Data)))
		}
	}
	return commitment(hashes), uint64(len(hashes))
}

// ReceiptCommitment commits to the ordered receipts.
func ReceiptCommitment(receipts []types.Receipt) types.Felt {
	hashes := make([]types.Felt, 0, len(receipts))
	for _, r := range receipts {
		hashes = append(hashes, HashFelts(
			r.TransactionHash,
			r.ActualFee,
			shortStringFelt(r.ExecutionStatus),
			types.FeltFromUint64(uint64(len(r.Events))),
		))
	}
	return commitment(hashes)
}

func compareFelts(a, b types.Felt) int { return bytes.Compare(a[:], b[:]) }

// StateDiffCommitment commits to a state diff independently of the order its
// entries were listed in.
func StateDiffCommitment(diff *types.StateDiff) types.Felt {
	if diff == nil || diff.Len() == 0 {
		return types.ZeroFelt
	}

	count := func(n int) types.Felt { return types.FeltFromUint64(uint64(n)) }
	var elems []types.Felt

	storage := slices.Clone(diff.StorageDiffs)
	slices.SortFunc(storage, func(a, b types.ContractStorageDiff) int { return compareFelts(a.Address, b.Address) })
	elems = append(elems, count(len(storage)))
	for _, sd := range storage {
		entries := slices.Clone(sd.StorageEntries)
		slices.SortFunc(entries, func(a, b types.StorageEntry) int { return compareFelts(a.Key, b.Key) })
		elems = append(elems, sd.Address, count(len(entries)))
		for _, e := range entries {
			elems = append(elems, e.Key, e.Value)
		}
	}

	deployed := slices.Clone(diff.DeployedContracts)
	slices.SortFunc(deployed, func(a, b types.DeployedContract) int { return compareFelts(a.Address, b.Address) })
	elems = append(elems, count(len(deployed)))
	for _, d := range deployed {
		elems = append(elems, d.Address, d.ClassHash)
	}

	replaced := slices.Clone(diff.ReplacedClasses)
	slices.SortFunc(replaced, func(a, b types.ReplacedClass) int { return compareFelts(a.ContractAddress, b.ContractAddress) })
	elems = append(elems, count(len(replaced)))
	for _, r := range replaced {
		elems = append(elems, r.ContractAddress, r.ClassHash)
	}

	nonces := slices.Clone(diff.Nonces)
	slices.SortFunc(nonces, func(a, b types.NonceUpdate) int { return compareFelts(a.ContractAddress, b.ContractAddress) })
	elems = append(elems, count(len(nonces)))
	for _, n := range nonces {
		elems = append(elems, n.ContractAddress, n.Nonce)
	}

	declared := slices.Clone(diff.DeclaredClasses)
	slices.SortFunc(declared, func(a, b types.DeclaredClass) int { return compareFelts(a.ClassHash, b.ClassHash) })
	elems = append(elems, count(len(declared)))
	for _, d := range declared {
		elems = append(elems, d.ClassHash, d.CompiledClassHash)
	}

	deprecated := slices.Clone(diff.DeprecatedDeclaredClasses)
	slices.SortFunc(deprecated, compareFelts)
	elems = append(elems, count(len(deprecated)))
	elems = append(elems, deprecated...)

	return HashFelts(elems...)
}

// GlobalStateRoot derives the state root after applying a diff with the
// given commitment on top of prevRoot.
func GlobalStateRoot(prevRoot, stateDiffCommitment types.Felt) types.Felt {
	return HashFelts(prevRoot, stateDiffCommitment)
}

// BlockHash computes the hash of a sealed header.
func BlockHash(h *types.Header) types.Felt {
	return HashFelts(
		types.FeltFromUint64(h.BlockNumber),
		h.GlobalStateRoot,
		h.SequencerAddress,
		types.FeltFromUint64(h.BlockTimestamp),
		types.FeltFromUint64(h.TransactionCount),
		h.TransactionCommitment,
		types.FeltFromUint64(h.EventCount),
		h.EventCommitment,
		types.FeltFromUint64(h.StateDiffLength),
		h.StateDiffCommitment,
		h.ReceiptCommitment,
		shortStringFelt(h.ProtocolVersion),
		h.ParentBlockHash,
	)
}
