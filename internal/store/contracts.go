package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tendermint/starksync/types"
)

// ContractKind selects one of the three versioned contract records.
type ContractKind uint8

const (
	ClassHashKind ContractKind = iota
	NonceKind
	StorageKind
)

func (k ContractKind) String() string {
	switch k {
	case ClassHashKind:
		return "class_hash"
	case NonceKind:
		return "nonce"
	case StorageKind:
		return "storage"
	default:
		return fmt.Sprintf("ContractKind(%d)", uint8(k))
	}
}

const (
	// ContractEntityLen is the width of class hash and nonce entity keys.
	ContractEntityLen = types.FeltLength
	// StorageEntityLen is the width of storage entity keys: address || slot.
	StorageEntityLen = 2 * types.FeltLength

	// updates are written in chunks of this size, one batch per chunk
	updatesBatchSize = 1024

	// keys deleted per batch when clearing a key range
	deleteBatchSize = 1000
)

type contractColumn struct {
	kind      ContractKind
	entityLen int
	history   []byte
	pending   []byte
}

var contractColumns = [...]contractColumn{
	ClassHashKind: {ClassHashKind, ContractEntityLen, prefixKey(prefixClassHistory), prefixKey(prefixPendingClass)},
	NonceKind:     {NonceKind, ContractEntityLen, prefixKey(prefixNonceHistory), prefixKey(prefixPendingNonce)},
	StorageKind:   {StorageKind, StorageEntityLen, prefixKey(prefixStorageHistory), prefixKey(prefixPendingStorage)},
}

func columnFor(kind ContractKind, entity []byte) (contractColumn, error) {
	if int(kind) >= len(contractColumns) {
		return contractColumn{}, fmt.Errorf("unknown contract kind %d", kind)
	}
	col := contractColumns[kind]
	if len(entity) != col.entityLen {
		return col, fmt.Errorf("%w: %s key must be %d bytes, got %d", ErrInvalidEntityKey, kind, col.entityLen, len(entity))
	}
	return col, nil
}

func (c contractColumn) entityKey(entity []byte) []byte {
	key := make([]byte, 0, len(c.history)+len(entity)+4)
	key = append(key, c.history...)
	return append(key, entity...)
}

func (c contractColumn) historyKey(entity []byte, blockN uint32) []byte {
	key := c.entityKey(entity)
	return binary.BigEndian.AppendUint32(key, blockN)
}

func (c contractColumn) pendingKey(entity []byte) []byte {
	key := make([]byte, 0, len(c.pending)+len(entity))
	key = append(key, c.pending...)
	return append(key, entity...)
}

// StorageEntity returns the storage entity key of a contract slot.
func StorageEntity(address, slot types.Felt) []byte {
	entity := make([]byte, 0, StorageEntityLen)
	entity = append(entity, address[:]...)
	return append(entity, slot[:]...)
}

func checkBlockNumber(blockN uint64) (uint32, error) {
	if blockN > types.MaxBlockNumber {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBlockNumber, blockN)
	}
	return uint32(blockN), nil
}

type contractUpdate struct {
	entity []byte
	value  types.Felt
}

// contractUpdates splits a state diff into per-kind updates. When an entity
// is updated more than once in the same diff the last update wins.
func contractUpdates(diff *types.StateDiff) [3][]contractUpdate {
	var ups [3][]contractUpdate
	if diff == nil {
		return ups
	}

	for _, c := range diff.ClassHashUpdates() {
		ups[ClassHashKind] = append(ups[ClassHashKind], contractUpdate{entity: c.Address.Bytes(), value: c.ClassHash})
	}
	for _, n := range diff.Nonces {
		ups[NonceKind] = append(ups[NonceKind], contractUpdate{entity: n.ContractAddress.Bytes(), value: n.Nonce})
	}
	for _, sd := range diff.StorageDiffs {
		for _, e := range sd.StorageEntries {
			ups[StorageKind] = append(ups[StorageKind], contractUpdate{entity: StorageEntity(sd.Address, e.Key), value: e.Value})
		}
	}

	for i := range ups {
		ups[i] = dedupUpdates(ups[i])
	}
	return ups
}

func dedupUpdates(ups []contractUpdate) []contractUpdate {
	last := make(map[string]int, len(ups))
	for i, u := range ups {
		last[string(u.entity)] = i
	}
	if len(last) == len(ups) {
		return ups
	}

	out := ups[:0:0]
	for i, u := range ups {
		if last[string(u.entity)] == i {
			out = append(out, u)
		}
	}
	return out
}

// ApplyBlock records the contract updates of block blockN in the history
// columns. Updates are written in parallel chunks without fsync; the block
// only becomes visible to "latest" queries once StoreBlock durably moves the
// chain tip. Re-applying the same block is idempotent.
func (s *Store) ApplyBlock(ctx context.Context, blockN uint64, diff *types.StateDiff) error {
	n, err := checkBlockNumber(blockN)
	if err != nil {
		return err
	}

	ups := contractUpdates(diff)
	return s.writeChunks(ctx, ups, func(col contractColumn, entity []byte) []byte {
		return col.historyKey(entity, n)
	})
}

// ApplyPending writes the contract updates of the pending block to the
// overlay columns, overwriting previous values.
func (s *Store) ApplyPending(ctx context.Context, diff *types.StateDiff) error {
	s.pendingMtx.Lock()
	defer s.pendingMtx.Unlock()

	return s.applyPendingLocked(ctx, diff)
}

func (s *Store) applyPendingLocked(ctx context.Context, diff *types.StateDiff) error {
	ups := contractUpdates(diff)
	return s.writeChunks(ctx, ups, func(col contractColumn, entity []byte) []byte {
		return col.pendingKey(entity)
	})
}

func (s *Store) writeChunks(
	ctx context.Context,
	ups [3][]contractUpdate,
	keyFn func(col contractColumn, entity []byte) []byte,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.writeParallelism)

	for kind, kindUps := range ups {
		col := contractColumns[kind]
		for start := 0; start < len(kindUps); start += updatesBatchSize {
			// cancellation is checked between batches, never inside one
			if err := gctx.Err(); err != nil {
				break
			}

			chunk := kindUps[start:min(start+updatesBatchSize, len(kindUps))]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				batch := s.db.NewBatch()
				defer batch.Close()

				for _, u := range chunk {
					if err := batch.Set(keyFn(col, u.entity), u.value.Bytes()); err != nil {
						return fmt.Errorf("writing %s update: %w", col.kind, err)
					}
				}
				return batch.Write()
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// a cancelled parent may have stopped the loop before any chunk failed
	return ctx.Err()
}

// ClearPending deletes the whole pending overlay and the pending block
// record. It runs at startup so a previous session's pending state is never
// served.
func (s *Store) ClearPending(ctx context.Context) error {
	s.pendingMtx.Lock()
	defer s.pendingMtx.Unlock()

	return s.clearPendingLocked(ctx)
}

func (s *Store) clearPendingLocked(ctx context.Context) error {
	prefixes := [][]byte{
		contractColumns[ClassHashKind].pending,
		contractColumns[NonceKind].pending,
		contractColumns[StorageKind].pending,
		prefixKey(prefixPendingBlock),
	}
	for _, prefix := range prefixes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.deleteRange(prefix, prefixEnd(prefix)); err != nil {
			return fmt.Errorf("clearing pending: %w", err)
		}
	}
	return nil
}

// deleteRange deletes every key in [start, end) in batches of at most
// deleteBatchSize keys. The iterator is closed before each batch is written.
func (s *Store) deleteRange(start, end []byte) (uint64, error) {
	var total uint64
	for {
		keys, err := s.collectKeys(start, end, deleteBatchSize)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}

		batch := s.db.NewBatch()
		for _, k := range keys {
			if err := batch.Delete(k); err != nil {
				batch.Close()
				return total, err
			}
		}
		if err := batch.Write(); err != nil {
			batch.Close()
			return total, err
		}
		if err := batch.Close(); err != nil {
			return total, err
		}
		total += uint64(len(keys))

		if len(keys) < deleteBatchSize {
			return total, nil
		}
		// resume right after the last deleted key
		start = append(keys[len(keys)-1], 0x00)
	}
}

func (s *Store) collectKeys(start, end []byte, limit int) ([][]byte, error) {
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys [][]byte
	for ; iter.Valid() && len(keys) < limit; iter.Next() {
		keys = append(keys, bytes.Clone(iter.Key()))
	}
	return keys, iter.Error()
}

// GetAt returns the value of entity as of block blockN: the value recorded at
// the greatest block number <= blockN. It reads the history columns only and
// does not check blockN against the chain tip.
func (s *Store) GetAt(kind ContractKind, entity []byte, blockN uint64) (types.Felt, bool, error) {
	n, err := checkBlockNumber(blockN)
	if err != nil {
		return types.ZeroFelt, false, err
	}
	col, err := columnFor(kind, entity)
	if err != nil {
		return types.ZeroFelt, false, err
	}

	start := col.entityKey(entity)
	// the trailing zero makes the exclusive bound include entity || n itself
	end := append(col.historyKey(entity, n), 0x00)

	iter, err := s.db.ReverseIterator(start, end)
	if err != nil {
		return types.ZeroFelt, false, err
	}
	defer iter.Close()

	if !iter.Valid() {
		return types.ZeroFelt, false, iter.Error()
	}

	key := iter.Key()
	if len(key) != len(start)+4 || !bytes.HasPrefix(key, start) {
		return types.ZeroFelt, false, ErrCorrupted{Column: col.kind.String(), Key: key, Err: errors.New("history key outside of entity range")}
	}
	v, err := decodeFelt(iter.Value())
	if err != nil {
		return types.ZeroFelt, false, ErrCorrupted{Column: col.kind.String(), Key: key, Err: err}
	}
	return v, true, nil
}

// GetPending returns the overlay value of entity, without falling back to
// confirmed state.
func (s *Store) GetPending(kind ContractKind, entity []byte) (types.Felt, bool, error) {
	col, err := columnFor(kind, entity)
	if err != nil {
		return types.ZeroFelt, false, err
	}

	key := col.pendingKey(entity)
	bz, err := s.db.Get(key)
	if err != nil {
		return types.ZeroFelt, false, err
	}
	if bz == nil {
		return types.ZeroFelt, false, nil
	}
	v, err := decodeFelt(bz)
	if err != nil {
		return types.ZeroFelt, false, ErrCorrupted{Column: "pending_" + col.kind.String(), Key: key, Err: err}
	}
	return v, true, nil
}

// Get resolves id and returns the value of entity at that block. Pending
// reads consult the overlay first and fall back to the latest committed
// block. Blocks above the chain tip do not exist and yield no value.
func (s *Store) Get(kind ContractKind, entity []byte, id types.BlockID) (types.Felt, bool, error) {
	if id.IsPending() {
		v, ok, err := s.GetPending(kind, entity)
		if err != nil || ok {
			return v, ok, err
		}
		id = types.LatestBlockID
	}

	blockN, ok, err := s.resolveConfirmed(id)
	if err != nil || !ok {
		return types.ZeroFelt, false, err
	}
	return s.GetAt(kind, entity, blockN)
}

// ContractClassHash returns the class hash of a contract at id.
func (s *Store) ContractClassHash(id types.BlockID, address types.Felt) (types.Felt, bool, error) {
	return s.Get(ClassHashKind, address[:], id)
}

// ContractNonce returns the nonce of a contract at id.
func (s *Store) ContractNonce(id types.BlockID, address types.Felt) (types.Felt, bool, error) {
	return s.Get(NonceKind, address[:], id)
}

// ContractStorage returns the value of a storage slot at id.
func (s *Store) ContractStorage(id types.BlockID, address, key types.Felt) (types.Felt, bool, error) {
	return s.Get(StorageKind, StorageEntity(address, key), id)
}

// IsContractDeployed reports whether a contract has a class hash at id.
func (s *Store) IsContractDeployed(id types.BlockID, address types.Felt) (bool, error) {
	_, ok, err := s.ContractClassHash(id, address)
	return ok, err
}

func decodeFelt(bz []byte) (types.Felt, error) {
	if len(bz) != types.FeltLength {
		return types.ZeroFelt, fmt.Errorf("expected %d byte value, got %d", types.FeltLength, len(bz))
	}
	var f types.Felt
	copy(f[:], bz)
	return f, nil
}
