package store

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/orderedcode"
	lru "github.com/hashicorp/golang-lru/v2"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/types"
)

/*
Store is the node's block and contract state storage, layered over a single
ordered key-value database.

There are two groups of records:
  - Blocks:    block info (header, hash, tx hashes), body, state diff, a
    hash -> number index and the chain tip, keyed by block number.
  - Contracts: the history of contract class hashes, nonces and storage
    slots, keyed entity || big-endian uint32 block number, plus an
    unversioned pending overlay keyed by the entity alone.

History lookups at block N seek to the greatest key <= entity || N with a
reverse iterator bounded below by the entity itself. Entity widths are fixed
per column (32 bytes for contract addresses, 64 for address || slot) so a scan
can never land on another entity's records.

Confirmed writes happen from a single goroutine (the sync commit stage).
Pending writes may run concurrently with them; they touch disjoint columns.
*/
type Store struct {
	db     dbm.DB
	logger log.Logger

	writeParallelism int
	infoCache        *lru.Cache[uint64, *types.BlockInfo]

	tipMtx sync.RWMutex
	tip    *ChainTip

	// serializes pending overlay writers against each other and against the
	// tip moving
	pendingMtx sync.Mutex
}

// ChainTip is the last durably committed block.
type ChainTip struct {
	BlockN    uint64
	BlockHash types.Felt
	StateRoot types.Felt
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithWriteParallelism bounds the number of history chunks written at once.
func WithWriteParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.writeParallelism = n
		}
	}
}

const defaultBlockInfoCacheSize = 1024

// NewStore returns a Store over db, initialized to the chain tip recorded in
// it.
func NewStore(db dbm.DB, opts ...Option) (*Store, error) {
	cache, err := lru.New[uint64, *types.BlockInfo](defaultBlockInfoCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:               db,
		logger:           log.NewNopLogger(),
		writeParallelism: runtime.GOMAXPROCS(0),
		infoCache:        cache,
	}
	for _, opt := range opts {
		opt(s)
	}

	tip, err := s.loadChainTip()
	if err != nil {
		return nil, err
	}
	s.tip = tip

	return s, nil
}

// ChainTip returns the last committed block, if any.
func (s *Store) ChainTip() (ChainTip, bool) {
	s.tipMtx.RLock()
	defer s.tipMtx.RUnlock()

	if s.tip == nil {
		return ChainTip{}, false
	}
	return *s.tip, true
}

// LatestBlockN returns the number of the last committed block.
func (s *Store) LatestBlockN() (uint64, bool) {
	tip, ok := s.ChainTip()
	return tip.BlockN, ok
}

// LatestBlockHash returns the hash of the last committed block.
func (s *Store) LatestBlockHash() (types.Felt, bool) {
	tip, ok := s.ChainTip()
	return tip.BlockHash, ok
}

func (s *Store) setChainTip(tip ChainTip) {
	s.tipMtx.Lock()
	s.tip = &tip
	s.tipMtx.Unlock()
}

func (s *Store) loadChainTip() (*ChainTip, error) {
	bz, err := s.db.Get(chainTipKey())
	if err != nil {
		return nil, fmt.Errorf("loading chain tip: %w", err)
	}
	if len(bz) == 0 {
		return nil, nil
	}

	var tip ChainTip
	if err := decodeRecord(bz, &tip); err != nil {
		return nil, ErrCorrupted{Column: "chain_tip", Key: chainTipKey(), Err: err}
	}
	return &tip, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixBlockInfo      = int64(0)
	prefixBlockInner     = int64(1)
	prefixStateDiff      = int64(2)
	prefixBlockHash      = int64(3)
	prefixChainTip       = int64(4)
	prefixPendingBlock   = int64(5)
	prefixClassHistory   = int64(6)
	prefixNonceHistory   = int64(7)
	prefixStorageHistory = int64(8)
	prefixPendingClass   = int64(9)
	prefixPendingNonce   = int64(10)
	prefixPendingStorage = int64(11)
)

// pending block record suffixes
const (
	pendingInfoKey  = "info"
	pendingInnerKey = "inner"
	pendingDiffKey  = "state_diff"
)

func blockNumberKey(prefix int64, blockN uint64) []byte {
	key, err := orderedcode.Append(nil, prefix, blockN)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeBlockNumberKey(prefix int64, key []byte) (uint64, error) {
	var (
		gotPrefix int64
		blockN    uint64
	)
	remaining, err := orderedcode.Parse(string(key), &gotPrefix, &blockN)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if gotPrefix != prefix {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefix, gotPrefix)
	}
	return blockN, nil
}

func blockInfoKey(blockN uint64) []byte  { return blockNumberKey(prefixBlockInfo, blockN) }
func blockInnerKey(blockN uint64) []byte { return blockNumberKey(prefixBlockInner, blockN) }
func stateDiffKey(blockN uint64) []byte  { return blockNumberKey(prefixStateDiff, blockN) }

func blockHashKey(hash types.Felt) []byte {
	key, err := orderedcode.Append(nil, prefixBlockHash, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func chainTipKey() []byte {
	key, err := orderedcode.Append(nil, prefixChainTip)
	if err != nil {
		panic(err)
	}
	return key
}

func pendingBlockKey(suffix string) []byte {
	key, err := orderedcode.Append(nil, prefixPendingBlock, suffix)
	if err != nil {
		panic(err)
	}
	return key
}

func prefixKey(prefix int64) []byte {
	key, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	return key
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
