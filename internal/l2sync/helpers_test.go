package l2sync

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/internal/blockimport"
	"github.com/tendermint/starksync/internal/eventbus"
	"github.com/tendermint/starksync/internal/gateway"
	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/internal/test/factory"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/types"
)

// fakeProvider serves a growing chain from memory.
type fakeProvider struct {
	mtx          sync.Mutex
	blocks       []*types.RawBlock
	pending      *types.RawPendingBlock
	failures     map[uint64]int
	permanent    map[uint64]error
	delay        func(blockN uint64) time.Duration
	calls        map[uint64]int
	pendingCalls int
	onPending    func()
}

var _ gateway.Provider = (*fakeProvider)(nil)

func newFakeProvider(blocks []*types.RawBlock) *fakeProvider {
	return &fakeProvider{
		blocks:    blocks,
		failures:  make(map[uint64]int),
		permanent: make(map[uint64]error),
		calls:     make(map[uint64]int),
	}
}

func (p *fakeProvider) GetBlock(ctx context.Context, blockN uint64) (*types.RawBlock, error) {
	p.mtx.Lock()
	p.calls[blockN]++
	if err, ok := p.permanent[blockN]; ok {
		p.mtx.Unlock()
		return nil, err
	}
	if p.failures[blockN] > 0 {
		p.failures[blockN]--
		p.mtx.Unlock()
		return nil, &gateway.Error{StatusCode: 503, Message: "unavailable"}
	}
	if blockN >= uint64(len(p.blocks)) {
		p.mtx.Unlock()
		return nil, gateway.ErrBlockNotFound
	}
	block := p.blocks[blockN]
	var delay time.Duration
	if p.delay != nil {
		delay = p.delay(blockN)
	}
	p.mtx.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return block, nil
}

func (p *fakeProvider) GetPendingBlock(ctx context.Context) (*types.RawPendingBlock, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.pendingCalls++
	if p.onPending != nil {
		p.onPending()
	}
	return p.pending, nil
}

func (p *fakeProvider) extend(blocks ...*types.RawBlock) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.blocks = append(p.blocks, blocks...)
}

func (p *fakeProvider) setPending(pending *types.RawPendingBlock) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.pending = pending
}

func (p *fakeProvider) pendingRequests() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.pendingCalls
}

func randomDelays(seed int64, max time.Duration) func(uint64) time.Duration {
	rng := rand.New(rand.NewSource(seed))
	return func(uint64) time.Duration { return time.Duration(rng.Int63n(int64(max))) }
}

type testEnv struct {
	db       dbm.DB
	store    *store.Store
	importer *blockimport.BlockImporter
	chain    *factory.Chain
	blocks   []*types.RawBlock
	provider *fakeProvider
	bus      *eventbus.EventBus
}

func newTestEnv(t require.TestingT, nBlocks int) *testEnv {
	db := dbm.NewMemDB()
	st, err := store.NewStore(db)
	require.NoError(t, err)

	chain := factory.NewChain()
	blocks := chain.NextN(nBlocks)
	return &testEnv{
		db:       db,
		store:    st,
		importer: blockimport.NewBlockImporter(st, log.TestingLogger()),
		chain:    chain,
		blocks:   blocks,
		provider: newFakeProvider(blocks),
		bus:      eventbus.NewDefault(log.TestingLogger()),
	}
}

func testSyncConfig() *config.SyncConfig {
	cfg := config.TestSyncConfig()
	cfg.StopOnSync = true
	return cfg
}

func (e *testEnv) syncer(cfg *config.SyncConfig, opts ...SyncerOption) *Syncer {
	opts = append([]SyncerOption{
		WithLogger(log.TestingLogger()),
		WithEventBus(e.bus),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	return NewSyncer(cfg, e.store, e.importer, e.provider, factory.ChainID, opts...)
}

func (e *testEnv) subscribe(t *testing.T, events ...eventbus.EventType) *eventbus.Subscription {
	t.Helper()
	sub, err := e.bus.Subscribe(context.Background(), eventbus.SubscribeArgs{
		ClientID: t.Name(),
		Events:   events,
		Limit:    10_000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.bus.Unsubscribe(sub.ID()) })
	return sub
}

// drain returns the messages buffered in sub.
func drain(sub *eventbus.Subscription) []eventbus.EventData {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []eventbus.EventData
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return events
		}
		events = append(events, msg.Data())
	}
}

func importedNumbers(events []eventbus.EventData) []uint64 {
	var numbers []uint64
	for _, ev := range events {
		if imported, ok := ev.(eventbus.EventDataBlockImported); ok {
			numbers = append(numbers, imported.BlockN)
		}
	}
	return numbers
}

func sequence(from, to uint64) []uint64 {
	var s []uint64
	for n := from; n <= to; n++ {
		s = append(s, n)
	}
	return s
}

// delayingConverter holds each conversion for delay(blockN) before
// pre-validating with the importer, and records the order they complete in.
type delayingConverter struct {
	next  Converter
	delay func(blockN uint64) time.Duration

	mtx         sync.Mutex
	inflight    int
	maxInflight int
	completed   []uint64
}

func (c *delayingConverter) PreValidate(
	ctx context.Context,
	raw *types.RawBlock,
	vctx blockimport.ValidationContext,
) (*blockimport.PreValidatedBlock, error) {
	c.mtx.Lock()
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	c.mtx.Unlock()

	defer func() {
		c.mtx.Lock()
		c.inflight--
		c.completed = append(c.completed, raw.Header.BlockNumber)
		c.mtx.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.delay(raw.Header.BlockNumber)):
	}
	return c.next.PreValidate(ctx, raw, vctx)
}

func (c *delayingConverter) completionOrder() []uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]uint64(nil), c.completed...)
}
