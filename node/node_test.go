package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/internal/gateway"
	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/internal/test/factory"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/types"
)

type staticProvider struct {
	blocks []*types.RawBlock
	err    error
}

func (p *staticProvider) GetBlock(_ context.Context, blockN uint64) (*types.RawBlock, error) {
	if p.err != nil {
		return nil, p.err
	}
	if blockN >= uint64(len(p.blocks)) {
		return nil, gateway.ErrBlockNotFound
	}
	return p.blocks[blockN], nil
}

func (p *staticProvider) GetPendingBlock(context.Context) (*types.RawPendingBlock, error) {
	return nil, nil
}

func memDBProvider(db dbm.DB) config.DBProvider {
	return func(*config.DBContext) (dbm.DB, error) { return db, nil }
}

func testConfig(t *testing.T) *config.Config {
	conf := config.TestConfig().SetRoot(t.TempDir())
	conf.Sync.StopOnSync = true
	return conf
}

func waitQuit(t *testing.T, n *Node) {
	t.Helper()
	select {
	case <-n.Quit():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func requireTip(t *testing.T, db dbm.DB, blockN uint64) {
	t.Helper()
	st, err := store.NewStore(db)
	require.NoError(t, err)
	tip, ok := st.LatestBlockN()
	require.True(t, ok)
	require.Equal(t, blockN, tip)
}

func TestNodeSyncsAndStops(t *testing.T) {
	db := dbm.NewMemDB()
	provider := &staticProvider{blocks: factory.NewChain().NextN(5)}

	n, err := New(testConfig(t), log.TestingLogger(), WithDBProvider(memDBProvider(db)), WithProvider(provider))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	waitQuit(t, n)
	require.NoError(t, n.Err())
	requireTip(t, db, 4)
}

func TestNodeStopsOnSyncError(t *testing.T) {
	provider := &staticProvider{err: errors.New("upstream is gone")}

	n, err := New(testConfig(t), log.TestingLogger(),
		WithDBProvider(memDBProvider(dbm.NewMemDB())), WithProvider(provider))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	waitQuit(t, n)
	require.Error(t, n.Err())
	assert.Contains(t, n.Err().Error(), "upstream is gone")
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	db := dbm.NewMemDB()
	conf := testConfig(t)
	conf.Sync.StopOnSync = false
	provider := &staticProvider{blocks: factory.NewChain().NextN(3)}

	n, err := New(conf, log.TestingLogger(), WithDBProvider(memDBProvider(db)), WithProvider(provider))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	require.True(t, n.IsRunning())

	require.Eventually(t, func() bool {
		tip, ok := n.Store().LatestBlockN()
		return ok && tip == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	waitQuit(t, n)
	assert.NoError(t, n.Err())
	assert.False(t, n.IsRunning())
}

func TestNodeRestoresLatestBackup(t *testing.T) {
	conf := testConfig(t)
	conf.Sync.BackupEveryNBlocks = 2
	provider := &staticProvider{blocks: factory.NewChain().NextN(5)}

	n, err := New(conf, log.TestingLogger(), WithDBProvider(memDBProvider(dbm.NewMemDB())), WithProvider(provider))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	waitQuit(t, n)
	require.NoError(t, n.Err())

	// a fresh database is seeded from the backup of block 4, leaving
	// nothing to fetch
	conf.DB.RestoreFromLatestBackup = true
	conf.Sync.BackupEveryNBlocks = 0
	db := dbm.NewMemDB()
	n, err = New(conf, log.TestingLogger(), WithDBProvider(memDBProvider(db)), WithProvider(provider))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	waitQuit(t, n)
	require.NoError(t, n.Err())

	requireTip(t, db, 4)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	conf := testConfig(t)
	conf.DB.Backend = "rocksdb"

	_, err := New(conf, log.TestingLogger(), WithProvider(&staticProvider{}))
	require.Error(t, err)
}

func TestNewDefaultCreatesGatewayClient(t *testing.T) {
	conf := testConfig(t)
	conf.Sync.FeederGatewayURL = "ftp://example.com"
	_, err := NewDefault(conf, log.TestingLogger())
	require.Error(t, err)

	conf.Sync.FeederGatewayURL = "http://127.0.0.1:1/feeder_gateway"
	n, err := NewDefault(conf, log.TestingLogger())
	require.NoError(t, err)
	assert.IsType(t, &gateway.Client{}, n.provider)
}
