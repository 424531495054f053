// Package l2sync imports blocks from a feeder gateway into the store.
//
// The pipeline has three stages connected by bounded channels:
//
//	fetch --(8)--> convert --(4)--> commit
//
// Fetching runs several requests at once and restores block order. Conversion
// pre-validates several blocks at once, also preserving order. Commit
// verifies and applies blocks one at a time and is the only writer of
// confirmed state. A fourth task keeps the pending block up to date once the
// pipeline has caught up with the upstream head.
package l2sync

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/internal/blockimport"
	"github.com/tendermint/starksync/internal/eventbus"
	"github.com/tendermint/starksync/internal/gateway"
	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/libs/service"
	"github.com/tendermint/starksync/types"
)

const (
	// fetch->convert is wider than convert->commit
	fetchedCapacity   = 8
	convertedCapacity = 4
)

// Converter pre-validates raw blocks for the commit stage. The Syncer uses
// its *blockimport.BlockImporter unless WithConverter says otherwise.
type Converter interface {
	PreValidate(ctx context.Context, raw *types.RawBlock, vctx blockimport.ValidationContext) (*blockimport.PreValidatedBlock, error)
}

// Syncer runs the sync pipeline as a service. It stops by itself when the
// pipeline fails or, with stop_on_sync, once synced; Done and Err report
// this.
type Syncer struct {
	service.BaseService
	logger log.Logger

	cfg        *config.SyncConfig
	store      *store.Store
	importer   *blockimport.BlockImporter
	converter  Converter
	provider   gateway.Provider
	eventBus   *eventbus.EventBus
	metrics    *Metrics
	backupDir  string
	newBackOff func() backoff.BackOff
	chainID    types.Felt

	// set up by Run
	vctx blockimport.ValidationContext

	cancel context.CancelFunc
	done   chan struct{}

	mtx     sync.Mutex
	cursor  *Cursor
	lastErr error
}

// SyncerOption sets an optional parameter on the Syncer.
type SyncerOption func(*Syncer)

func WithLogger(logger log.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

func WithMetrics(metrics *Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = metrics }
}

// WithEventBus publishes import notifications on bus.
func WithEventBus(bus *eventbus.EventBus) SyncerOption {
	return func(s *Syncer) { s.eventBus = bus }
}

// WithBackupDir enables the periodic backups into dir.
func WithBackupDir(dir string) SyncerOption {
	return func(s *Syncer) { s.backupDir = dir }
}

// WithConverter replaces the importer in the conversion stage. Blocks are
// still verified and applied by the importer.
func WithConverter(converter Converter) SyncerOption {
	return func(s *Syncer) { s.converter = converter }
}

// WithBackOff replaces the retry policy of block requests.
func WithBackOff(newBackOff func() backoff.BackOff) SyncerOption {
	return func(s *Syncer) { s.newBackOff = newBackOff }
}

// NewSyncer returns a Syncer importing blocks from provider on chainID.
func NewSyncer(
	cfg *config.SyncConfig,
	st *store.Store,
	importer *blockimport.BlockImporter,
	provider gateway.Provider,
	chainID types.Felt,
	opts ...SyncerOption,
) *Syncer {
	s := &Syncer{
		logger:     log.NewNopLogger(),
		cfg:        cfg,
		store:      st,
		importer:   importer,
		converter:  importer,
		provider:   provider,
		metrics:    NopMetrics(),
		newBackOff: defaultBackOff,
		chainID:    chainID,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BaseService = *service.NewBaseService(s.logger, "Syncer", s)
	return s
}

// OnStart runs the pipeline in the background.
func (s *Syncer) OnStart(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		if err := s.Run(ctx); err != nil {
			s.logger.Error("sync failed", "err", err)
			s.mtx.Lock()
			s.lastErr = err
			s.mtx.Unlock()
		}
	}()
	return nil
}

// OnStop cancels the pipeline and waits for it to exit.
func (s *Syncer) OnStop() {
	s.cancel()
	<-s.done
}

// Done is closed once the pipeline has exited.
func (s *Syncer) Done() <-chan struct{} { return s.done }

// Err returns the error the pipeline failed with, if any.
func (s *Syncer) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lastErr
}

// Cursor returns the progress of the running pipeline, or nil before Run.
func (s *Syncer) Cursor() *Cursor {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cursor
}

// Run runs the pipeline until ctx is cancelled, a stage fails, or the node
// is synced with stop_on_sync set. It returns after every stage has exited,
// with the first error encountered.
func (s *Syncer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first, forced := s.startingBlock()
	s.vctx = blockimport.ValidationContext{
		TrustGlobalTries: !s.cfg.Verify,
		ChainID:          s.chainID,
		IgnoreBlockOrder: s.cfg.IgnoreBlockOrder || forced,
	}
	cursor := newCursor(first)
	s.mtx.Lock()
	s.cursor = cursor
	s.mtx.Unlock()

	s.logger.Info("starting sync",
		"first_block", first,
		"n_blocks", s.cfg.NBlocksToSync,
		"verify", s.cfg.Verify,
		"stop_on_sync", s.cfg.StopOnSync)

	fetched := make(chan *types.RawBlock, fetchedCapacity)
	converted := make(chan *blockimport.PreValidatedBlock, convertedCapacity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.fetchStage(gctx, first, fetched) })
	g.Go(func() error { return s.convertStage(gctx, fetched, converted) })
	g.Go(func() error { return s.commitStage(gctx, converted, cancel) })
	g.Go(func() error { return s.pendingLoop(gctx) })
	return g.Wait()
}

// startingBlock returns the first block to fetch and whether it was forced
// by the operator.
func (s *Syncer) startingBlock() (uint64, bool) {
	if n, ok := s.cfg.StartingBlock(); ok {
		s.logger.Warn("forcing the starting block, block order checks are disabled", "block", n)
		return n, true
	}
	if n, ok := s.store.LatestBlockN(); ok {
		return n + 1, false
	}
	return 0, false
}

func (s *Syncer) publishError(stage string, err error) {
	if s.eventBus == nil {
		return
	}
	if perr := s.eventBus.PublishEventSyncError(eventbus.EventDataSyncError{
		Stage:   stage,
		Message: err.Error(),
	}); perr != nil {
		s.logger.Error("failed publishing sync error event", "err", perr)
	}
}
