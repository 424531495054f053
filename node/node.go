package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/internal/blockimport"
	"github.com/tendermint/starksync/internal/eventbus"
	"github.com/tendermint/starksync/internal/gateway"
	"github.com/tendermint/starksync/internal/l2sync"
	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/libs/service"
)

// Node is the sync node: the store, the upstream provider and the sync
// pipeline, plus the optional Prometheus server. It stops by itself once the
// pipeline exits.
type Node struct {
	service.BaseService
	logger log.Logger

	config          *config.Config
	dbProvider      config.DBProvider
	metricsProvider MetricsProvider
	provider        gateway.Provider

	// set up by OnStart
	store         *store.Store
	eventBus      *eventbus.EventBus
	syncer        *l2sync.Syncer
	prometheusSrv *http.Server

	mtx sync.Mutex
	err error
}

// Option sets an optional parameter on the Node.
type Option func(*Node)

// WithDBProvider replaces config.DefaultDBProvider.
func WithDBProvider(dbProvider config.DBProvider) Option {
	return func(n *Node) { n.dbProvider = dbProvider }
}

// WithProvider replaces the feeder gateway client.
func WithProvider(provider gateway.Provider) Option {
	return func(n *Node) { n.provider = provider }
}

// WithMetricsProvider replaces DefaultMetricsProvider.
func WithMetricsProvider(metricsProvider MetricsProvider) Option {
	return func(n *Node) { n.metricsProvider = metricsProvider }
}

// New returns a node for conf. The configuration is validated here; the
// database is opened by Start.
func New(conf *config.Config, logger log.Logger, opts ...Option) (*Node, error) {
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		logger:          logger,
		config:          conf,
		dbProvider:      config.DefaultDBProvider,
		metricsProvider: DefaultMetricsProvider(conf.Instrumentation),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.provider == nil {
		provider, err := createProvider(conf.Sync, logger.With("module", "gateway"))
		if err != nil {
			return nil, err
		}
		n.provider = provider
	}

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// NewDefault returns a node for conf with the default database, metrics and
// upstream provider.
func NewDefault(conf *config.Config, logger log.Logger) (*Node, error) {
	return New(conf, logger)
}

// OnStart opens the store and starts the event bus, the sync pipeline and
// the Prometheus server if enabled.
func (n *Node) OnStart(ctx context.Context) error {
	chainID, err := n.config.ChainIDFelt()
	if err != nil {
		return fmt.Errorf("invalid chain_id: %w", err)
	}

	st, err := OpenStore(ctx, n.config, n.dbProvider, n.logger)
	if err != nil {
		return err
	}
	n.store = st
	if tip, ok := st.ChainTip(); ok {
		n.logger.Info("opened store", "latest_block", tip.BlockN, "hash", tip.BlockHash.Short())
	} else {
		n.logger.Info("opened empty store")
	}

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	n.eventBus, err = createAndStartEventBus(ctx, n.logger)
	if err != nil {
		n.cleanup()
		return err
	}

	syncOpts := []l2sync.SyncerOption{
		l2sync.WithLogger(n.logger.With("module", "sync")),
		l2sync.WithMetrics(n.metricsProvider(n.config.ChainID)),
		l2sync.WithEventBus(n.eventBus),
	}
	if n.config.Sync.BackupEveryNBlocks > 0 {
		syncOpts = append(syncOpts, l2sync.WithBackupDir(n.config.DB.BackupPath()))
	}
	importer := blockimport.NewBlockImporter(st, n.logger.With("module", "import"))
	n.syncer = l2sync.NewSyncer(n.config.Sync, st, importer, n.provider, chainID, syncOpts...)

	if err := n.syncer.Start(ctx); err != nil {
		n.cleanup()
		return err
	}

	go n.stopWhenSynced()
	return nil
}

// stopWhenSynced stops the node once the sync pipeline has exited on its own.
func (n *Node) stopWhenSynced() {
	select {
	case <-n.Quit():
		return
	case <-n.syncer.Done():
	}

	if err := n.syncer.Err(); err != nil {
		n.mtx.Lock()
		n.err = err
		n.mtx.Unlock()
		n.logger.Error("sync stopped, shutting down", "err", err)
	} else {
		n.logger.Info("sync finished, shutting down")
	}

	if err := n.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.logger.Error("error stopping node", "err", err)
	}
}

// OnStop stops the sync pipeline, then releases the event bus, the
// Prometheus server and the store.
func (n *Node) OnStop() {
	n.logger.Info("Stopping Node")

	if n.syncer != nil {
		if err := n.syncer.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			n.logger.Error("error stopping syncer", "err", err)
		}
		// the store must outlive the pipeline
		<-n.syncer.Done()
	}
	n.cleanup()
}

func (n *Node) cleanup() {
	if n.eventBus != nil {
		if err := n.eventBus.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			n.logger.Error("error stopping event bus", "err", err)
		}
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			// Error from closing listeners, or context timeout:
			n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Error("error closing store", "err", err)
		}
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// Err returns the error the sync pipeline failed with, if any.
func (n *Node) Err() error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.err
}

// Store returns the node store. It is nil before Start.
func (n *Node) Store() *store.Store { return n.store }

// EventBus returns the node event bus. It is nil before Start.
func (n *Node) EventBus() *eventbus.EventBus { return n.eventBus }

// Syncer returns the sync pipeline. It is nil before Start.
func (n *Node) Syncer() *l2sync.Syncer { return n.syncer }
