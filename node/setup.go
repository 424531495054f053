package node

import (
	"context"
	"fmt"

	"github.com/tendermint/starksync/config"
	"github.com/tendermint/starksync/internal/eventbus"
	"github.com/tendermint/starksync/internal/gateway"
	"github.com/tendermint/starksync/internal/l2sync"
	"github.com/tendermint/starksync/internal/store"
	"github.com/tendermint/starksync/libs/log"
)

const dbName = "starksync"

// MetricsProvider returns the sync metrics for the given chain id.
type MetricsProvider func(chainID string) *l2sync.Metrics

// DefaultMetricsProvider returns Prometheus metrics when they are enabled in
// the [instrumentation] section, and no-op metrics otherwise.
func DefaultMetricsProvider(cfg *config.InstrumentationConfig) MetricsProvider {
	return func(chainID string) *l2sync.Metrics {
		if cfg.Prometheus {
			return l2sync.PrometheusMetrics(cfg.Namespace, "chain_id", chainID)
		}
		return l2sync.NopMetrics()
	}
}

// OpenStore opens the node database, restoring the latest backup first when
// configured to, and returns the store over it.
func OpenStore(ctx context.Context, conf *config.Config, dbProvider config.DBProvider, logger log.Logger) (*store.Store, error) {
	db, err := dbProvider(&config.DBContext{ID: dbName, Config: conf})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if conf.DB.RestoreFromLatestBackup {
		restored, err := store.RestoreFromLatestBackup(ctx, db, conf.DB.BackupPath())
		if err != nil {
			closeDB(db, logger)
			return nil, fmt.Errorf("restoring backup: %w", err)
		}
		logger.Info("checked for a backup to restore", "dir", conf.DB.BackupPath(), "restored", restored)
	}

	st, err := store.NewStore(db, store.WithLogger(logger.With("module", "store")))
	if err != nil {
		closeDB(db, logger)
		return nil, err
	}
	return st, nil
}

func createProvider(conf *config.SyncConfig, logger log.Logger) (gateway.Provider, error) {
	logger.Info("using feeder gateway", "url", conf.FeederGatewayURL, "gateway", conf.GatewayURL)
	client, err := gateway.NewClient(conf.FeederGatewayURL,
		gateway.WithAPIKey(conf.APIKey),
		gateway.WithRequestTimeout(conf.RequestTimeout),
		gateway.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func createAndStartEventBus(ctx context.Context, logger log.Logger) (*eventbus.EventBus, error) {
	eventBus := eventbus.NewDefault(logger.With("module", "events"))
	if err := eventBus.Start(ctx); err != nil {
		return nil, err
	}
	return eventBus, nil
}

// closeDB is used on construction failures, where the close error would
// hide the original one.
func closeDB(db interface{ Close() error }, logger log.Logger) {
	if err := db.Close(); err != nil {
		logger.Error("error closing database", "err", err)
	}
}
