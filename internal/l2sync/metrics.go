package l2sync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "l2sync"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of imported blocks.
	BlocksImported metrics.Counter
	// Number of the last imported block.
	LatestBlock metrics.Gauge
	// Time spent verifying and committing a block.
	BlockImportSeconds metrics.Histogram
	// Number of block requests retried after a transient error.
	FetchRetries metrics.Counter
	// Number of successful pending block refreshes.
	PendingRefreshes metrics.Counter
	// Number of failed pending block refreshes.
	PendingErrors metrics.Counter
	// Time spent taking a backup.
	BackupSeconds metrics.Histogram
	// Number of failed backups.
	BackupErrors metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		BlocksImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_imported",
			Help:      "Number of imported blocks.",
		}, labels).With(labelsAndValues...),
		LatestBlock: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "latest_block",
			Help:      "Number of the last imported block.",
		}, labels).With(labelsAndValues...),
		BlockImportSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_import_seconds",
			Help:      "Time spent verifying and committing a block.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 14),
		}, labels).With(labelsAndValues...),
		FetchRetries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fetch_retries",
			Help:      "Number of block requests retried after a transient error.",
		}, labels).With(labelsAndValues...),
		PendingRefreshes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_refreshes",
			Help:      "Number of successful pending block refreshes.",
		}, labels).With(labelsAndValues...),
		PendingErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_errors",
			Help:      "Number of failed pending block refreshes.",
		}, labels).With(labelsAndValues...),
		BackupSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "backup_seconds",
			Help:      "Time spent taking a backup.",
			Buckets:   stdprometheus.ExponentialBuckets(0.1, 2, 12),
		}, labels).With(labelsAndValues...),
		BackupErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "backup_errors",
			Help:      "Number of failed backups.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BlocksImported:     discard.NewCounter(),
		LatestBlock:        discard.NewGauge(),
		BlockImportSeconds: discard.NewHistogram(),
		FetchRetries:       discard.NewCounter(),
		PendingRefreshes:   discard.NewCounter(),
		PendingErrors:      discard.NewCounter(),
		BackupSeconds:      discard.NewHistogram(),
		BackupErrors:       discard.NewCounter(),
	}
}
