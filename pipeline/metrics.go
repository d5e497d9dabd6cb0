package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chainscope/indexer-go/internal/errs"
)

// Metrics holds the Prometheus metrics shared by all consumer runtimes.
// A nil *Metrics is valid and records nothing, which keeps tests quiet.
type Metrics struct {
	BatchesTotal     *prometheus.CounterVec
	BlocksTotal      *prometheus.CounterVec
	ItemsTotal       *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	CheckpointHeight *prometheus.GaugeVec
	StreamLag        *prometheus.GaugeVec
	BatchDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline metrics on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "indexer"
	}
	factory := promauto.With(reg)

	return &Metrics{
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Total number of batches committed",
		}, []string{"consumer"}),
		BlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "blocks_total",
			Help:      "Total number of blocks processed",
		}, []string{"consumer"}),
		ItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "items_total",
			Help:      "Total number of projection items produced",
		}, []string{"consumer"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_failures_total",
			Help:      "Total number of failed batch attempts by error kind",
		}, []string{"consumer", "kind"}),
		CheckpointHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "checkpoint_height",
			Help:      "Last committed checkpoint height",
		}, []string{"consumer"}),
		StreamLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stream_lag_blocks",
			Help:      "Blocks between the stream tip and the consumer checkpoint",
		}, []string{"consumer"}),
		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Batch processing duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"consumer"}),
	}
}

func (m *Metrics) recordBatch(consumer string, blocks, items int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(consumer).Inc()
	m.BlocksTotal.WithLabelValues(consumer).Add(float64(blocks))
	m.ItemsTotal.WithLabelValues(consumer).Add(float64(items))
	m.BatchDuration.WithLabelValues(consumer).Observe(elapsed.Seconds())
}

func (m *Metrics) recordFailure(consumer string, kind errs.Kind) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(consumer, kind.String()).Inc()
}

func (m *Metrics) setCheckpoint(consumer string, height uint32) {
	if m == nil {
		return
	}
	m.CheckpointHeight.WithLabelValues(consumer).Set(float64(height))
}

func (m *Metrics) setLag(consumer string, lag uint32) {
	if m == nil {
		return
	}
	m.StreamLag.WithLabelValues(consumer).Set(float64(lag))
}
