package fetch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the fetcher. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	BlocksIngestedTotal prometheus.Counter
	FetchesTotal        *prometheus.CounterVec
	FetchDuration       prometheus.Histogram
	StreamTip           prometheus.Gauge
	FinalizedHead       prometheus.Gauge
}

// NewMetrics creates and registers the fetcher metrics on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "indexer"
	}
	factory := promauto.With(reg)

	return &Metrics{
		BlocksIngestedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "blocks_ingested_total",
			Help:      "Total number of blocks appended to the stream",
		}),
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Total number of upstream block fetches by outcome",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "request_duration_seconds",
			Help:      "Upstream fetch duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		StreamTip: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "stream_tip_height",
			Help:      "Highest height stored in the stream",
		}),
		FinalizedHead: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "finalized_head_height",
			Help:      "Latest finalized head observed on chain",
		}),
	}
}

func (m *Metrics) observeFetch(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		m.FetchDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) recordIngested(blocks int, tip uint32) {
	if m == nil {
		return
	}
	m.BlocksIngestedTotal.Add(float64(blocks))
	m.StreamTip.Set(float64(tip))
}

func (m *Metrics) setHead(head uint32) {
	if m == nil {
		return
	}
	m.FinalizedHead.Set(float64(head))
}
