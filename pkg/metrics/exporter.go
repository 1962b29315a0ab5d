// Prometheus metrics exporter
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter provides Prometheus metrics for the pool and the ingress API.
type Exporter struct {
	port   int
	server *http.Server

	// Metrics
	ChainEventsEmitted *prometheus.CounterVec
	IngressLatency     *prometheus.HistogramVec
	ForksTracked       prometheus.Gauge
	OrphansPending     prometheus.Gauge
	CanonicalHeight    prometheus.Gauge
	BlocksConfirmed    prometheus.Counter
	RateLimitExceeded  *prometheus.CounterVec
}

// NewExporter creates a new Prometheus exporter.
func NewExporter(port int) *Exporter {
	e := &Exporter{
		port: port,
		ChainEventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhookd_chain_events_total",
				Help: "Total chain events emitted by kind",
			},
			[]string{"kind"},
		),
		IngressLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainhookd_ingress_duration_ms",
				Help:    "Ingress request handling duration in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"route"},
		),
		ForksTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhookd_forks_tracked",
				Help: "Number of competing Stacks anchor-block forks currently tracked",
			},
		),
		OrphansPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhookd_orphans_pending",
				Help: "Number of blocks queued awaiting their parent",
			},
		),
		CanonicalHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhookd_canonical_height",
				Help: "Height of the current canonical Stacks tip",
			},
		),
		BlocksConfirmed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainhookd_blocks_confirmed_total",
				Help: "Total blocks moved past the reorg window and confirmed",
			},
		),
		RateLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhookd_rate_limit_exceeded_total",
				Help: "Total rate limit exceeded events",
			},
			[]string{"type"},
		),
	}

	// Register metrics
	prometheus.MustRegister(
		e.ChainEventsEmitted,
		e.IngressLatency,
		e.ForksTracked,
		e.OrphansPending,
		e.CanonicalHeight,
		e.BlocksConfirmed,
		e.RateLimitExceeded,
	)

	return e
}

// Start starts the metrics HTTP server.
func (e *Exporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: mux,
	}

	return e.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}
