// Package metrics exposes Prometheus metrics for a load run.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "surge"

// Metrics holds all Prometheus metrics of a run. Each instance owns its
// registry so several runs can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	TransactionsTotal     prometheus.Counter
	TransactionsConfirmed prometheus.Counter
	TransactionsFailed    prometheus.Counter
	TransactionLatency    prometheus.Histogram
	NonceResyncs          prometheus.Counter
	ActiveWorkers         prometheus.Gauge

	// Funding metrics
	BatchesTotal prometheus.Counter
	BatchSize    prometheus.Histogram
	BatchLatency prometheus.Histogram

	RunInfo *prometheus.GaugeVec
}

// NewMetrics creates metrics registered on a fresh registry and tags them
// with runID.
func NewMetrics(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		TransactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_total",
			Help:      "Total number of load transfers that reached a terminal state",
		}),
		TransactionsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_confirmed_total",
			Help:      "Total number of load transfers confirmed on the ledger",
		}),
		TransactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_failed_total",
			Help:      "Total number of load transfers that failed or reverted",
		}),
		TransactionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "transaction_latency_seconds",
			Help:      "Broadcast to receipt latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16, 32, 64},
		}),
		NonceResyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nonce_resyncs_total",
			Help:      "Number of nonce resyncs after a sequence conflict",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_workers",
			Help:      "Number of send loops currently running",
		}),
		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "funding_batches_total",
			Help:      "Total number of funding batches completed",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "funding_batch_size",
			Help:      "Number of transfers per funding batch",
			Buckets:   []float64{1, 5, 10, 15, 20},
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "funding_batch_latency_seconds",
			Help:      "Funding batch latency in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		RunInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "run_info",
			Help:      "Constant 1, labelled with the run id",
		}, []string{"run_id"}),
	}
	m.RunInfo.WithLabelValues(runID).Set(1)
	return m
}

// Registry returns the registry every metric is registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordTransaction records the terminal state of a load transfer.
func (m *Metrics) RecordTransaction(success bool, latency time.Duration) {
	m.TransactionsTotal.Inc()
	if success {
		m.TransactionsConfirmed.Inc()
		m.TransactionLatency.Observe(latency.Seconds())
	} else {
		m.TransactionsFailed.Inc()
	}
}

// RecordResync counts one nonce resync.
func (m *Metrics) RecordResync() { m.NonceResyncs.Inc() }

// AddActiveWorkers moves the active worker gauge by delta.
func (m *Metrics) AddActiveWorkers(delta int) { m.ActiveWorkers.Add(float64(delta)) }

// RecordBatch records a completed funding batch.
func (m *Metrics) RecordBatch(size int, duration time.Duration) {
	m.BatchesTotal.Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server runs an HTTP server exposing /metrics and /health.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server on addr for m.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// StartAsync binds the listener and serves in a goroutine. Bind errors are
// returned; serve errors after that are dropped.
func (s *Server) StartAsync() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		_ = s.server.Serve(ln)
	}()
	return ln.Addr(), nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
