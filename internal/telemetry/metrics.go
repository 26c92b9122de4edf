// Package telemetry implements C9: counters, gauges, and the /health
// liveness predicate. Grounded on core/system_health_logging.go's
// HealthLogger (prometheus.Registry + typed Gauge/Counter fields,
// StartMetricsServer/ShutdownMetricsServer around net/http.Server),
// generalized from node-health metrics (height, peer count) to ingestion
// metrics (blocks/tx fetched, retries by kind, WS reconnects, lag).
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthCheck reports whether a dependency the /health predicate cares about
// is currently reachable.
type HealthCheck func(ctx context.Context) error

// Metrics owns every counter/gauge the ingestion engine exposes and the
// HTTP server that serves them plus /health.
type Metrics struct {
	registry *prometheus.Registry
	log      *logrus.Entry

	blocksFetched   prometheus.Counter
	txFetched       prometheus.Counter
	batchWrites     prometheus.Counter
	retriesByKind   *prometheus.CounterVec
	wsMessages      prometheus.Counter
	wsReconnects    prometheus.Counter
	deadLetterTotal prometheus.Counter

	highestContiguous prometheus.Gauge
	knownTip          prometheus.Gauge
	lag               prometheus.Gauge
	inFlightFetches   prometheus.Gauge
	openWSConns       prometheus.Gauge

	dbCheck   HealthCheck
	lagFinite atomic.Bool
}

// New constructs a Metrics registry. dbCheck is consulted by the /health
// handler; it should ping the database's read pool.
func New(dbCheck HealthCheck, log *logrus.Entry) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg, log: log, dbCheck: dbCheck}
	m.lagFinite.Store(true)

	m.blocksFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch_indexer_blocks_fetched_total", Help: "Blocks successfully fetched from upstream.",
	})
	m.txFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch_indexer_transactions_fetched_total", Help: "Transactions successfully fetched from upstream.",
	})
	m.batchWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch_indexer_batch_writes_total", Help: "Bulk writer batches committed.",
	})
	m.retriesByKind = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arch_indexer_retries_total", Help: "Retries, partitioned by error taxonomy kind.",
	}, []string{"kind"})
	m.wsMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch_indexer_ws_messages_total", Help: "WebSocket event messages received.",
	})
	m.wsReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch_indexer_ws_reconnects_total", Help: "WebSocket reconnect attempts.",
	})
	m.deadLetterTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arch_indexer_dead_letter_total", Help: "Heights recorded to the dead-letter set.",
	})

	m.highestContiguous = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arch_indexer_highest_contiguous", Help: "Highest height below which no gaps exist.",
	})
	m.knownTip = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arch_indexer_known_tip", Help: "Highest height observed from either ingestion path.",
	})
	m.lag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arch_indexer_lag", Help: "known_tip - highest_contiguous.",
	})
	m.inFlightFetches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arch_indexer_inflight_fetches", Help: "Heights currently admitted into the fetch pipeline.",
	})
	m.openWSConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arch_indexer_open_ws_connections", Help: "Open WebSocket connections (0 or 1).",
	})

	reg.MustRegister(
		m.blocksFetched, m.txFetched, m.batchWrites, m.retriesByKind,
		m.wsMessages, m.wsReconnects, m.deadLetterTotal,
		m.highestContiguous, m.knownTip, m.lag, m.inFlightFetches, m.openWSConns,
	)
	return m
}

func (m *Metrics) IncBlocksFetched()       { m.blocksFetched.Inc() }
func (m *Metrics) AddTxFetched(n int)      { m.txFetched.Add(float64(n)) }
func (m *Metrics) IncBatchWrites()         { m.batchWrites.Inc() }
func (m *Metrics) IncRetry(kind string)    { m.retriesByKind.WithLabelValues(kind).Inc() }
func (m *Metrics) IncWSMessage()           { m.wsMessages.Inc() }
func (m *Metrics) IncWSReconnect()         { m.wsReconnects.Inc() }
func (m *Metrics) IncDeadLetter()          { m.deadLetterTotal.Inc() }
func (m *Metrics) SetInFlightFetches(n int) { m.inFlightFetches.Set(float64(n)) }
func (m *Metrics) SetOpenWSConns(n int)    { m.openWSConns.Set(float64(n)) }

// SetProgress updates the checkpoint-derived gauges and the internal lag
// finiteness flag the /health predicate reads.
func (m *Metrics) SetProgress(highestContiguous, knownTip uint64) {
	m.highestContiguous.Set(float64(highestContiguous))
	m.knownTip.Set(float64(knownTip))
	lag := knownTip - highestContiguous
	m.lag.Set(float64(lag))
	m.lagFinite.Store(true) // both inputs are bounded uint64s; lag is always finite once set
}

// Router builds the /metrics and /health endpoints on a chi router. /health
// returns OK iff the DB is reachable and lag is finite.
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/health", m.handleHealth)
	return r
}

func (m *Metrics) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if !m.lagFinite.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("lag not finite"))
		return
	}
	if m.dbCheck != nil {
		if err := m.dbCheck(ctx); err != nil {
			m.log.WithError(err).Warn("health check: db unreachable")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unreachable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Serve starts the metrics/health HTTP server and blocks until ctx is
// cancelled, then shuts it down gracefully.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
