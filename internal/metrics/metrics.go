// ============================================================================
// bulkop Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose engine metrics for Prometheus scraping
//
// Metric families:
//
//   1. Operations (Counter / Gauge):
//      - bulkop_operations_started_total{plugin}
//      - bulkop_operations_finished_total{plugin,status}
//      - bulkop_operations_active
//
//   2. Items (Counter / Histogram):
//      - bulkop_items_total{result}            succeeded | failed
//      - bulkop_item_duration_seconds
//
//   3. Connection pool (Counter / Histogram / Gauge):
//      - bulkop_connections_refreshed_total
//      - bulkop_connection_lease_wait_seconds
//      - bulkop_connections_in_use
//
//   4. Job pool (Gauge):
//      - bulkop_tasks_pending
//      - bulkop_tasks_active
//
// Example queries:
//
//   # item error rate
//   rate(bulkop_items_total{result="failed"}[5m]) / rate(bulkop_items_total[5m])
//
//   # p95 wait for a connection
//   histogram_quantile(0.95, rate(bulkop_connection_lease_wait_seconds_bucket[5m]))
//
// Every Record method is safe on a nil *Collector so components can run
// uninstrumented in tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulkop"

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	opsStarted  *prometheus.CounterVec
	opsFinished *prometheus.CounterVec
	opsActive   prometheus.Gauge

	items        *prometheus.CounterVec
	itemDuration prometheus.Histogram

	connRefreshed prometheus.Counter
	leaseWait     prometheus.Histogram
	connInUse     prometheus.Gauge

	tasksPending prometheus.Gauge
	tasksActive  prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer. Registering twice on the same registry
// panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		opsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Total number of bulk operations started",
		}, []string{"plugin"}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_finished_total",
			Help:      "Total number of bulk operations finished, by final status",
		}, []string{"plugin", "status"}),
		opsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_active",
			Help:      "Current number of running bulk operations",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Total number of items processed, by result",
		}, []string{"result"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_seconds",
			Help:      "Time spent processing a single item",
			Buckets:   prometheus.DefBuckets,
		}),
		connRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_refreshed_total",
			Help:      "Total number of pooled connections created or recreated",
		}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_lease_wait_seconds",
			Help:      "Time spent waiting for and validating a pooled connection",
			Buckets:   prometheus.DefBuckets,
		}),
		connInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_in_use",
			Help:      "Current number of leased connections",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Current number of queued job pool tasks",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Current number of running job pool tasks",
		}),
	}

	reg.MustRegister(
		c.opsStarted,
		c.opsFinished,
		c.opsActive,
		c.items,
		c.itemDuration,
		c.connRefreshed,
		c.leaseWait,
		c.connInUse,
		c.tasksPending,
		c.tasksActive,
	)
	return c
}

// RecordOperationStarted counts a new operation for plugin.
func (c *Collector) RecordOperationStarted(plugin string) {
	if c == nil {
		return
	}
	c.opsStarted.WithLabelValues(plugin).Inc()
	c.opsActive.Inc()
}

// RecordOperationFinished counts an operation reaching its final status.
func (c *Collector) RecordOperationFinished(plugin, status string) {
	if c == nil {
		return
	}
	c.opsFinished.WithLabelValues(plugin, status).Inc()
	c.opsActive.Dec()
}

// RecordItem counts one processed item and its duration.
func (c *Collector) RecordItem(failed bool, seconds float64) {
	if c == nil {
		return
	}
	result := "succeeded"
	if failed {
		result = "failed"
	}
	c.items.WithLabelValues(result).Inc()
	c.itemDuration.Observe(seconds)
}

// RecordConnectionRefresh counts a pooled connection (re)created.
func (c *Collector) RecordConnectionRefresh() {
	if c == nil {
		return
	}
	c.connRefreshed.Inc()
}

// RecordLease records a connection handed out after waiting seconds.
func (c *Collector) RecordLease(seconds float64) {
	if c == nil {
		return
	}
	c.leaseWait.Observe(seconds)
	c.connInUse.Inc()
}

// RecordLeaseReturned records a connection going back to the pool.
func (c *Collector) RecordLeaseReturned() {
	if c == nil {
		return
	}
	c.connInUse.Dec()
}

// UpdatePoolStats sets the job pool gauges.
func (c *Collector) UpdatePoolStats(pending, active int) {
	if c == nil {
		return
	}
	c.tasksPending.Set(float64(pending))
	c.tasksActive.Set(float64(active))
}

// Handler returns the /metrics handler for g. A nil g uses
// prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
