// Package metrics holds the Prometheus collectors of the catalog.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "magicdb"

var (
	Registry = prometheus.NewRegistry()

	// Operations counts catalog operations by name and result
	// (ok, rejected, error).
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "operations_total",
		Help:      "Catalog operations by operation and result.",
	}, []string{"op", "result"})

	// OperationDuration observes mutation latency including lock wait.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "operation_duration_seconds",
		Help:      "Latency of catalog mutations including lock wait.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// LockWait observes how long mutations wait for the catalog lock.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the catalog lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// LocksLost counts mutations cancelled because the lock expired.
	LocksLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "locks_lost_total",
		Help:      "Mutations cancelled because the catalog lock was lost.",
	})

	// Repairs counts inconsistencies fixed by Repair, by kind.
	Repairs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "repairs_total",
		Help:      "Index inconsistencies repaired, by kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		Operations,
		OperationDuration,
		LockWait,
		LocksLost,
		Repairs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Result labels.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// ObserveOperation records one finished operation.
func ObserveOperation(op, result string, start time.Time) {
	Operations.WithLabelValues(op, result).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
