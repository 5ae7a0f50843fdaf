// Package metrics exposes the worker's Prometheus instrumentation. Metrics
// are package-level vars registered against the default registry in init,
// served by the dashboard's /metrics route via promhttp.Handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OrdersPlaced counts orders placed by symbol and side.
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "equityfleet",
			Subsystem: "orders",
			Name:      "placed_total",
			Help:      "Total number of orders placed, by symbol and side",
		},
		[]string{"symbol", "side"},
	)

	// OrdersFilled counts orders that reached FILLED, by symbol and side.
	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "equityfleet",
			Subsystem: "orders",
			Name:      "filled_total",
			Help:      "Total number of orders filled, by symbol and side",
		},
		[]string{"symbol", "side"},
	)

	// OrdersRejected counts orders rejected by the broker, by symbol and side.
	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "equityfleet",
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Total number of orders rejected, by symbol and side",
		},
		[]string{"symbol", "side"},
	)

	// LockAcquisitions counts successful symbol lock acquisitions.
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "equityfleet",
			Subsystem: "locks",
			Name:      "acquisitions_total",
			Help:      "Total number of successful symbol lock acquisitions",
		},
		[]string{"symbol"},
	)

	// LockConflicts counts failed acquisitions because another worker already
	// holds the symbol.
	LockConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "equityfleet",
			Subsystem: "locks",
			Name:      "conflicts_total",
			Help:      "Total number of lock acquisition attempts that lost to another holder",
		},
		[]string{"symbol"},
	)

	// PollLatency observes the wall-clock duration of a single candidate
	// discovery pass.
	PollLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "equityfleet",
			Subsystem: "marketdata",
			Name:      "poll_latency_seconds",
			Help:      "Latency of a single candidate discovery pass",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// HeartbeatAge observes the age of the worker's last recorded heartbeat
	// at each heartbeat tick, a direct readout of how close a worker is to
	// being reaped as stale.
	HeartbeatAge = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "equityfleet",
			Subsystem: "workers",
			Name:      "heartbeat_age_seconds",
			Help:      "Age of the worker's previous heartbeat, observed at each new heartbeat",
			Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300},
		},
	)

	// WorkerStatus is a gauge per worker/status pair, set to 1 for the
	// worker's current status and 0 for every other status — the standard
	// "state as label set" idiom for exposing an enum to Prometheus.
	WorkerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "equityfleet",
			Subsystem: "workers",
			Name:      "status",
			Help:      "1 for the worker's current status, 0 otherwise",
		},
		[]string{"worker_id", "status"},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersFilled, OrdersRejected)
	prometheus.MustRegister(LockAcquisitions, LockConflicts)
	prometheus.MustRegister(PollLatency, HeartbeatAge, WorkerStatus)
}

// SetWorkerStatus records status as the worker's current status, zeroing
// every other known status label for the same worker so only one series
// reads 1 at a time.
func SetWorkerStatus(workerID string, status string, allStatuses []string) {
	for _, s := range allStatuses {
		if s == status {
			WorkerStatus.WithLabelValues(workerID, s).Set(1)
		} else {
			WorkerStatus.WithLabelValues(workerID, s).Set(0)
		}
	}
}
