package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolOpen tracks physical connections currently open per pool.
	poolOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mssqlpool_connections_open",
			Help: "Physical connections currently open",
		},
		[]string{"pool"},
	)

	// poolBusy tracks connections handed out to callers.
	poolBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mssqlpool_connections_busy",
			Help: "Connections currently acquired by callers",
		},
		[]string{"pool"},
	)

	// poolWaiting tracks callers blocked in Acquire.
	poolWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mssqlpool_acquire_waiting",
			Help: "Callers waiting for a connection",
		},
		[]string{"pool"},
	)

	// acquiresTotal counts successful acquisitions.
	acquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mssqlpool_acquires_total",
			Help: "Total number of successful connection acquisitions",
		},
		[]string{"pool"},
	)

	// acquireTimeoutsTotal counts acquisitions that gave up waiting.
	acquireTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mssqlpool_acquire_timeouts_total",
			Help: "Total number of acquisitions that timed out waiting for a connection",
		},
		[]string{"pool"},
	)

	// dialFailuresTotal counts failed attempts to open a physical connection.
	dialFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mssqlpool_dial_failures_total",
			Help: "Total number of failed attempts to open a connection",
		},
		[]string{"pool"},
	)

	// closedTotal counts closed physical connections by reason.
	closedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mssqlpool_connections_closed_total",
			Help: "Total number of closed physical connections",
		},
		[]string{"pool", "reason"},
	)

	// acquireWait observes how long callers waited in Acquire.
	acquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mssqlpool_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"pool"},
	)
)

// close reasons
const (
	reasonIdle   = "idle"
	reasonBroken = "broken"
	reasonClosed = "pool_closed"
	reasonStale  = "stale"
)

// forget drops the pool's label values so a closed pool stops reporting.
func forget(name string) {
	poolOpen.DeleteLabelValues(name)
	poolBusy.DeleteLabelValues(name)
	poolWaiting.DeleteLabelValues(name)
}
