package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clearctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearctl",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Clearnode RPC requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clearctl",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Clearnode RPC round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	rpcPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clearctl",
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a correlated response.",
		},
	)
	rpcQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clearctl",
			Subsystem: "rpc",
			Name:      "queued_messages",
			Help:      "Outbound messages held while the transport is down.",
		},
	)
	transportState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clearctl",
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current transport state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		},
	)
	transportReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearctl",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts and terminal failures.",
		},
		[]string{"result"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearctl",
			Subsystem: "transport",
			Name:      "notifications_total",
			Help:      "Coordinator push notifications by kind.",
		},
		[]string{"kind"},
	)
	authHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearctl",
			Subsystem: "auth",
			Name:      "handshakes_total",
			Help:      "Session-key handshakes by result.",
		},
		[]string{"result"},
	)
	ledgerSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearctl",
			Subsystem: "ledger",
			Name:      "submissions_total",
			Help:      "App-session state submissions by intent and result.",
		},
		[]string{"intent", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rpcRequests, rpcDuration, rpcPending, rpcQueued,
			transportState, transportReconnects, notifications,
			authHandshakes, ledgerSubmissions,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRPC(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func SetRPCBacklog(pending, queued int) {
	RegisterMetrics()
	rpcPending.Set(float64(pending))
	rpcQueued.Set(float64(queued))
}

func SetTransportState(state int) {
	RegisterMetrics()
	transportState.Set(float64(state))
}

func RecordReconnect(result string) {
	RegisterMetrics()
	transportReconnects.WithLabelValues(result).Inc()
}

func RecordNotification(kind string) {
	RegisterMetrics()
	notifications.WithLabelValues(kind).Inc()
}

func RecordHandshake(success bool) {
	RegisterMetrics()
	result := "failed"
	if success {
		result = "ok"
	}
	authHandshakes.WithLabelValues(result).Inc()
}

func RecordSubmission(intent string, success bool) {
	RegisterMetrics()
	ledgerSubmissions.WithLabelValues(intent, strconv.FormatBool(success)).Inc()
}
