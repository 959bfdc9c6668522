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
			Namespace: "ingestctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "tracker",
			Name:      "registrations_total",
			Help:      "Receiver registrations accepted by the mailbox.",
		},
		[]string{"stream"},
	)
	deregistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "tracker",
			Name:      "deregistrations_total",
			Help:      "Receiver deregistrations processed by the mailbox.",
		},
		[]string{"stream"},
	)
	registered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingestctl",
			Subsystem: "tracker",
			Name:      "registered_receivers",
			Help:      "Receivers currently present in the registry.",
		},
	)
	blocksReported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "ledger",
			Name:      "blocks_reported_total",
			Help:      "Block references appended to the ledger.",
		},
		[]string{"stream"},
	)
	blocksDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "ledger",
			Name:      "blocks_drained_total",
			Help:      "Block references handed to the batch scheduler.",
		},
		[]string{"stream"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "tracker",
			Name:      "protocol_violations_total",
			Help:      "Messages rejected as protocol violations.",
		},
		[]string{"kind"},
	)
	stopSignals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "tracker",
			Name:      "stop_signals_total",
			Help:      "Stop signals sent to registered receivers.",
		},
	)
	batches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingestctl",
			Subsystem: "batch",
			Name:      "batches_total",
			Help:      "Batches cut by the scheduler.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			registrations,
			deregistrations,
			registered,
			blocksReported,
			blocksDrained,
			protocolViolations,
			stopSignals,
			batches,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRegistration(streamID int, registryLen int) {
	RegisterMetrics()
	registrations.WithLabelValues(strconv.Itoa(streamID)).Inc()
	registered.Set(float64(registryLen))
}

func RecordDeregistration(streamID int, registryLen int) {
	RegisterMetrics()
	deregistrations.WithLabelValues(strconv.Itoa(streamID)).Inc()
	registered.Set(float64(registryLen))
}

func RecordBlocksReported(streamID int, n int) {
	RegisterMetrics()
	blocksReported.WithLabelValues(strconv.Itoa(streamID)).Add(float64(n))
}

func RecordBlocksDrained(streamID int, n int) {
	RegisterMetrics()
	blocksDrained.WithLabelValues(strconv.Itoa(streamID)).Add(float64(n))
}

func RecordProtocolViolation(kind string) {
	RegisterMetrics()
	protocolViolations.WithLabelValues(kind).Inc()
}

func RecordStopSignal() {
	RegisterMetrics()
	stopSignals.Inc()
}

func RecordBatch() {
	RegisterMetrics()
	batches.Inc()
}
