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
			Namespace: "genelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genelink",
			Subsystem: "transport",
			Name:      "datagrams_total",
			Help:      "Datagrams sent and received by frame type.",
		},
		[]string{"direction", "frame"},
	)
	drops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genelink",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Inbound datagrams dropped before reaching a transmission.",
		},
		[]string{"reason"},
	)
	transmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genelink",
			Subsystem: "gene",
			Name:      "transmissions_total",
			Help:      "Finished transmissions by direction, mode and outcome.",
		},
		[]string{"direction", "mode", "outcome"},
	)
	retransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genelink",
			Subsystem: "gene",
			Name:      "retransmitted_genes_total",
			Help:      "Genes sent again after the retransmission timeout.",
		},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genelink",
			Subsystem: "session",
			Name:      "connections",
			Help:      "Established connections.",
		},
	)
	dispatchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genelink",
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Dispatched requests by result code.",
		},
		[]string{"kind", "result"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genelink",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Responder handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	relayExchanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "genelink",
			Subsystem: "relay",
			Name:      "exchanges",
			Help:      "Assigned relay exchanges.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			datagrams, drops, transmissions, retransmits, connections,
			dispatchResults, dispatchDuration, relayExchanges,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDatagram counts one datagram; direction is "in" or "out".
func RecordDatagram(direction, frame string) {
	RegisterMetrics()
	datagrams.WithLabelValues(direction, frame).Inc()
}

func RecordDrop(reason string) {
	RegisterMetrics()
	drops.WithLabelValues(reason).Inc()
}

func RecordTransmission(direction, mode, outcome string) {
	RegisterMetrics()
	transmissions.WithLabelValues(direction, mode, outcome).Inc()
}

func RecordRetransmits(n int) {
	RegisterMetrics()
	retransmits.Add(float64(n))
}

func SetConnections(n int) {
	RegisterMetrics()
	connections.Set(float64(n))
}

func RecordDispatch(kind, result string, duration time.Duration) {
	RegisterMetrics()
	dispatchResults.WithLabelValues(kind, result).Inc()
	if duration > 0 {
		dispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func SetRelayExchanges(n int) {
	RegisterMetrics()
	relayExchanges.Set(float64(n))
}
