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
			Namespace: "aapid",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aapid",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commandRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aapid",
			Subsystem: "protocol",
			Name:      "commands_total",
			Help:      "Dispatched protocol commands by tag and response error code.",
		},
		[]string{"tag", "code"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aapid",
			Subsystem: "protocol",
			Name:      "command_duration_seconds",
			Help:      "Protocol command dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tag"},
	)
	responseBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aapid",
			Subsystem: "protocol",
			Name:      "response_bytes_total",
			Help:      "Bytes written in protocol responses, headers included.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aapid",
			Subsystem: "protocol",
			Name:      "connections_active",
			Help:      "Currently open protocol connections.",
		},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aapid",
			Subsystem: "protocol",
			Name:      "connections_closed_total",
			Help:      "Closed protocol connections by terminal state.",
		},
		[]string{"state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			commandRequests,
			commandDuration,
			responseBytes,
			connectionsActive,
			connectionsClosed,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordCommand counts one dispatched request and the code it answered with.
func RecordCommand(tag, code int32, duration time.Duration, written int) {
	RegisterMetrics()
	tagLabel := strconv.FormatInt(int64(tag), 10)
	commandRequests.WithLabelValues(tagLabel, strconv.FormatInt(int64(code), 10)).Inc()
	commandDuration.WithLabelValues(tagLabel).Observe(duration.Seconds())
	responseBytes.Add(float64(written))
}

func ConnectionOpened() {
	RegisterMetrics()
	connectionsActive.Inc()
}

func ConnectionClosed(state string) {
	RegisterMetrics()
	connectionsActive.Dec()
	connectionsClosed.WithLabelValues(state).Inc()
}
