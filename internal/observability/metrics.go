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
			Namespace: "testhost",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "testhost",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testhost",
			Subsystem: "invoke",
			Name:      "invocations_total",
			Help:      "Remote invocations by execution host and outcome.",
		},
		[]string{"host", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "testhost",
			Subsystem: "invoke",
			Name:      "invocation_duration_seconds",
			Help:      "Remote invocation wall time in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"host", "outcome"},
	)
	channelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testhost",
			Subsystem: "channel",
			Name:      "requests_total",
			Help:      "Companion channel requests by request type and reply status.",
		},
		[]string{"request_type", "status"},
	)
)

// Invocation outcomes used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeMismatch  = "mismatch"
	OutcomeHostError = "host_error"
	OutcomeInvalid   = "invalid"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			invocations,
			invocationDuration,
			channelRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordInvocation(host, outcome string, duration time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues(host, outcome).Inc()
	invocationDuration.WithLabelValues(host, outcome).Observe(duration.Seconds())
}

func RecordChannelRequest(requestType, status string) {
	RegisterMetrics()
	channelRequests.WithLabelValues(requestType, status).Inc()
}
