package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "numhive",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "outbox",
			Name:      "pending_count",
			Help:      "Number of outbox events waiting for dispatch.",
		},
	)

	outboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "outbox",
			Name:      "lag_seconds",
			Help:      "Age of the oldest pending outbox event.",
		},
	)

	outboxProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "outbox",
			Name:      "processed_total",
			Help:      "Total number of outbox events dispatched.",
		},
		[]string{"status"},
	)

	outboxDeadLetters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "outbox",
			Name:      "dead_letter_count",
			Help:      "Unprocessed outbox events past their retry budget.",
		},
	)

	notificationDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total number of outbound webhook delivery attempts.",
		},
		[]string{"status"},
	)

	pollerPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Total number of status polls issued against providers.",
		},
		[]string{"provider", "status"},
	)

	pollerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "numhive",
			Subsystem: "poller",
			Name:      "poll_duration_seconds",
			Help:      "Duration of provider status polls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"provider"},
	)

	pollerActiveNumbers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "poller",
			Name:      "active_numbers",
			Help:      "Numbers currently tracked by the inbox poller.",
		},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "poller",
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages accepted.",
		},
		[]string{"provider"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of catalogue sync runs per provider.",
		},
		[]string{"provider", "status"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "numhive",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of catalogue sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
		},
		[]string{"provider"},
	)

	syncOffersUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "sync",
			Name:      "offers_upserted_total",
			Help:      "Total number of offers written during catalogue sync.",
		},
		[]string{"provider"},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "provider",
			Name:      "api_calls_total",
			Help:      "Total number of upstream provider API calls.",
		},
		[]string{"provider", "operation", "status"},
	)

	providerBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "provider",
			Name:      "breaker_open",
			Help:      "Whether the circuit breaker for a provider is open (1) or closed (0).",
		},
		[]string{"provider"},
	)

	webhookAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "webhook",
			Name:      "anomalies_total",
			Help:      "Total number of rejected or suspicious webhook deliveries.",
		},
		[]string{"provider", "reason"},
	)

	queueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "numhive",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total number of queue jobs completed per queue.",
		},
		[]string{"queue", "status"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending jobs per queue.",
		},
		[]string{"queue"},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "numhive",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently connected websocket clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		outboxPending,
		outboxLag,
		outboxProcessed,
		outboxDeadLetters,
		notificationDeliveries,
		pollerPolls,
		pollerDuration,
		pollerActiveNumbers,
		messagesReceived,
		syncRuns,
		syncDuration,
		syncOffersUpserted,
		providerCalls,
		providerBreakerOpen,
		webhookAnomalies,
		queueJobs,
		queueDepth,
		wsConnections,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetOutboxBacklog records the current outbox backlog depth and lag.
func SetOutboxBacklog(pending int, oldest time.Duration) {
	outboxPending.Set(float64(pending))
	if oldest < 0 {
		oldest = 0
	}
	outboxLag.Set(oldest.Seconds())
}

// RecordOutboxEvent counts a dispatched outbox event by outcome.
func RecordOutboxEvent(status string) {
	outboxProcessed.WithLabelValues(status).Inc()
}

// SetOutboxDeadLetters records the dead-letter depth of the outbox.
func SetOutboxDeadLetters(n int) {
	outboxDeadLetters.Set(float64(n))
}

// RecordNotificationDelivery counts one outbound webhook attempt by outcome.
func RecordNotificationDelivery(status string) {
	notificationDeliveries.WithLabelValues(status).Inc()
}

// RecordPoll records a single status poll against a provider.
func RecordPoll(provider, status string, duration time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	pollerPolls.WithLabelValues(provider, status).Inc()
	pollerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetActiveNumbers records how many numbers the poller currently tracks.
func SetActiveNumbers(n int) {
	pollerActiveNumbers.Set(float64(n))
}

// RecordMessagesReceived counts accepted inbound messages.
func RecordMessagesReceived(provider string, n int) {
	if n <= 0 {
		return
	}
	messagesReceived.WithLabelValues(provider).Add(float64(n))
}

// RecordSyncRun records the outcome of one catalogue sync run.
func RecordSyncRun(provider, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	syncRuns.WithLabelValues(provider, status).Inc()
	syncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordOffersUpserted counts offers written during sync.
func RecordOffersUpserted(provider string, n int) {
	if n <= 0 {
		return
	}
	syncOffersUpserted.WithLabelValues(provider).Add(float64(n))
}

// RecordProviderCall counts an upstream API call by operation and outcome.
func RecordProviderCall(provider, operation, status string) {
	providerCalls.WithLabelValues(provider, operation, status).Inc()
}

// SetBreakerOpen flips the breaker gauge for a provider.
func SetBreakerOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	providerBreakerOpen.WithLabelValues(provider).Set(v)
}

// RecordWebhookAnomaly counts a rejected webhook delivery.
func RecordWebhookAnomaly(provider, reason string) {
	if provider == "" {
		provider = "unknown"
	}
	webhookAnomalies.WithLabelValues(provider, reason).Inc()
}

// RecordQueueJob counts a completed queue job by outcome.
func RecordQueueJob(queue, status string) {
	queueJobs.WithLabelValues(queue, status).Inc()
}

// SetQueueDepth records the pending depth of one queue.
func SetQueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}

// IncWSConnections bumps the connected websocket client gauge.
func IncWSConnections() { wsConnections.Inc() }

// DecWSConnections drops the connected websocket client gauge.
func DecWSConnections() { wsConnections.Dec() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses request paths into low-cardinality label values.
// Identifier segments (activation ids, provider slugs in webhooks) are
// replaced with placeholders so the label set stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "api":
		if len(parts) == 1 {
			return "/api"
		}
		// /api/<area>[/<resource>[/<id>...]]
		out := "/api/" + parts[1]
		if len(parts) >= 3 {
			if isIdentifier(parts[2]) {
				out += "/:id"
			} else {
				out += "/" + parts[2]
			}
		}
		if len(parts) >= 4 {
			out += "/" + parts[len(parts)-1]
		}
		return out
	case "webhooks":
		return "/webhooks/:provider"
	default:
		return "/" + parts[0]
	}
}

func isIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
