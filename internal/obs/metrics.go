package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpctl_ready",
		Help: "1 when the transport is connected and the service accepts commands.",
	})
)

// Метрики сессий и протокола
var (
	inboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpctl_inbound_messages_total",
			Help: "Inbound device messages by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	commandsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpctl_commands_total",
			Help: "Outbound device commands by method and result.",
		},
		[]string{"method", "result"},
	)

	presenceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpctl_presence_transitions_total",
			Help: "Presence state transitions by target state.",
		},
		[]string{"to"},
	)

	statusRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpctl_status_requests_total",
			Help: "Status requests by outcome.",
		},
		[]string{"outcome"},
	)

	otaChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pumpctl_ota_chunks_total",
		Help: "Firmware chunks published.",
	})

	otaTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpctl_ota_transfers_total",
			Help: "Firmware transfers by outcome.",
		},
		[]string{"outcome"},
	)

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpctl_sessions_active",
		Help: "Device sessions currently alive.",
	})
)

// Регистрация метрик в default-регистре (однократно).
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			inboundMessages, commandsPublished, presenceTransitions,
			statusRequests, otaChunks, otaTransfers, sessionsActive,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses device and schedule identifiers so label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "devices" {
		parts[2] = ":id"
		if len(parts) >= 5 && parts[3] == "schedules" {
			parts[4] = ":sid"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func InboundMessage(channel, outcome string) {
	inboundMessages.WithLabelValues(channel, outcome).Inc()
}

func CommandPublished(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsPublished.WithLabelValues(method, result).Inc()
}

func PresenceTransition(to string) { presenceTransitions.WithLabelValues(to).Inc() }

func StatusRequest(outcome string) { statusRequests.WithLabelValues(outcome).Inc() }

func OTAChunk() { otaChunks.Inc() }

func OTATransfer(outcome string) { otaTransfers.WithLabelValues(outcome).Inc() }

func SessionOpened() { sessionsActive.Inc() }

func SessionClosed() { sessionsActive.Dec() }

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
