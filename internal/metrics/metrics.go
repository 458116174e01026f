// Package metrics registers the service's Prometheus collectors and exposes
// small helpers so callers never touch collector types directly.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orrery_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_fetch_total",
			Help: "Body data fetches from the upstream API by result.",
		},
		[]string{"result"},
	)

	fetchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orrery_fetch_duration_seconds",
			Help:    "Duration of a full body data fetch.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	datasetBodies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orrery_dataset_records",
			Help: "Raw records in the current body dataset.",
		},
		[]string{"kind"},
	)

	datasetAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_dataset_age_seconds",
			Help: "Age of the current body dataset when it was loaded.",
		},
	)

	registryBodies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_registry_bodies",
			Help: "Bodies in the active registry.",
		},
	)

	registryIssues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_registry_rejected_records",
			Help: "Records rejected by validation when the active registry was built.",
		},
	)

	registryFiltered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_registry_filtered_moons",
			Help: "Valid moons dropped by the moon filter in the active registry.",
		},
	)

	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orrery_ticks_total",
			Help: "Applied simulation ticks.",
		},
	)

	tickErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orrery_tick_errors_total",
			Help: "Ticks discarded because they produced an invalid state.",
		},
	)

	tickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orrery_tick_duration_seconds",
			Help:    "Time spent applying one tick.",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		},
	)

	simulationRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_rate_multiplier",
			Help: "Current speed multiplier.",
		},
	)

	simulationRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_running",
			Help: "1 while the simulation is running, 0 while paused.",
		},
	)

	elapsedDays = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_elapsed_days",
			Help: "Simulated days since the current run started.",
		},
	)

	controlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_control_requests_total",
			Help: "Control operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	frameBufferEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orrery_frame_buffer_entries",
			Help: "Frames held in the recent-frame buffer.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_stream_connections_total",
			Help: "Stream connection events by transport.",
		},
		[]string{"transport", "event"},
	)

	streamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orrery_streams_active",
			Help: "Currently open streams by transport.",
		},
		[]string{"transport"},
	)

	streamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_stream_messages_total",
			Help: "Messages written to stream clients.",
		},
		[]string{"transport"},
	)

	streamBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_stream_bytes_total",
			Help: "Bytes written to stream clients.",
		},
		[]string{"transport"},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orrery_stream_errors_total",
			Help: "Stream errors by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		fetchTotal,
		fetchDurationSeconds,
		datasetBodies,
		datasetAgeSeconds,
		registryBodies,
		registryIssues,
		registryFiltered,
		ticksTotal,
		tickErrorsTotal,
		tickDurationSeconds,
		simulationRate,
		simulationRunning,
		elapsedDays,
		controlRequestsTotal,
		frameBufferEntries,
		streamConnectionsTotal,
		streamsActive,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one upstream fetch.
func ObserveFetch(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	fetchTotal.WithLabelValues(result).Inc()
	fetchDurationSeconds.Observe(d.Seconds())
}

func SetDatasetBodies(planets, moons int) {
	datasetBodies.WithLabelValues("planet").Set(float64(planets))
	datasetBodies.WithLabelValues("moon").Set(float64(moons))
}

func SetDatasetAge(seconds float64) { datasetAgeSeconds.Set(seconds) }

// SetRegistry publishes the shape of the active registry.
func SetRegistry(bodies, issues, filtered int) {
	registryBodies.Set(float64(bodies))
	registryIssues.Set(float64(issues))
	registryFiltered.Set(float64(filtered))
}

// ObserveTick records one applied tick.
func ObserveTick(d time.Duration, days float64) {
	ticksTotal.Inc()
	tickDurationSeconds.Observe(d.Seconds())
	elapsedDays.Set(days)
}

func IncTickErrors() { tickErrorsTotal.Inc() }

func SetRate(rate float64) { simulationRate.Set(rate) }

func SetRunning(running bool) {
	if running {
		simulationRunning.Set(1)
		return
	}
	simulationRunning.Set(0)
}

func IncControl(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	controlRequestsTotal.WithLabelValues(op, result).Inc()
}

func SetFrameBufferEntries(n int) { frameBufferEntries.Set(float64(n)) }

func IncStreamConnections(transport, event string) {
	streamConnectionsTotal.WithLabelValues(transport, event).Inc()
}

func IncStreamsActive(transport string) { streamsActive.WithLabelValues(transport).Inc() }
func DecStreamsActive(transport string) { streamsActive.WithLabelValues(transport).Dec() }

func IncStreamMessages(transport string) { streamMessagesTotal.WithLabelValues(transport).Inc() }

func AddStreamBytes(transport string, n int64) {
	streamBytesTotal.WithLabelValues(transport).Add(float64(n))
}

func IncStreamErrors(reason string) { streamErrorsTotal.WithLabelValues(reason).Inc() }

// knownRoutes are the fixed paths served by the API. Anything else is
// reported under "other" to keep the path label bounded.
var knownRoutes = map[string]bool{
	"/":                      true,
	"/healthz":               true,
	"/readyz":                true,
	"/metrics":               true,
	"/api/v1/bodies":         true,
	"/api/v1/bodies/issues":  true,
	"/api/v1/bodies/refresh": true,
	"/api/v1/state":          true,
	"/api/v1/control/rate":   true,
	"/api/v1/control/toggle": true,
	"/api/v1/control/play":   true,
	"/api/v1/control/pause":  true,
	"/api/v1/control/reset":  true,
	"/api/v1/stream/frames":  true,
	"/api/v1/ws":             true,
}

const bodyPrefix = "/api/v1/bodies/"

// normalizeRoute maps a request path to a bounded route label.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if id, ok := strings.CutPrefix(path, bodyPrefix); ok && id != "" && !strings.Contains(id, "/") {
		return bodyPrefix + "{id}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := normalizeRoute(r.URL.Path)
		code := strconv.Itoa(rw.statusCode)
		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
