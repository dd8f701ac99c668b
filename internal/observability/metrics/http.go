package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const namespace = "patho"

// HTTPServerMetrics covers the api process: request traffic plus analysis
// outcomes reported by the inference engine.
type HTTPServerMetrics struct {
	service  string
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	analysisTotal     *prometheus.CounterVec
	analysisDuration  *prometheus.HistogramVec
	findingsPerResult *prometheus.HistogramVec
	gateRefusals      *prometheus.CounterVec
	safetyViolations  prometheus.Counter
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	m := &HTTPServerMetrics{
		service:  service,
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests processed.",
		}, []string{"service", "method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "path"}),
		requestInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
			Help: "Number of in-flight HTTP requests.", ConstLabels: constLabels,
		}),
		analysisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "total",
			Help: "Analyses by outcome and inference mode.",
		}, []string{"service", "status", "mode"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "duration_seconds",
			Help:    "Analysis wall time in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"service", "mode"}),
		findingsPerResult: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "findings",
			Help:    "Findings extracted per completed analysis.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}, []string{"service", "mode"}),
		gateRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quality_gate", Name: "refusals_total",
			Help: "Analyses refused before inference, by reason.",
		}, []string{"service", "reason"}),
		safetyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "violations_total",
			Help: "Forbidden diagnostic phrases detected in model output.", ConstLabels: constLabels,
		}),
	}

	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.requestInFlight,
		m.analysisTotal,
		m.analysisDuration,
		m.findingsPerResult,
		m.gateRefusals,
		m.safetyViolations,
	)
	return m
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(m.service, r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses case ids so label cardinality stays bounded.
func normalizePath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/cases/")
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return "/v1/cases/{case_id}/" + action
	}
	return "/v1/cases/{case_id}"
}

func (m *HTTPServerMetrics) ObserveAnalysis(mode domain.InferenceMode, status string, seconds float64, findings int) {
	modeLabel := string(mode)
	if modeLabel == "" {
		modeLabel = "unknown"
	}
	m.analysisTotal.WithLabelValues(m.service, status, modeLabel).Inc()
	m.analysisDuration.WithLabelValues(m.service, modeLabel).Observe(seconds)
	if status == "completed" {
		m.findingsPerResult.WithLabelValues(m.service, modeLabel).Observe(float64(findings))
	}
}

func (m *HTTPServerMetrics) ObserveRefusal(reason string) {
	m.gateRefusals.WithLabelValues(m.service, reason).Inc()
}

func (m *HTTPServerMetrics) ObserveSafetyViolations(count int) {
	if count > 0 {
		m.safetyViolations.Add(float64(count))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
