package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	processTotal     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	processInFlight  prometheus.Gauge
	patchesGenerated *prometheus.CounterVec
	queueLag         *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	m := &WorkerMetrics{
		service:  service,
		registry: registry,
		processTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "slide_process_total",
			Help: "Total processed slides by status.",
		}, []string{"service", "status"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "slide_process_duration_seconds",
			Help:    "Slide tiling duration in seconds by status.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"service", "status"}),
		processInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "slide_process_in_flight",
			Help:        "Number of slides being tiled.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		patchesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "patches_generated_total",
			Help: "Tiles produced by kind.",
		}, []string{"service", "kind"}),
		queueLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "queue_lag_seconds",
			Help:    "Delay between upload and processing start.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"service"}),
	}

	registry.MustRegister(m.processTotal, m.processDuration, m.processInFlight, m.patchesGenerated, m.queueLag)
	return m
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartSlide() {
	m.processInFlight.Inc()
}

func (m *WorkerMetrics) FinishSlide(duration time.Duration, err error) {
	m.processInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.processTotal.WithLabelValues(m.service, status).Inc()
	m.processDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObservePatches(tissue, background int) {
	m.patchesGenerated.WithLabelValues(m.service, "tissue").Add(float64(tissue))
	m.patchesGenerated.WithLabelValues(m.service, "background").Add(float64(background))
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
