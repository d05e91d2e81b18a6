package output

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// QueueProbe reports the processor queue.
type QueueProbe interface {
	QueueLength() int
	QueueCapacity() int
}

// PrometheusMetrics exports pipeline outcomes. It is both the processor's
// ProcessingObserver and a Subscriber for per-severity and per-alert counts.
type PrometheusMetrics struct {
	registry  *prometheus.Registry
	namespace string

	eventsByResult   *prometheus.CounterVec
	eventsBySeverity *prometheus.CounterVec
	processingTime   prometheus.Histogram
	detectorFaults   *prometheus.CounterVec
	backpressure     *prometheus.CounterVec
	alertsByType     *prometheus.CounterVec
	alertsByBand     *prometheus.CounterVec

	server *http.Server
	mu     sync.Mutex
}

type MetricsConfig struct {
	Addr string
	Path string
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Addr: ":9090",
		Path: "/metrics",
	}
}

// NewPrometheusMetrics registers the collectors on a private registry.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "secanalyzer"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &PrometheusMetrics{registry: reg, namespace: namespace}

	m.eventsByResult = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Events that finished the pipeline, by result",
	}, []string{"result"})

	m.eventsBySeverity = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_by_severity_total",
		Help:      "Persisted events by severity",
	}, []string{"severity"})

	m.processingTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "processing_duration_seconds",
		Help:      "Time spent processing each event",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
	})

	m.detectorFaults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_faults_total",
		Help:      "Recovered detector panics by detector",
	}, []string{"detector"})

	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backpressure_rejections_total",
		Help:      "Events rejected at submit because the queue was full, by source",
	}, []string{"source"})

	m.alertsByType = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_by_type_total",
		Help:      "Alerts created by alert type",
	}, []string{"type"})

	m.alertsByBand = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_by_band_total",
		Help:      "Alerts created by threat band",
	}, []string{"band"})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_bytes",
		Help:      "Current heap allocation in bytes",
	}, func() float64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return float64(ms.Alloc)
	})

	return m
}

// RegisterQueue exports the depth and capacity of the processor queue. The
// processor takes the metrics as its observer, so the queue is attached
// after both exist.
func (m *PrometheusMetrics) RegisterQueue(queue QueueProbe) {
	factory := promauto.With(m.registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "queue_depth",
		Help:      "Events waiting in the processing queue",
	}, func() float64 {
		return float64(queue.QueueLength())
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "queue_capacity",
		Help:      "Capacity of the processing queue",
	}, func() float64 {
		return float64(queue.QueueCapacity())
	})
}

// Registry exposes the private registry, mainly for tests.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) IncrementEventsProcessedByResult(result string) {
	m.eventsByResult.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) ObserveProcessingTime(seconds float64) {
	m.processingTime.Observe(seconds)
}

func (m *PrometheusMetrics) IncrementDetectorFaults(detector string) {
	m.detectorFaults.WithLabelValues(detector).Inc()
}

func (m *PrometheusMetrics) IncrementBackpressure(source string) {
	if source == "" {
		source = "unknown"
	}
	m.backpressure.WithLabelValues(source).Inc()
}

func (m *PrometheusMetrics) RecordAlert(alert *domain.Alert) {
	m.alertsByType.WithLabelValues(alert.AlertType).Inc()
	m.alertsByBand.WithLabelValues(string(alert.Band())).Inc()
}

func (m *PrometheusMetrics) OnEvent(event *domain.Event, alert *domain.Alert) {
	m.eventsBySeverity.WithLabelValues(string(event.Severity)).Inc()
	if alert != nil {
		m.RecordAlert(alert)
	}
}

// Handler serves the private registry.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer serves metrics on config.Path and, when ready is non-nil, the
// readiness check on /ready.
func (m *PrometheusMetrics) StartServer(config MetricsConfig, ready http.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return errors.New("metrics server already started")
	}
	if config.Path == "" {
		config.Path = DefaultMetricsConfig().Path
	}

	mux := http.NewServeMux()
	mux.Handle(config.Path, m.Handler())
	if ready != nil {
		mux.Handle("/ready", ready)
	}

	m.server = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		log.Info().Str("addr", config.Addr).Str("path", config.Path).Msg("Starting Prometheus metrics server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

func (m *PrometheusMetrics) StopServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.server.Shutdown(ctx)
	m.server = nil
	return err
}
