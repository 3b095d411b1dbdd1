package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/constants"
)

// PrometheusMetrics provides Prometheus-based metrics collection
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	config   *PrometheusConfig

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Privacy engine metrics
	perturbationsTotal     *prometheus.CounterVec
	perturbationDuration   *prometheus.HistogramVec
	experimentSamplesTotal *prometheus.CounterVec
	experimentCellsTotal   *prometheus.CounterVec
	cellDuration           prometheus.Histogram
	meanAbsoluteNoise      prometheus.Gauge

	// Storage metrics
	storageOperationsTotal *prometheus.CounterVec
	storageDuration        *prometheus.HistogramVec

	errorsTotal *prometheus.CounterVec
}

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Path      string `json:"path" mapstructure:"path"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
	Subsystem string `json:"subsystem" mapstructure:"subsystem"`
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = getDefaultPrometheusConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// Handler returns the scrape handler for this registry
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured scrape path
func (pm *PrometheusMetrics) Path() string {
	return pm.config.Path
}

// Registry returns the underlying registry
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// RecordHTTPRequest counts a served request. path is the route template.
func (pm *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	pm.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	pm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPerturbation counts a single perturbation request. mode is
// "direct" or "periodic".
func (pm *PrometheusMetrics) RecordPerturbation(mode, status string, duration time.Duration) {
	pm.perturbationsTotal.WithLabelValues(mode, status).Inc()
	pm.perturbationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveSample records the outcome of one experiment sample draw
func (pm *PrometheusMetrics) ObserveSample(status string) {
	pm.experimentSamplesTotal.WithLabelValues(status).Inc()
}

// ObserveCell records the outcome of one experiment grid cell
func (pm *PrometheusMetrics) ObserveCell(status string, duration time.Duration, meanAbsNoise float64) {
	pm.experimentCellsTotal.WithLabelValues(status).Inc()
	pm.cellDuration.Observe(duration.Seconds())
	if status == "succeeded" {
		pm.meanAbsoluteNoise.Set(meanAbsNoise)
	}
}

// RecordStorageOperation satisfies interfaces.OperationRecorder
func (pm *PrometheusMetrics) RecordStorageOperation(backend, operation, status string, duration time.Duration) {
	pm.storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	pm.storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) RecordError(component, code string) {
	pm.errorsTotal.WithLabelValues(component, code).Inc()
}

var (
	latencyBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5}
	storageBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1, 5}
)

func (pm *PrometheusMetrics) initializeMetrics() {
	pm.httpRequestsTotal = pm.counterVec("http_requests_total", "Total number of HTTP requests", "method", "path", "status")
	pm.httpRequestDuration = pm.histogramVec("http_request_duration_seconds", "HTTP request duration in seconds",
		prometheus.DefBuckets, "method", "path")

	pm.perturbationsTotal = pm.counterVec("perturbations_total", "Total number of series perturbations", "mode", "status")
	pm.perturbationDuration = pm.histogramVec("perturbation_duration_seconds", "Series perturbation duration in seconds",
		latencyBuckets, "mode")

	pm.experimentSamplesTotal = pm.counterVec("experiment_samples_total", "Total number of experiment sample draws", "status")
	pm.experimentCellsTotal = pm.counterVec("experiment_cells_total", "Total number of experiment grid cells", "status")
	pm.cellDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: pm.config.Namespace,
		Subsystem: pm.config.Subsystem,
		Name:      "experiment_cell_duration_seconds",
		Help:      "Experiment grid cell duration in seconds",
		Buckets:   latencyBuckets,
	})
	pm.meanAbsoluteNoise = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: pm.config.Namespace,
		Subsystem: pm.config.Subsystem,
		Name:      "experiment_mean_absolute_noise",
		Help:      "Mean absolute noise of the last completed experiment cell",
	})

	pm.storageOperationsTotal = pm.counterVec("storage_operations_total", "Total number of storage operations",
		"backend", "operation", "status")
	pm.storageDuration = pm.histogramVec("storage_operation_duration_seconds", "Storage operation duration in seconds",
		storageBuckets, "backend", "operation")

	pm.errorsTotal = pm.counterVec("errors_total", "Total number of errors by component and code", "component", "code")
}

func (pm *PrometheusMetrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: pm.config.Namespace,
		Subsystem: pm.config.Subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (pm *PrometheusMetrics) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: pm.config.Namespace,
		Subsystem: pm.config.Subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

func (pm *PrometheusMetrics) registerMetrics() error {
	all := []prometheus.Collector{
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
		pm.perturbationsTotal,
		pm.perturbationDuration,
		pm.experimentSamplesTotal,
		pm.experimentCellsTotal,
		pm.cellDuration,
		pm.meanAbsoluteNoise,
		pm.storageOperationsTotal,
		pm.storageDuration,
		pm.errorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, c := range all {
		if err := pm.registry.Register(c); err != nil {
			return err
		}
	}

	pm.logger.WithField("namespace", pm.config.Namespace).Debug("Registered Prometheus metrics")
	return nil
}

func getDefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   true,
		Path:      constants.DefaultMetricsPath,
		Namespace: constants.MetricsNamespace,
	}
}
