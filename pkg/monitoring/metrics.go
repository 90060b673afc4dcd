package monitoring

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
)

// MetricsConfig configuration for the metrics registry
type MetricsConfig struct {
	Enabled      bool              `json:"enabled"`
	Path         string            `json:"path"`
	Namespace    string            `json:"namespace"`
	CustomLabels map[string]string `json:"custom_labels"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      true,
		Path:         "/metrics",
		Namespace:    "wt",
		CustomLabels: make(map[string]string),
	}
}

// MetricsRegistry owns a prometheus registry. Every metric it creates is
// prefixed with the configured namespace and carries the custom labels.
type MetricsRegistry struct {
	registry *prometheus.Registry
	config   *MetricsConfig
}

// Counter wraps a prometheus counter vector
type Counter struct {
	name   string
	labels []string
	vec    *prometheus.CounterVec
}

// Gauge wraps a prometheus gauge vector
type Gauge struct {
	name   string
	labels []string
	vec    *prometheus.GaugeVec
}

// Histogram wraps a prometheus histogram vector
type Histogram struct {
	name    string
	labels  []string
	buckets []float64
	vec     *prometheus.HistogramVec
}

// NewMetricsRegistry creates a new metrics registry
func NewMetricsRegistry(config *MetricsConfig) *MetricsRegistry {
	if config == nil {
		config = DefaultMetricsConfig()
	}

	return &MetricsRegistry{
		registry: prometheus.NewRegistry(),
		config:   config,
	}
}

// NewCounter creates and registers a counter vector
func (r *MetricsRegistry) NewCounter(name, help string, labelNames ...string) (*Counter, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   r.config.Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: r.constLabels(),
	}, labelNames)
	if err := r.register(name, vec); err != nil {
		return nil, err
	}
	return &Counter{name: r.buildMetricName(name), labels: labelNames, vec: vec}, nil
}

// NewGauge creates and registers a gauge vector
func (r *MetricsRegistry) NewGauge(name, help string, labelNames ...string) (*Gauge, error) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   r.config.Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: r.constLabels(),
	}, labelNames)
	if err := r.register(name, vec); err != nil {
		return nil, err
	}
	return &Gauge{name: r.buildMetricName(name), labels: labelNames, vec: vec}, nil
}

// NewHistogram creates and registers a histogram vector. Nil buckets select
// the prometheus defaults.
func (r *MetricsRegistry) NewHistogram(name, help string, buckets []float64, labelNames ...string) (*Histogram, error) {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   r.config.Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: r.constLabels(),
		Buckets:     sorted,
	}, labelNames)
	if err := r.register(name, vec); err != nil {
		return nil, err
	}
	return &Histogram{name: r.buildMetricName(name), labels: labelNames, buckets: sorted, vec: vec}, nil
}

func (r *MetricsRegistry) register(name string, collector prometheus.Collector) error {
	fullName := r.buildMetricName(name)
	if err := r.registry.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return fmt.Errorf("metric %s already exists", fullName)
		}
		return fmt.Errorf("failed to register metric %s: %w", fullName, err)
	}
	log.Debug().Str("metric", fullName).Msg("Metric registered")
	return nil
}

// Gather collects all metric families sorted by name
func (r *MetricsRegistry) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

// GatherPrometheusFormat exports metrics in the Prometheus text format
func (r *MetricsRegistry) GatherPrometheusFormat() (string, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}

	var output strings.Builder
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&output, family); err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", family.GetName(), err)
		}
	}
	return output.String(), nil
}

// Handler serves the registry in the exposition format the scraper asks for
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Config returns the registry configuration
func (r *MetricsRegistry) Config() *MetricsConfig {
	return r.config
}

func (r *MetricsRegistry) buildMetricName(name string) string {
	return prometheus.BuildFQName(r.config.Namespace, "", name)
}

func (r *MetricsRegistry) constLabels() prometheus.Labels {
	if len(r.config.CustomLabels) == 0 {
		return nil
	}
	labels := make(prometheus.Labels, len(r.config.CustomLabels))
	for k, v := range r.config.CustomLabels {
		labels[k] = v
	}
	return labels
}

// Counter methods

// Inc increments the counter by 1
func (c *Counter) Inc(labelValues ...string) {
	c.vec.WithLabelValues(labelValues...).Inc()
}

// Add adds the given value to the counter. Adding 0 initialises the label set.
// A negative value panics.
func (c *Counter) Add(value float64, labelValues ...string) {
	c.vec.WithLabelValues(labelValues...).Add(value)
}

// Get returns the current value of the counter
func (c *Counter) Get(labelValues ...string) float64 {
	var m dto.Metric
	if err := c.vec.WithLabelValues(labelValues...).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Gauge methods

// Set sets the gauge to the given value
func (g *Gauge) Set(value float64, labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Set(value)
}

// SetToCurrentTime sets the gauge to the current unix time in seconds
func (g *Gauge) SetToCurrentTime(labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).SetToCurrentTime()
}

// Inc increments the gauge by 1
func (g *Gauge) Inc(labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Inc()
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec(labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Dec()
}

// Add adds the given value to the gauge
func (g *Gauge) Add(value float64, labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Add(value)
}

// Get returns the current value of the gauge
func (g *Gauge) Get(labelValues ...string) float64 {
	var m dto.Metric
	if err := g.vec.WithLabelValues(labelValues...).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Histogram methods

// Observe records an observation
func (h *Histogram) Observe(value float64, labelValues ...string) {
	h.vec.WithLabelValues(labelValues...).Observe(value)
}

// Init creates an empty series for the label set so it is exported before
// the first observation
func (h *Histogram) Init(labelValues ...string) {
	h.vec.WithLabelValues(labelValues...)
}

// Count returns the number of observations for the label set
func (h *Histogram) Count(labelValues ...string) uint64 {
	metric, ok := h.vec.WithLabelValues(labelValues...).(prometheus.Metric)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}
