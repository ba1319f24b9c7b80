package usecase

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the classification counters exported on /metrics. A nil *Metrics
// records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	classifications *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	duration        prometheus.Histogram
	captcha         *prometheus.CounterVec
}

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	SuccessRate         float64          `json:"success_rate"`
	ByLabel             map[string]int64 `json:"by_label"`
	Rejections          map[string]int64 `json:"rejections"`
	AverageProcessingMs float64          `json:"average_processing_latency_ms"`
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retina",
			Name:      "classifications_total",
			Help:      "Completed classifications by predicted label.",
		}, []string{"label"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retina",
			Name:      "classification_rejections_total",
			Help:      "Uploads that did not produce a classification, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "retina",
			Name:      "classification_duration_seconds",
			Help:      "Time spent preprocessing and running the model.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		captcha: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retina",
			Name:      "captcha_verifications_total",
			Help:      "Bot gate outcomes.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.classifications,
		m.rejections,
		m.duration,
		m.captcha,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveClassification(label string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(label).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCaptcha(outcome string) {
	if m == nil {
		return
	}
	m.captcha.WithLabelValues(outcome).Inc()
}

// Summary aggregates the counters gathered so far.
func (m *Metrics) Summary() (*MetricsSummary, error) {
	summary := &MetricsSummary{
		ByLabel:    map[string]int64{},
		Rejections: map[string]int64{},
	}
	if m == nil {
		return summary, nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	var durationSum float64
	var durationCount uint64
	for _, family := range families {
		switch family.GetName() {
		case "retina_classifications_total":
			for _, metric := range family.GetMetric() {
				n := int64(metric.GetCounter().GetValue())
				summary.ByLabel[labelValue(metric.GetLabel(), "label")] = n
				summary.SuccessfulRequests += n
			}
		case "retina_classification_rejections_total":
			for _, metric := range family.GetMetric() {
				summary.Rejections[labelValue(metric.GetLabel(), "reason")] = int64(metric.GetCounter().GetValue())
			}
		case "retina_classification_duration_seconds":
			for _, metric := range family.GetMetric() {
				durationSum += metric.GetHistogram().GetSampleSum()
				durationCount += metric.GetHistogram().GetSampleCount()
			}
		}
	}

	summary.TotalRequests = summary.SuccessfulRequests
	for _, n := range summary.Rejections {
		summary.TotalRequests += n
	}
	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRequests) / float64(summary.TotalRequests)
	}
	if durationCount > 0 {
		summary.AverageProcessingMs = durationSum / float64(durationCount) * 1000
	}
	return summary, nil
}

func labelValue[T interface {
	GetName() string
	GetValue() string
}](pairs []T, name string) string {
	for _, p := range pairs {
		if p.GetName() == name {
			return p.GetValue()
		}
	}
	return ""
}
