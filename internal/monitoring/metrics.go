package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/pkg/anthropic"
)

// Metrics holds Prometheus metrics for collection jobs and change detection.
// It implements orchestrator.Observer, extract.UsageObserver and
// ChangeObserver.
//
// Metrics:
//   - policy_jobs_total{status}
//   - policy_job_duration_seconds
//   - policy_source_results_total{source, result}
//   - policy_source_duration_seconds{source}
//   - policy_documents_stored_total{source}
//   - policy_extraction_fallbacks_total{source}
//   - policy_changes_detected_total{impact}
//   - policy_circuit_breaker_state{source} (0 closed, 1 open, 2 half-open)
//   - policy_oracle_tokens_total{phase, kind}
//   - policy_oracle_cost_usd_total{phase}
type Metrics struct {
	JobsTotal           *prometheus.CounterVec
	JobDuration         prometheus.Histogram
	SourceResultsTotal  *prometheus.CounterVec
	SourceDuration      *prometheus.HistogramVec
	DocumentsStored     *prometheus.CounterVec
	ExtractionFallbacks *prometheus.CounterVec
	ChangesDetected     *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	OracleTokens        *prometheus.CounterVec
	OracleCost          *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_jobs_total",
			Help: "Scraping jobs finished, by terminal status",
		}, []string{"status"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_job_duration_seconds",
			Help:    "Wall time of finished scraping jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SourceResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_source_results_total",
			Help: "Per-source results within jobs",
		}, []string{"source", "result"}),
		SourceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_source_duration_seconds",
			Help:    "Time spent collecting one source",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"source"}),
		DocumentsStored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_documents_stored_total",
			Help: "New policy versions stored",
		}, []string{"source"}),
		ExtractionFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_extraction_fallbacks_total",
			Help: "Documents extracted with the rule-based fallback",
		}, []string{"source"}),
		ChangesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_changes_detected_total",
			Help: "Significant policy changes stored",
		}, []string{"impact"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_circuit_breaker_state",
			Help: "Circuit breaker state per source",
		}, []string{"source"}),
		OracleTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_oracle_tokens_total",
			Help: "Oracle tokens consumed, by call phase and token kind",
		}, []string{"phase", "kind"}),
		OracleCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_oracle_cost_usd_total",
			Help: "Estimated oracle spend at list price",
		}, []string{"phase"}),
	}
}

// JobFinished records a terminal job.
func (m *Metrics) JobFinished(job *model.ScrapingJob) {
	m.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.CompletedAt != nil {
		m.JobDuration.Observe(job.CompletedAt.Sub(job.StartedAt).Seconds())
	}
}

// SourceFinished records one source result.
func (m *Metrics) SourceFinished(res model.SourceResult) {
	result := "success"
	if !res.Success {
		result = "failure"
	}
	m.SourceResultsTotal.WithLabelValues(res.Source, result).Inc()
	m.SourceDuration.WithLabelValues(res.Source).Observe(res.Duration.Seconds())
	if res.Stored > 0 {
		m.DocumentsStored.WithLabelValues(res.Source).Add(float64(res.Stored))
	}
}

// ExtractionFallback counts a fallback extraction for source.
func (m *Metrics) ExtractionFallback(source string) {
	m.ExtractionFallbacks.WithLabelValues(source).Inc()
}

// ChangeDetected counts a stored change.
func (m *Metrics) ChangeDetected(impact model.ImpactLevel) {
	m.ChangesDetected.WithLabelValues(string(impact)).Inc()
}

// ObserveBreakers sets the breaker state gauges.
func (m *Metrics) ObserveBreakers(stats []resilience.BreakerStats) {
	for _, s := range stats {
		m.BreakerState.WithLabelValues(s.Name).Set(float64(s.State))
	}
}

// OracleUsage counts the tokens and estimated cost of one oracle call.
func (m *Metrics) OracleUsage(phase, model string, u anthropic.TokenUsage) {
	m.OracleTokens.WithLabelValues(phase, "input").Add(float64(u.InputTokens))
	m.OracleTokens.WithLabelValues(phase, "output").Add(float64(u.OutputTokens))
	m.OracleTokens.WithLabelValues(phase, "cache_write").Add(float64(u.CacheCreationInputTokens))
	m.OracleTokens.WithLabelValues(phase, "cache_read").Add(float64(u.CacheReadInputTokens))
	m.OracleCost.WithLabelValues(phase).Add(u.EstimateCost(model))
}
