package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/config"
	"github.com/sells-group/policy-engine/internal/resilience"
)

// DefaultInterval is the check period when none is configured.
const DefaultInterval = 6 * time.Hour

// BreakerStater reports circuit breaker state. *resilience.ServiceBreakers
// implements it.
type BreakerStater interface {
	Stats() []resilience.BreakerStats
}

// CheckResult is the outcome of one check cycle.
type CheckResult struct {
	Detection *DetectionReport `json:"detection,omitempty"`
	Snapshot  *MetricsSnapshot `json:"snapshot,omitempty"`
	Alerts    []Alert          `json:"alerts"`
	Sent      int              `json:"alerts_sent"`
}

// Checker runs change detection and job health checks in the background.
type Checker struct {
	detector  *Detector
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitorConfig

	metrics  *Metrics
	breakers BreakerStater
}

// NewChecker creates a background checker. Any of detector, collector and
// alerter may be nil to skip that part of the cycle.
func NewChecker(detector *Detector, collector *Collector, alerter *Alerter, cfg config.MonitorConfig) *Checker {
	return &Checker{
		detector:  detector,
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// WithMetrics publishes breaker state to m on every cycle.
func (c *Checker) WithMetrics(m *Metrics, breakers BreakerStater) *Checker {
	c.metrics = m
	c.breakers = breakers
	return c
}

// Interval returns the configured check period.
func (c *Checker) Interval() time.Duration {
	if c.cfg.IntervalMins <= 0 {
		return DefaultInterval
	}
	return time.Duration(c.cfg.IntervalMins) * time.Minute
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.Interval()
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting policy monitor",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("policy monitor stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single check cycle. Failures in one part are logged and
// do not prevent the others.
func (c *Checker) RunOnce(ctx context.Context) *CheckResult {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	res := &CheckResult{}

	if c.metrics != nil && c.breakers != nil {
		c.metrics.ObserveBreakers(c.breakers.Stats())
	}

	if c.detector != nil {
		report, err := c.detector.Run(ctx)
		if err != nil {
			log.Error("monitoring: change detection failed", zap.Error(err))
		}
		res.Detection = report
	}

	if c.collector == nil {
		return res
	}
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return res
	}
	res.Snapshot = snap

	if c.alerter == nil {
		return res
	}
	res.Alerts = c.alerter.Evaluate(snap)
	if len(res.Alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return res
	}
	res.Sent = c.alerter.SendAlerts(ctx, res.Alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(res.Alerts)),
		zap.Int("alerts_sent", res.Sent),
	)
	return res
}
