package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/config"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/pkg/notion"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate   AlertType = "job_failure_rate"
	AlertSourceDown       AlertType = "source_down"
	AlertHighImpactChange AlertType = "high_impact_change"
)

// minFinishedJobs is the smallest sample the failure-rate alert fires on.
const minFinishedJobs = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ChangeSink records high-impact changes outside the engine.
// *notion.ChangeLog implements it.
type ChangeSink interface {
	Record(ctx context.Context, e notion.ChangeEntry) (string, error)
}

// Alerter evaluates job health and policy changes and delivers alerts via
// webhook and an optional change sink.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
	sink   ChangeSink
	now    func() time.Time
}

// NewAlerter creates a new Alerter. sink may be nil.
func NewAlerter(cfg config.MonitorConfig, sink ChangeSink) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now()

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= minFinishedJobs && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// A source that failed in every finished job is treated as down.
	if finished >= minFinishedJobs {
		for _, source := range slices.Sorted(maps.Keys(snap.SourceFailures)) {
			failures := snap.SourceFailures[source]
			if failures < finished {
				continue
			}
			alerts = append(alerts, Alert{
				Type:      AlertSourceDown,
				Severity:  "medium",
				Message:   fmt.Sprintf("Source %s failed in all %d jobs in last %dh", source, failures, snap.LookbackHours),
				Details:   map[string]any{"source": source, "failures": failures},
				Timestamp: now,
			})
		}
	}
	return alerts
}

// ChangeAlert builds the alert for a detected policy change.
func (a *Alerter) ChangeAlert(c *model.PolicyChange) Alert {
	return Alert{
		Type:     AlertHighImpactChange,
		Severity: string(c.ImpactLevel),
		Message:  fmt.Sprintf("%s changed its %s policy: %s", c.Payer, c.Medication, c.Summary),
		Details: map[string]any{
			"change_id":          c.ID,
			"policy_id":          c.PolicyVersionID,
			"previous_policy_id": c.PreviousID,
			"changed_fields":     len(c.ChangedFields),
		},
		Timestamp: c.DetectedAt,
	}
}

// NotifyChange sends a change alert to the webhook and records the change in
// the sink. Delivery failures are logged and returned joined.
func (a *Alerter) NotifyChange(ctx context.Context, c *model.PolicyChange) error {
	var errs []error
	if a.cfg.AlertWebhookURL != "" {
		if err := a.sendWebhook(ctx, a.ChangeAlert(c)); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sink != nil {
		_, err := a.sink.Record(ctx, notion.ChangeEntry{
			ChangeID:   c.ID,
			Payer:      c.Payer,
			Medication: c.Medication,
			ChangeType: string(c.ChangeType),
			Impact:     string(c.ImpactLevel),
			Summary:    c.Summary,
			DetectedAt: c.DetectedAt,
		})
		if err != nil {
			errs = append(errs, eris.Wrap(err, "monitoring: record change"))
		}
	}
	for _, err := range errs {
		zap.L().Error("monitoring: change alert delivery failed",
			zap.String("change_id", c.ID), zap.Error(err))
	}
	return errors.Join(errs...)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.AlertWebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
