package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of collection health.
type MetricsSnapshot struct {
	// Jobs started within the lookback window.
	JobsTotal         int     `json:"jobs_total"`
	JobsCompleted     int     `json:"jobs_completed"`
	JobsFailed        int     `json:"jobs_failed"`
	JobsRunning       int     `json:"jobs_running"`
	JobsPending       int     `json:"jobs_pending"`
	JobFailRate       float64 `json:"job_fail_rate"`
	AvgSuccessRate    float64 `json:"avg_source_success_rate"`
	PoliciesFound     int     `json:"policies_found"`
	PoliciesExtracted int     `json:"policies_extracted"`

	// SourceFailures counts failed source results per source id.
	SourceFailures map[string]int `json:"source_failures"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// snapshotJobLimit caps how many jobs one snapshot reads.
const snapshotJobLimit = 10000

// Collector gathers job metrics from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		SourceFailures: make(map[string]int),
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}

	jobs, err := c.store.ListJobs(ctx, model.JobFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: snapshotJobLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	var rateSum float64
	for _, j := range jobs {
		switch j.Status {
		case model.JobCompleted:
			snap.JobsCompleted++
		case model.JobFailed:
			snap.JobsFailed++
		case model.JobRunning:
			snap.JobsRunning++
		case model.JobPending:
			snap.JobsPending++
		}
		if j.Status.Terminal() {
			rateSum += j.SuccessRate
		}
		snap.PoliciesFound += j.PoliciesFound
		snap.PoliciesExtracted += j.PoliciesExtracted
		for _, r := range j.Results {
			if !r.Success {
				snap.SourceFailures[r.Source]++
			}
		}
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
		snap.AvgSuccessRate = rateSum / float64(finished)
	}
	return snap, nil
}
