// Package store persists policy versions, jobs, changes, outcomes and the
// aggregates derived from them. SQLite and Postgres implementations share
// one schema.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/policy-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the engine.
type Store interface {
	// Policies
	InsertPolicyVersion(ctx context.Context, v *model.PolicyVersion) (*model.PolicyVersion, error)
	GetPolicies(ctx context.Context, filter model.PolicyFilter) ([]model.PolicyVersion, error)
	GetPolicyHistory(ctx context.Context, payer, medication string) ([]model.PolicyVersion, error)
	ListPolicyVersions(ctx context.Context, limit int) ([]model.PolicyVersion, error)
	ActivePoliciesForMedication(ctx context.Context, medication, excludePayer string) ([]model.PolicyVersion, error)
	CoverageSummary(ctx context.Context) (*model.CoverageSummary, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.ScrapingJob) error
	UpdateJob(ctx context.Context, job *model.ScrapingJob) error
	GetJob(ctx context.Context, id string) (*model.ScrapingJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapingJob, error)

	// Changes
	InsertChange(ctx context.Context, c *model.PolicyChange) error
	ChangeExists(ctx context.Context, policyVersionID, previousID string) (bool, error)
	RecentChanges(ctx context.Context, filter model.ChangeFilter) ([]model.PolicyChange, error)

	// Outcomes
	InsertOutcome(ctx context.Context, o *model.Outcome) error
	ImportOutcomes(ctx context.Context, outcomes []model.Outcome) (int64, error)
	OutcomesFor(ctx context.Context, payer, medication string) ([]model.Outcome, error)
	PredictionAccuracy(ctx context.Context, payer string) (*model.AccuracyStats, error)

	// Derived aggregates
	UpsertSuccessPatterns(ctx context.Context, patterns ...model.SuccessPattern) error
	ListSuccessPatterns(ctx context.Context, filter model.PatternFilter) ([]model.SuccessPattern, error)
	UpdateLearningModel(ctx context.Context, modelType, payer, medication string, accuracy float64) (*model.LearningModel, error)
	DataMoatMetrics(ctx context.Context) (*model.DataMoatMetrics, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Learning model constants.
const (
	ModelApprovalPrediction = "approval_prediction"
	initialModelVersion     = "1.0"
)

const (
	defaultPolicyLimit = 50
	defaultListLimit   = 100
	recentWindow       = 30 * 24 * time.Hour
)

const policyColumns = `id, payer, medication, source, requirements, confidence_score, quality, raw_text,
	content_hash, scraping_job_id, extracted_at, effective_date, last_updated, is_active, policy_version`

const jobColumns = `id, sources, priority, status, started_at, completed_at, estimated_completion,
	results, success_rate, policies_found, policies_extracted, error_message`

const changeColumns = `id, policy_id, previous_policy_id, payer, medication, change_type, changed_fields,
	old_requirements, new_requirements, impact_level, summary, detected_at`

const outcomeColumns = `id, payer, medication, patient_profile_hash, approval_status, denial_reason,
	documentation_used, approval_probability_predicted, actual_outcome_score, prediction_accuracy,
	processing_time_days, submitted_at`

const patternColumns = `payer, medication, pattern_type, success_rate, sample_size, statistical_significance, last_calculated`

type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func scanPolicy(row scannable) (model.PolicyVersion, error) {
	var (
		v       model.PolicyVersion
		reqJSON []byte
		quality []byte
	)
	err := row.Scan(&v.ID, &v.Payer, &v.Medication, &v.SourceName, &reqJSON, &v.ConfidenceScore,
		&quality, &v.RawText, &v.ContentHash, &v.JobID, &v.ExtractedAt, &v.EffectiveDate,
		&v.LastUpdated, &v.IsActive, &v.VersionNumber)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(reqJSON, &v.Requirements); err != nil {
		return v, eris.Wrap(err, "store: unmarshal requirements")
	}
	if len(quality) > 0 {
		v.Quality = &model.ScoreResult{}
		if err := json.Unmarshal(quality, v.Quality); err != nil {
			return v, eris.Wrap(err, "store: unmarshal quality")
		}
	}
	return v, nil
}

func scanJob(row scannable) (*model.ScrapingJob, error) {
	var (
		j          model.ScrapingJob
		sources    []byte
		results    []byte
		priority   string
		status     string
		errMessage *string
	)
	err := row.Scan(&j.ID, &sources, &priority, &status, &j.StartedAt, &j.CompletedAt,
		&j.EstimatedCompletion, &results, &j.SuccessRate, &j.PoliciesFound, &j.PoliciesExtracted, &errMessage)
	if err != nil {
		return nil, err
	}
	j.Priority = model.Priority(priority)
	j.Status = model.JobStatus(status)
	if errMessage != nil {
		j.ErrorMessage = *errMessage
	}
	if err := json.Unmarshal(sources, &j.Sources); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal job sources")
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal job results")
		}
	}
	return &j, nil
}

func scanChange(row scannable) (model.PolicyChange, error) {
	var (
		c                      model.PolicyChange
		fields, oldReq, newReq []byte
		changeType, impact     string
	)
	err := row.Scan(&c.ID, &c.PolicyVersionID, &c.PreviousID, &c.Payer, &c.Medication, &changeType,
		&fields, &oldReq, &newReq, &impact, &c.Summary, &c.DetectedAt)
	if err != nil {
		return c, err
	}
	c.ChangeType = model.ChangeType(changeType)
	c.ImpactLevel = model.ImpactLevel(impact)
	for _, part := range []struct {
		data []byte
		dst  any
	}{{fields, &c.ChangedFields}, {oldReq, &c.OldRequirements}, {newReq, &c.NewRequirements}} {
		if len(part.data) == 0 {
			continue
		}
		if err := json.Unmarshal(part.data, part.dst); err != nil {
			return c, eris.Wrap(err, "store: unmarshal change")
		}
	}
	return c, nil
}

func scanOutcome(row scannable) (model.Outcome, error) {
	var (
		o      model.Outcome
		status string
		denial *string
		docs   []byte
	)
	err := row.Scan(&o.ID, &o.Payer, &o.Medication, &o.PatientProfileHash, &status, &denial, &docs,
		&o.PredictedProbability, &o.ActualOutcomeScore, &o.PredictionAccuracy, &o.ProcessingTimeDays, &o.SubmittedAt)
	if err != nil {
		return o, err
	}
	o.ApprovalStatus = model.ApprovalStatus(status)
	if denial != nil {
		o.DenialReason = *denial
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &o.DocumentationUsed); err != nil {
			return o, eris.Wrap(err, "store: unmarshal documentation used")
		}
	}
	return o, nil
}

func scanPattern(row scannable) (model.SuccessPattern, error) {
	var p model.SuccessPattern
	err := row.Scan(&p.Payer, &p.Medication, &p.PatternType, &p.SuccessRate, &p.SampleSize,
		&p.StatisticalSignificance, &p.LastCalculated)
	return p, err
}

// preparePolicy fills defaults on a version about to be inserted.
func preparePolicy(v *model.PolicyVersion, now time.Time) ([]byte, []byte, error) {
	if v.ContentHash == "" {
		v.ContentHash = model.ContentHash(v.Payer, v.Medication, v.SourceName, v.RawText)
	}
	if v.ExtractedAt.IsZero() {
		v.ExtractedAt = now
	}
	if v.LastUpdated.IsZero() {
		v.LastUpdated = now
	}
	reqJSON, err := json.Marshal(v.Requirements)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal requirements")
	}
	var quality []byte
	if v.Quality != nil {
		if quality, err = json.Marshal(v.Quality); err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal quality")
		}
	}
	return reqJSON, quality, nil
}

func marshalJob(j *model.ScrapingJob) (sources, results []byte, err error) {
	if sources, err = json.Marshal(j.Sources); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal job sources")
	}
	if results, err = json.Marshal(j.Results); err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal job results")
	}
	return sources, results, nil
}

func marshalChange(c *model.PolicyChange) (fields, oldReq, newReq []byte, err error) {
	if fields, err = json.Marshal(c.ChangedFields); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal changed fields")
	}
	if oldReq, err = json.Marshal(c.OldRequirements); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal old requirements")
	}
	if newReq, err = json.Marshal(c.NewRequirements); err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal new requirements")
	}
	return fields, oldReq, newReq, nil
}

// prepareOutcome validates o, assigns an id and derives accuracy fields.
func prepareOutcome(o *model.Outcome, now time.Time) ([]byte, error) {
	if o.Payer == "" || o.Medication == "" {
		return nil, eris.New("store: outcome requires payer and medication")
	}
	if !o.ApprovalStatus.Valid() {
		return nil, eris.Errorf("store: invalid approval status %q", o.ApprovalStatus)
	}
	if o.ID == "" {
		o.ID = newID()
	}
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	o.Derive()
	docs, err := json.Marshal(o.DocumentationUsed)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal documentation used")
	}
	return docs, nil
}

// accuracyStats folds prediction accuracies, newest first, into recent and
// overall means.
func accuracyStats(payer string, newestFirst []float64) *model.AccuracyStats {
	stats := &model.AccuracyStats{Payer: payer, Samples: len(newestFirst)}
	if len(newestFirst) == 0 {
		return stats
	}
	var total, recent float64
	for i, a := range newestFirst {
		total += a
		if i < model.RecentWindow {
			recent += a
		}
	}
	stats.Overall = total / float64(len(newestFirst))
	stats.Recent = recent / float64(min(len(newestFirst), model.RecentWindow))
	return stats
}

// changeSince converts the filter's day window into a lower bound.
func changeSince(filter model.ChangeFilter, now time.Time) time.Time {
	days := filter.Days
	if days <= 0 {
		days = 30
	}
	return now.AddDate(0, 0, -days)
}

func policyLimit(n int) int {
	if n <= 0 {
		return defaultPolicyLimit
	}
	return n
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func newID() string {
	return uuid.New().String()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
