package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/policy-engine/internal/db"
	"github.com/sells-group/policy-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgSelectActiveByHash = `SELECT ` + policyColumns + ` FROM payer_policies
		 WHERE payer = $1 AND medication = $2 AND is_active AND content_hash = $3`
	pgMaxPolicyVersion = `SELECT COALESCE(MAX(policy_version), 0) FROM payer_policies WHERE payer = $1 AND medication = $2`
	pgDeactivatePolicy = `UPDATE payer_policies SET is_active = false WHERE payer = $1 AND medication = $2 AND is_active`
	pgInsertPolicy     = `INSERT INTO payer_policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	pgActiveForMedication = `SELECT ` + policyColumns + ` FROM payer_policies
		WHERE is_active AND medication = $1 AND payer <> $2`
	pgGetJob        = `SELECT ` + jobColumns + ` FROM scraping_jobs WHERE id = $1`
	pgChangeExists  = `SELECT 1 FROM policy_changes WHERE policy_id = $1 AND previous_policy_id = $2 LIMIT 1`
	pgInsertOutcome = `INSERT INTO pa_outcomes (` + outcomeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
)

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of a collection run.
var preparedStatements = map[string]string{
	"select_active_by_hash": pgSelectActiveByHash,
	"max_policy_version":    pgMaxPolicyVersion,
	"deactivate_policy":     pgDeactivatePolicy,
	"insert_policy":         pgInsertPolicy,
	"active_for_medication": pgActiveForMedication,
	"get_job":               pgGetJob,
	"change_exists":         pgChangeExists,
	"insert_outcome":        pgInsertOutcome,
}

var outcomeCopyColumns = []string{
	"id", "payer", "medication", "patient_profile_hash", "approval_status", "denial_reason",
	"documentation_used", "approval_probability_predicted", "actual_outcome_score", "prediction_accuracy",
	"processing_time_days", "submitted_at",
}

var patternCopyColumns = []string{
	"payer", "medication", "pattern_type", "success_rate", "sample_size", "statistical_significance", "last_calculated",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS payer_policies (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	payer            TEXT NOT NULL,
	medication       TEXT NOT NULL,
	source           TEXT NOT NULL,
	requirements     JSONB NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality          JSONB,
	raw_text         TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL,
	scraping_job_id  TEXT NOT NULL DEFAULT '',
	extracted_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	effective_date   TIMESTAMPTZ,
	last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active        BOOLEAN NOT NULL DEFAULT true,
	policy_version   INTEGER NOT NULL DEFAULT 1
);

DROP INDEX IF EXISTS idx_policies_content_hash;
CREATE INDEX IF NOT EXISTS idx_policies_hash ON payer_policies(payer, medication, content_hash);
CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_one_active ON payer_policies(payer, medication) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_policies_payer_med ON payer_policies(payer, medication, policy_version DESC);
CREATE INDEX IF NOT EXISTS idx_policies_active ON payer_policies(is_active, last_updated DESC);

CREATE TABLE IF NOT EXISTS policy_changes (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	policy_id          TEXT NOT NULL REFERENCES payer_policies(id),
	previous_policy_id TEXT NOT NULL DEFAULT '',
	payer              TEXT NOT NULL,
	medication         TEXT NOT NULL,
	change_type        TEXT NOT NULL,
	changed_fields     JSONB,
	old_requirements   JSONB,
	new_requirements   JSONB,
	impact_level       TEXT NOT NULL DEFAULT 'medium',
	summary            TEXT NOT NULL DEFAULT '',
	detected_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_pair ON policy_changes(policy_id, previous_policy_id);
CREATE INDEX IF NOT EXISTS idx_changes_impact ON policy_changes(impact_level, detected_at DESC);

CREATE TABLE IF NOT EXISTS pa_outcomes (
	id                             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	payer                          TEXT NOT NULL,
	medication                     TEXT NOT NULL,
	patient_profile_hash           TEXT NOT NULL,
	approval_status                TEXT NOT NULL,
	denial_reason                  TEXT,
	documentation_used             JSONB,
	approval_probability_predicted DOUBLE PRECISION,
	actual_outcome_score           DOUBLE PRECISION,
	prediction_accuracy            DOUBLE PRECISION,
	processing_time_days           INTEGER,
	submitted_at                   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outcomes_payer_med ON pa_outcomes(payer, medication);
CREATE INDEX IF NOT EXISTS idx_outcomes_submitted ON pa_outcomes(payer, submitted_at DESC);

CREATE TABLE IF NOT EXISTS scraping_jobs (
	id                   TEXT PRIMARY KEY,
	sources              JSONB NOT NULL,
	priority             TEXT NOT NULL DEFAULT 'normal',
	status               TEXT NOT NULL DEFAULT 'pending',
	started_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at         TIMESTAMPTZ,
	estimated_completion TIMESTAMPTZ NOT NULL,
	results              JSONB,
	success_rate         DOUBLE PRECISION NOT NULL DEFAULT 0,
	policies_found       INTEGER NOT NULL DEFAULT 0,
	policies_extracted   INTEGER NOT NULL DEFAULT 0,
	error_message        TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON scraping_jobs(status, started_at DESC);

CREATE TABLE IF NOT EXISTS success_patterns (
	payer                    TEXT NOT NULL,
	medication               TEXT NOT NULL,
	pattern_type             TEXT NOT NULL,
	success_rate             DOUBLE PRECISION NOT NULL,
	sample_size              INTEGER NOT NULL,
	statistical_significance DOUBLE PRECISION NOT NULL,
	last_calculated          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (payer, medication, pattern_type)
);

CREATE TABLE IF NOT EXISTS learning_models (
	model_type         TEXT NOT NULL,
	payer              TEXT NOT NULL,
	medication         TEXT NOT NULL,
	model_version      TEXT NOT NULL,
	training_data_size INTEGER NOT NULL DEFAULT 0,
	latest_accuracy    DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_trained       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (model_type, payer, medication)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertPolicyVersion appends v as the active version for its (payer,
// medication). Concurrent writers for the same pair are serialized by a
// transaction-scoped advisory lock.
func (s *PostgresStore) InsertPolicyVersion(ctx context.Context, v *model.PolicyVersion) (*model.PolicyVersion, error) {
	nv := *v
	reqJSON, quality, err := preparePolicy(&nv, s.clock())
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin insert policy")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, model.PolicyKey(nv.Payer, nv.Medication)); err != nil {
		return nil, eris.Wrap(err, "postgres: lock policy key")
	}

	// Only a retry of the active text is a duplicate; a revert is a new version.
	existing, err := scanPolicy(tx.QueryRow(ctx, pgSelectActiveByHash, nv.Payer, nv.Medication, nv.ContentHash))
	switch {
	case err == nil:
		existing.Duplicate = true
		return &existing, nil
	case !isNoRows(err):
		return nil, eris.Wrap(err, "postgres: check content hash")
	}

	var maxVersion int
	if err := tx.QueryRow(ctx, pgMaxPolicyVersion, nv.Payer, nv.Medication).Scan(&maxVersion); err != nil {
		return nil, eris.Wrap(err, "postgres: max policy version")
	}
	if _, err := tx.Exec(ctx, pgDeactivatePolicy, nv.Payer, nv.Medication); err != nil {
		return nil, eris.Wrap(err, "postgres: deactivate previous policy")
	}

	nv.ID = newID()
	nv.VersionNumber = maxVersion + 1
	nv.IsActive = true
	if _, err := tx.Exec(ctx, pgInsertPolicy,
		nv.ID, nv.Payer, nv.Medication, nv.SourceName, reqJSON, nv.ConfidenceScore,
		quality, nv.RawText, nv.ContentHash, nv.JobID, nv.ExtractedAt, nv.EffectiveDate,
		nv.LastUpdated, true, nv.VersionNumber,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert policy")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit insert policy")
	}
	return &nv, nil
}

func (s *PostgresStore) GetPolicies(ctx context.Context, filter model.PolicyFilter) ([]model.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM payer_policies WHERE 1=1`
	var args []any
	argIdx := 1
	if filter.ActiveOnly {
		query += ` AND is_active`
	}
	if filter.Payer != "" {
		query += fmt.Sprintf(` AND payer ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Payer+"%")
		argIdx++
	}
	if filter.Medication != "" {
		query += fmt.Sprintf(` AND medication ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Medication+"%")
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY last_updated DESC LIMIT $%d`, argIdx)
	args = append(args, policyLimit(filter.Limit))
	return s.queryPolicies(ctx, "get policies", query, args...)
}

func (s *PostgresStore) GetPolicyHistory(ctx context.Context, payer, medication string) ([]model.PolicyVersion, error) {
	return s.queryPolicies(ctx, "policy history",
		`SELECT `+policyColumns+` FROM payer_policies WHERE payer = $1 AND medication = $2 ORDER BY policy_version DESC`,
		payer, medication)
}

func (s *PostgresStore) ListPolicyVersions(ctx context.Context, limit int) ([]model.PolicyVersion, error) {
	return s.queryPolicies(ctx, "list policy versions",
		`SELECT `+policyColumns+` FROM payer_policies ORDER BY last_updated DESC LIMIT $1`,
		listLimit(limit))
}

func (s *PostgresStore) ActivePoliciesForMedication(ctx context.Context, medication, excludePayer string) ([]model.PolicyVersion, error) {
	return s.queryPolicies(ctx, "active policies for medication", pgActiveForMedication, medication, excludePayer)
}

func (s *PostgresStore) queryPolicies(ctx context.Context, op, query string, args ...any) ([]model.PolicyVersion, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: "+op)
	}
	defer rows.Close()

	var out []model.PolicyVersion
	for rows.Next() {
		v, err := scanPolicy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: "+op+" iterate")
}

func (s *PostgresStore) CoverageSummary(ctx context.Context) (*model.CoverageSummary, error) {
	var (
		cs   model.CoverageSummary
		last *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT payer), COUNT(DISTINCT medication),
		        COALESCE(AVG(confidence_score), 0), MAX(last_updated)
		 FROM payer_policies WHERE is_active`,
	).Scan(&cs.TotalPolicies, &cs.UniquePayers, &cs.UniqueMedications, &cs.AvgConfidence, &last)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: coverage summary")
	}
	if last != nil {
		cs.LastUpdated = *last
	}
	return &cs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ScrapingJob) error {
	sources, results, err := marshalJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scraping_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, sources, string(job.Priority), string(job.Status), job.StartedAt, job.CompletedAt,
		job.EstimatedCompletion, results, job.SuccessRate, job.PoliciesFound, job.PoliciesExtracted,
		nullString(job.ErrorMessage),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.ScrapingJob) error {
	_, results, err := marshalJob(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraping_jobs SET status = $1, completed_at = $2, results = $3, success_rate = $4,
		 policies_found = $5, policies_extracted = $6, error_message = $7 WHERE id = $8`,
		string(job.Status), job.CompletedAt, results, job.SuccessRate,
		job.PoliciesFound, job.PoliciesExtracted, nullString(job.ErrorMessage), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.ScrapingJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, pgGetJob, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scraping_jobs WHERE 1=1`
	var args []any
	argIdx := 1
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ScrapingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) InsertChange(ctx context.Context, c *model.PolicyChange) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.clock()
	}
	fields, oldReq, newReq, err := marshalChange(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policy_changes (`+changeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.PolicyVersionID, c.PreviousID, c.Payer, c.Medication, string(c.ChangeType),
		fields, oldReq, newReq, string(c.ImpactLevel), c.Summary, c.DetectedAt,
	)
	return eris.Wrap(err, "postgres: insert change")
}

func (s *PostgresStore) ChangeExists(ctx context.Context, policyVersionID, previousID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, pgChangeExists, policyVersionID, previousID).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: change exists")
	}
	return true, nil
}

func (s *PostgresStore) RecentChanges(ctx context.Context, filter model.ChangeFilter) ([]model.PolicyChange, error) {
	query := `SELECT ` + changeColumns + ` FROM policy_changes WHERE detected_at >= $1`
	args := []any{changeSince(filter, s.clock())}
	argIdx := 2
	if filter.Payer != "" {
		query += fmt.Sprintf(` AND payer ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Payer+"%")
		argIdx++
	}
	if filter.Severity != "" {
		query += fmt.Sprintf(` AND impact_level = $%d`, argIdx)
		args = append(args, string(filter.Severity))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent changes")
	}
	defer rows.Close()

	var out []model.PolicyChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent changes iterate")
}

func (s *PostgresStore) InsertOutcome(ctx context.Context, o *model.Outcome) error {
	docs, err := prepareOutcome(o, s.clock())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgInsertOutcome, outcomeRow(o, docs)...)
	return eris.Wrap(err, "postgres: insert outcome")
}

func outcomeRow(o *model.Outcome, docs []byte) []any {
	return []any{
		o.ID, o.Payer, o.Medication, o.PatientProfileHash, string(o.ApprovalStatus), nullString(o.DenialReason),
		docs, o.PredictedProbability, o.ActualOutcomeScore, o.PredictionAccuracy,
		o.ProcessingTimeDays, o.SubmittedAt,
	}
}

// ImportOutcomes bulk-loads outcomes with COPY. An invalid outcome aborts
// the load before anything is sent.
func (s *PostgresStore) ImportOutcomes(ctx context.Context, outcomes []model.Outcome) (int64, error) {
	now := s.clock()
	copier := db.Copier[model.Outcome]{
		Table:   "pa_outcomes",
		Columns: outcomeCopyColumns,
		Noun:    "outcome",
		Encode: func(o *model.Outcome) ([]any, error) {
			docs, err := prepareOutcome(o, now)
			if err != nil {
				return nil, err
			}
			return outcomeRow(o, docs), nil
		},
	}
	n, err := copier.Copy(ctx, s.pool, outcomes)
	return n, eris.Wrap(err, "postgres: import outcomes")
}

func (s *PostgresStore) OutcomesFor(ctx context.Context, payer, medication string) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM pa_outcomes WHERE payer = $1 AND medication = $2 ORDER BY submitted_at DESC`,
		payer, medication)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: outcomes for")
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: outcomes for iterate")
}

func (s *PostgresStore) PredictionAccuracy(ctx context.Context, payer string) (*model.AccuracyStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT prediction_accuracy FROM pa_outcomes
		 WHERE payer = $1 AND prediction_accuracy IS NOT NULL ORDER BY submitted_at DESC`,
		payer)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: prediction accuracy")
	}
	defer rows.Close()

	var acc []float64
	for rows.Next() {
		var a float64
		if err := rows.Scan(&a); err != nil {
			return nil, eris.Wrap(err, "postgres: scan accuracy")
		}
		acc = append(acc, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: prediction accuracy iterate")
	}
	return accuracyStats(payer, acc), nil
}

// UpsertSuccessPatterns writes patterns through a temp-table bulk upsert.
// A pattern older than the stored one is ignored.
func (s *PostgresStore) UpsertSuccessPatterns(ctx context.Context, patterns ...model.SuccessPattern) error {
	rows := make([][]any, len(patterns))
	for i, p := range patterns {
		rows[i] = []any{
			p.Payer, p.Medication, p.PatternType, p.SuccessRate, p.SampleSize,
			p.StatisticalSignificance, p.LastCalculated,
		}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "success_patterns",
		Columns:      patternCopyColumns,
		ConflictKeys: []string{"payer", "medication", "pattern_type"},
		NewerThan:    "last_calculated",
	}, rows)
	return eris.Wrap(err, "postgres: upsert success patterns")
}

func (s *PostgresStore) ListSuccessPatterns(ctx context.Context, filter model.PatternFilter) ([]model.SuccessPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM success_patterns WHERE statistical_significance >= $1`
	args := []any{filter.MinSignificance}
	argIdx := 2
	if filter.Payer != "" {
		query += fmt.Sprintf(` AND payer ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Payer+"%")
		argIdx++
	}
	if filter.Medication != "" {
		query += fmt.Sprintf(` AND medication ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Medication+"%")
	}
	query += ` ORDER BY success_rate DESC, sample_size DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list patterns")
	}
	defer rows.Close()

	var out []model.SuccessPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pattern")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list patterns iterate")
}

func (s *PostgresStore) UpdateLearningModel(ctx context.Context, modelType, payer, medication string, accuracy float64) (*model.LearningModel, error) {
	var m model.LearningModel
	err := s.pool.QueryRow(ctx,
		`INSERT INTO learning_models (model_type, payer, medication, model_version, training_data_size, latest_accuracy, last_trained)
		 VALUES ($1, $2, $3, $4, 1, $5, $6)
		 ON CONFLICT (model_type, payer, medication) DO UPDATE SET
		   training_data_size = learning_models.training_data_size + 1,
		   latest_accuracy = EXCLUDED.latest_accuracy,
		   last_trained = EXCLUDED.last_trained
		 RETURNING model_type, payer, medication, model_version, training_data_size, latest_accuracy, last_trained`,
		modelType, payer, medication, initialModelVersion, accuracy, s.clock(),
	).Scan(&m.ModelType, &m.Payer, &m.Medication, &m.Version, &m.TrainingSize, &m.LatestAccuracy, &m.LastTrained)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert learning model")
	}
	return &m, nil
}

func (s *PostgresStore) DataMoatMetrics(ctx context.Context) (*model.DataMoatMetrics, error) {
	var m model.DataMoatMetrics
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(DISTINCT (payer, medication)) FROM payer_policies WHERE is_active),
		(SELECT COUNT(*) FROM payer_policies),
		(SELECT COUNT(*) FROM pa_outcomes),
		(SELECT COALESCE(AVG(latest_accuracy), 0) FROM learning_models),
		(SELECT COUNT(*) FROM payer_policies WHERE extracted_at >= $1),
		(SELECT COUNT(*) FROM pa_outcomes WHERE submitted_at >= $1),
		(SELECT COUNT(DISTINCT payer) FROM payer_policies WHERE is_active),
		(SELECT COUNT(DISTINCT medication) FROM payer_policies WHERE is_active)`,
		s.clock().Add(-recentWindow),
	).Scan(&m.UniquePolicies, &m.PolicyVersions, &m.OutcomeDataPoints, &m.LearningAccuracy,
		&m.RecentPolicies, &m.RecentOutcomes, &m.PayersCovered, &m.MedicationsCovered)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: data moat metrics")
	}
	m.MarketCoveragePercentage = model.MarketCoverage(m.PayersCovered)
	return &m, nil
}
