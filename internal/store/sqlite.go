package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/policy-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Writers are serialized through a single connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS payer_policies (
	id               TEXT PRIMARY KEY,
	payer            TEXT NOT NULL,
	medication       TEXT NOT NULL,
	source           TEXT NOT NULL,
	requirements     TEXT NOT NULL,
	confidence_score REAL NOT NULL DEFAULT 0,
	quality          TEXT,
	raw_text         TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL,
	scraping_job_id  TEXT NOT NULL DEFAULT '',
	extracted_at     DATETIME NOT NULL,
	effective_date   DATETIME,
	last_updated     DATETIME NOT NULL,
	is_active        INTEGER NOT NULL DEFAULT 1,
	policy_version   INTEGER NOT NULL DEFAULT 1
);

DROP INDEX IF EXISTS idx_policies_content_hash;
CREATE INDEX IF NOT EXISTS idx_policies_hash ON payer_policies(payer, medication, content_hash);
CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_one_active ON payer_policies(payer, medication) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_policies_payer_med ON payer_policies(payer, medication, policy_version);
CREATE INDEX IF NOT EXISTS idx_policies_active ON payer_policies(is_active, last_updated);

CREATE TABLE IF NOT EXISTS policy_changes (
	id                 TEXT PRIMARY KEY,
	policy_id          TEXT NOT NULL REFERENCES payer_policies(id),
	previous_policy_id TEXT NOT NULL DEFAULT '',
	payer              TEXT NOT NULL,
	medication         TEXT NOT NULL,
	change_type        TEXT NOT NULL,
	changed_fields     TEXT,
	old_requirements   TEXT,
	new_requirements   TEXT,
	impact_level       TEXT NOT NULL DEFAULT 'medium',
	summary            TEXT NOT NULL DEFAULT '',
	detected_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_pair ON policy_changes(policy_id, previous_policy_id);
CREATE INDEX IF NOT EXISTS idx_changes_impact ON policy_changes(impact_level, detected_at);

CREATE TABLE IF NOT EXISTS pa_outcomes (
	id                             TEXT PRIMARY KEY,
	payer                          TEXT NOT NULL,
	medication                     TEXT NOT NULL,
	patient_profile_hash           TEXT NOT NULL,
	approval_status                TEXT NOT NULL,
	denial_reason                  TEXT,
	documentation_used             TEXT,
	approval_probability_predicted REAL,
	actual_outcome_score           REAL,
	prediction_accuracy            REAL,
	processing_time_days           INTEGER,
	submitted_at                   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_payer_med ON pa_outcomes(payer, medication);
CREATE INDEX IF NOT EXISTS idx_outcomes_submitted ON pa_outcomes(payer, submitted_at);

CREATE TABLE IF NOT EXISTS scraping_jobs (
	id                   TEXT PRIMARY KEY,
	sources              TEXT NOT NULL,
	priority             TEXT NOT NULL DEFAULT 'normal',
	status               TEXT NOT NULL DEFAULT 'pending',
	started_at           DATETIME NOT NULL,
	completed_at         DATETIME,
	estimated_completion DATETIME NOT NULL,
	results              TEXT,
	success_rate         REAL NOT NULL DEFAULT 0,
	policies_found       INTEGER NOT NULL DEFAULT 0,
	policies_extracted   INTEGER NOT NULL DEFAULT 0,
	error_message        TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON scraping_jobs(status, started_at);

CREATE TABLE IF NOT EXISTS success_patterns (
	payer                    TEXT NOT NULL,
	medication               TEXT NOT NULL,
	pattern_type             TEXT NOT NULL,
	success_rate             REAL NOT NULL,
	sample_size              INTEGER NOT NULL,
	statistical_significance REAL NOT NULL,
	last_calculated          DATETIME NOT NULL,
	PRIMARY KEY (payer, medication, pattern_type)
);

CREATE TABLE IF NOT EXISTS learning_models (
	model_type         TEXT NOT NULL,
	payer              TEXT NOT NULL,
	medication         TEXT NOT NULL,
	model_version      TEXT NOT NULL,
	training_data_size INTEGER NOT NULL DEFAULT 0,
	latest_accuracy    REAL NOT NULL DEFAULT 0,
	last_trained       DATETIME NOT NULL,
	PRIMARY KEY (model_type, payer, medication)
);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertPolicyVersion appends v as the active version for its (payer,
// medication). A document matching the active version's content hash is not
// inserted again; the active version is returned with Duplicate set. A
// revert to an older text is stored as a new version.
func (s *SQLiteStore) InsertPolicyVersion(ctx context.Context, v *model.PolicyVersion) (*model.PolicyVersion, error) {
	nv := *v
	reqJSON, quality, err := preparePolicy(&nv, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin insert policy")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanPolicy(tx.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM payer_policies
		 WHERE payer = ? AND medication = ? AND is_active = 1 AND content_hash = ?`,
		nv.Payer, nv.Medication, nv.ContentHash))
	switch {
	case err == nil:
		existing.Duplicate = true
		return &existing, nil
	case !isNoRows(err):
		return nil, eris.Wrap(err, "sqlite: check content hash")
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(policy_version), 0) FROM payer_policies WHERE payer = ? AND medication = ?`,
		nv.Payer, nv.Medication,
	).Scan(&maxVersion); err != nil {
		return nil, eris.Wrap(err, "sqlite: max policy version")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE payer_policies SET is_active = 0 WHERE payer = ? AND medication = ? AND is_active = 1`,
		nv.Payer, nv.Medication,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: deactivate previous policy")
	}

	nv.ID = newID()
	nv.VersionNumber = maxVersion + 1
	nv.IsActive = true
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payer_policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nv.ID, nv.Payer, nv.Medication, nv.SourceName, string(reqJSON), nv.ConfidenceScore,
		nullBytes(quality), nv.RawText, nv.ContentHash, nv.JobID, nv.ExtractedAt, nv.EffectiveDate,
		nv.LastUpdated, true, nv.VersionNumber,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert policy")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit insert policy")
	}
	return &nv, nil
}

// GetPolicies lists policies, newest first. Payer and medication match
// case-insensitive substrings.
func (s *SQLiteStore) GetPolicies(ctx context.Context, filter model.PolicyFilter) ([]model.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM payer_policies WHERE 1=1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}
	if filter.Payer != "" {
		query += ` AND payer LIKE ?`
		args = append(args, "%"+filter.Payer+"%")
	}
	if filter.Medication != "" {
		query += ` AND medication LIKE ?`
		args = append(args, "%"+filter.Medication+"%")
	}
	query += ` ORDER BY last_updated DESC LIMIT ?`
	args = append(args, policyLimit(filter.Limit))
	return s.queryPolicies(ctx, "get policies", query, args...)
}

// GetPolicyHistory returns every version for (payer, medication), newest
// version first.
func (s *SQLiteStore) GetPolicyHistory(ctx context.Context, payer, medication string) ([]model.PolicyVersion, error) {
	return s.queryPolicies(ctx, "policy history",
		`SELECT `+policyColumns+` FROM payer_policies WHERE payer = ? AND medication = ? ORDER BY policy_version DESC`,
		payer, medication)
}

// ListPolicyVersions returns active and historical versions by last update.
func (s *SQLiteStore) ListPolicyVersions(ctx context.Context, limit int) ([]model.PolicyVersion, error) {
	return s.queryPolicies(ctx, "list policy versions",
		`SELECT `+policyColumns+` FROM payer_policies ORDER BY last_updated DESC LIMIT ?`,
		listLimit(limit))
}

// ActivePoliciesForMedication returns other payers' active versions.
func (s *SQLiteStore) ActivePoliciesForMedication(ctx context.Context, medication, excludePayer string) ([]model.PolicyVersion, error) {
	return s.queryPolicies(ctx, "active policies for medication",
		`SELECT `+policyColumns+` FROM payer_policies WHERE is_active = 1 AND medication = ? AND payer <> ?`,
		medication, excludePayer)
}

func (s *SQLiteStore) queryPolicies(ctx context.Context, op, query string, args ...any) ([]model.PolicyVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: "+op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PolicyVersion
	for rows.Next() {
		v, err := scanPolicy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: "+op+" iterate")
}

// CoverageSummary aggregates the active policy set.
func (s *SQLiteStore) CoverageSummary(ctx context.Context) (*model.CoverageSummary, error) {
	var cs model.CoverageSummary
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT payer), COUNT(DISTINCT medication), COALESCE(AVG(confidence_score), 0)
		 FROM payer_policies WHERE is_active = 1`,
	).Scan(&cs.TotalPolicies, &cs.UniquePayers, &cs.UniqueMedications, &cs.AvgConfidence); err != nil {
		return nil, eris.Wrap(err, "sqlite: coverage summary")
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_updated FROM payer_policies WHERE is_active = 1 ORDER BY last_updated DESC LIMIT 1`,
	).Scan(&cs.LastUpdated)
	if err != nil && !isNoRows(err) {
		return nil, eris.Wrap(err, "sqlite: coverage last updated")
	}
	return &cs, nil
}

// CreateJob inserts a job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ScrapingJob) error {
	sources, results, err := marshalJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scraping_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(sources), string(job.Priority), string(job.Status), job.StartedAt, job.CompletedAt,
		job.EstimatedCompletion, string(results), job.SuccessRate, job.PoliciesFound, job.PoliciesExtracted,
		nullString(job.ErrorMessage),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

// UpdateJob overwrites the mutable fields of a job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.ScrapingJob) error {
	_, results, err := marshalJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_jobs SET status = ?, completed_at = ?, results = ?, success_rate = ?,
		 policies_found = ?, policies_extracted = ?, error_message = ? WHERE id = ?`,
		string(job.Status), job.CompletedAt, string(results), job.SuccessRate,
		job.PoliciesFound, job.PoliciesExtracted, nullString(job.ErrorMessage), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

// GetJob returns a job by id or ErrNotFound.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ScrapingJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scraping_jobs WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

// ListJobs lists jobs, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scraping_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.ScrapingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// InsertChange appends a change record.
func (s *SQLiteStore) InsertChange(ctx context.Context, c *model.PolicyChange) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.now()
	}
	fields, oldReq, newReq, err := marshalChange(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_changes (`+changeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PolicyVersionID, c.PreviousID, c.Payer, c.Medication, string(c.ChangeType),
		string(fields), string(oldReq), string(newReq), string(c.ImpactLevel), c.Summary, c.DetectedAt,
	)
	return eris.Wrap(err, "sqlite: insert change")
}

// ChangeExists reports whether the pair was already recorded.
func (s *SQLiteStore) ChangeExists(ctx context.Context, policyVersionID, previousID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM policy_changes WHERE policy_id = ? AND previous_policy_id = ? LIMIT 1`,
		policyVersionID, previousID,
	).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: change exists")
	}
	return true, nil
}

// RecentChanges lists changes detected in the last filter.Days days.
func (s *SQLiteStore) RecentChanges(ctx context.Context, filter model.ChangeFilter) ([]model.PolicyChange, error) {
	query := `SELECT ` + changeColumns + ` FROM policy_changes WHERE detected_at >= ?`
	args := []any{changeSince(filter, s.now())}
	if filter.Payer != "" {
		query += ` AND payer LIKE ?`
		args = append(args, "%"+filter.Payer+"%")
	}
	if filter.Severity != "" {
		query += ` AND impact_level = ?`
		args = append(args, string(filter.Severity))
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent changes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PolicyChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent changes iterate")
}

const sqliteInsertOutcome = `INSERT INTO pa_outcomes (` + outcomeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func outcomeArgs(o *model.Outcome, docs []byte) []any {
	return []any{
		o.ID, o.Payer, o.Medication, o.PatientProfileHash, string(o.ApprovalStatus), nullString(o.DenialReason),
		string(docs), o.PredictedProbability, o.ActualOutcomeScore, o.PredictionAccuracy,
		o.ProcessingTimeDays, o.SubmittedAt,
	}
}

// InsertOutcome stores one outcome, deriving its accuracy fields.
func (s *SQLiteStore) InsertOutcome(ctx context.Context, o *model.Outcome) error {
	docs, err := prepareOutcome(o, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteInsertOutcome, outcomeArgs(o, docs)...)
	return eris.Wrap(err, "sqlite: insert outcome")
}

// ImportOutcomes stores outcomes in one transaction.
func (s *SQLiteStore) ImportOutcomes(ctx context.Context, outcomes []model.Outcome) (int64, error) {
	if len(outcomes) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import outcomes")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertOutcome)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import outcomes")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.now()
	for i := range outcomes {
		docs, err := prepareOutcome(&outcomes[i], now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: outcome row %d", i+1)
		}
		if _, err := stmt.ExecContext(ctx, outcomeArgs(&outcomes[i], docs)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import outcome row %d", i+1)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import outcomes")
	}
	return int64(len(outcomes)), nil
}

// OutcomesFor lists outcomes for (payer, medication), newest first.
func (s *SQLiteStore) OutcomesFor(ctx context.Context, payer, medication string) ([]model.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM pa_outcomes WHERE payer = ? AND medication = ? ORDER BY submitted_at DESC`,
		payer, medication)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: outcomes for")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: outcomes for iterate")
}

// PredictionAccuracy summarizes scored outcomes for payer.
func (s *SQLiteStore) PredictionAccuracy(ctx context.Context, payer string) (*model.AccuracyStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prediction_accuracy FROM pa_outcomes
		 WHERE payer = ? AND prediction_accuracy IS NOT NULL ORDER BY submitted_at DESC`,
		payer)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prediction accuracy")
	}
	defer rows.Close() //nolint:errcheck

	var acc []float64
	for rows.Next() {
		var a float64
		if err := rows.Scan(&a); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan accuracy")
		}
		acc = append(acc, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: prediction accuracy iterate")
	}
	return accuracyStats(payer, acc), nil
}

// UpsertSuccessPatterns writes patterns keyed by (payer, medication, type).
func (s *SQLiteStore) UpsertSuccessPatterns(ctx context.Context, patterns ...model.SuccessPattern) error {
	if len(patterns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert patterns")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range patterns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO success_patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (payer, medication, pattern_type) DO UPDATE SET
			   success_rate = excluded.success_rate,
			   sample_size = excluded.sample_size,
			   statistical_significance = excluded.statistical_significance,
			   last_calculated = excluded.last_calculated
			 WHERE success_patterns.last_calculated <= excluded.last_calculated`,
			p.Payer, p.Medication, p.PatternType, p.SuccessRate, p.SampleSize,
			p.StatisticalSignificance, p.LastCalculated.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert pattern %s/%s", p.Payer, p.Medication)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert patterns")
}

// ListSuccessPatterns lists patterns at or above the significance threshold.
func (s *SQLiteStore) ListSuccessPatterns(ctx context.Context, filter model.PatternFilter) ([]model.SuccessPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM success_patterns WHERE statistical_significance >= ?`
	args := []any{filter.MinSignificance}
	if filter.Payer != "" {
		query += ` AND payer LIKE ?`
		args = append(args, "%"+filter.Payer+"%")
	}
	if filter.Medication != "" {
		query += ` AND medication LIKE ?`
		args = append(args, "%"+filter.Medication+"%")
	}
	query += ` ORDER BY success_rate DESC, sample_size DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list patterns")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SuccessPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pattern")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list patterns iterate")
}

// UpdateLearningModel records one more training sample and its accuracy.
func (s *SQLiteStore) UpdateLearningModel(ctx context.Context, modelType, payer, medication string, accuracy float64) (*model.LearningModel, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO learning_models (model_type, payer, medication, model_version, training_data_size, latest_accuracy, last_trained)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (model_type, payer, medication) DO UPDATE SET
		   training_data_size = learning_models.training_data_size + 1,
		   latest_accuracy = excluded.latest_accuracy,
		   last_trained = excluded.last_trained`,
		modelType, payer, medication, initialModelVersion, accuracy, now,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert learning model")
	}

	var m model.LearningModel
	err := s.db.QueryRowContext(ctx,
		`SELECT model_type, payer, medication, model_version, training_data_size, latest_accuracy, last_trained
		 FROM learning_models WHERE model_type = ? AND payer = ? AND medication = ?`,
		modelType, payer, medication,
	).Scan(&m.ModelType, &m.Payer, &m.Medication, &m.Version, &m.TrainingSize, &m.LatestAccuracy, &m.LastTrained)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read learning model")
	}
	return &m, nil
}

// DataMoatMetrics summarizes accumulated data.
func (s *SQLiteStore) DataMoatMetrics(ctx context.Context) (*model.DataMoatMetrics, error) {
	since := s.now().Add(-recentWindow)
	var m model.DataMoatMetrics
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(DISTINCT payer || '|' || medication) FROM payer_policies WHERE is_active = 1),
		(SELECT COUNT(*) FROM payer_policies),
		(SELECT COUNT(*) FROM pa_outcomes),
		(SELECT COALESCE(AVG(latest_accuracy), 0) FROM learning_models),
		(SELECT COUNT(*) FROM payer_policies WHERE extracted_at >= ?),
		(SELECT COUNT(*) FROM pa_outcomes WHERE submitted_at >= ?),
		(SELECT COUNT(DISTINCT payer) FROM payer_policies WHERE is_active = 1),
		(SELECT COUNT(DISTINCT medication) FROM payer_policies WHERE is_active = 1)`,
		since, since,
	).Scan(&m.UniquePolicies, &m.PolicyVersions, &m.OutcomeDataPoints, &m.LearningAccuracy,
		&m.RecentPolicies, &m.RecentOutcomes, &m.PayersCovered, &m.MedicationsCovered)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: data moat metrics")
	}
	m.MarketCoveragePercentage = model.MarketCoverage(m.PayersCovered)
	return &m, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
