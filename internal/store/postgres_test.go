package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/policy-engine/internal/model"
)

var pgFixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, now: func() time.Time { return pgFixedNow }}
	return s, mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, sources, priority, status, .* FROM scraping_jobs WHERE id = \$1`).
		WithArgs("nonexistent-job").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent-job")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraping_jobs SET status = \$1`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJob(context.Background(), &model.ScrapingJob{ID: "gone", Status: model.JobFailed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPolicyVersion_NewVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("Medicare|semaglutide").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`WHERE payer = \$1 AND medication = \$2 AND is_active AND content_hash = \$3`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(policy_version\), 0\) FROM payer_policies`).
		WithArgs("Medicare", "semaglutide").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectExec(`UPDATE payer_policies SET is_active = false`).
		WithArgs("Medicare", "semaglutide").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO payer_policies`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := s.InsertPolicyVersion(context.Background(), &model.PolicyVersion{
		Payer:      "Medicare",
		Medication: "semaglutide",
		SourceName: "Medicare LCD Database",
		RawText:    "BMI >= 27",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got.VersionNumber)
	assert.True(t, got.IsActive)
	assert.False(t, got.Duplicate)
	assert.Equal(t, pgFixedNow, got.ExtractedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPolicyVersion_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"id", "payer", "medication", "source", "requirements", "confidence_score", "quality",
		"raw_text", "content_hash", "scraping_job_id", "extracted_at", "effective_date", "last_updated",
		"is_active", "policy_version"}
	var noQuality []byte
	var noDate *time.Time

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`WHERE payer = \$1 AND medication = \$2 AND is_active AND content_hash = \$3`).
		WithArgs("Aetna", "tirzepatide", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"existing-id", "Aetna", "tirzepatide", "Aetna Medical Policy", []byte(`{"eligibility_criteria":[]}`),
			0.7, noQuality, "same", "hash", "job-0", pgFixedNow, noDate, pgFixedNow, true, 4,
		))
	mock.ExpectRollback()

	got, err := s.InsertPolicyVersion(context.Background(), &model.PolicyVersion{
		Payer:      "Aetna",
		Medication: "tirzepatide",
		SourceName: "Aetna Medical Policy",
		RawText:    "same",
	})
	require.NoError(t, err)
	assert.True(t, got.Duplicate)
	assert.Equal(t, "existing-id", got.ID)
	assert.Equal(t, 4, got.VersionNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPolicyVersion_RevertIsNewVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// v1 "HbA1c >= 7.5%" and v2 "HbA1c >= 7.0%" are stored; v2 is active.
	revertHash := model.ContentHash("UnitedHealthcare", "semaglutide", "UHC Clinical Policy", "HbA1c >= 7.5%")

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("UnitedHealthcare|semaglutide").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`AND is_active AND content_hash = \$3`).
		WithArgs("UnitedHealthcare", "semaglutide", revertHash).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(policy_version\), 0\) FROM payer_policies`).
		WithArgs("UnitedHealthcare", "semaglutide").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectExec(`UPDATE payer_policies SET is_active = false`).
		WithArgs("UnitedHealthcare", "semaglutide").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO payer_policies`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := s.InsertPolicyVersion(context.Background(), &model.PolicyVersion{
		Payer:      "UnitedHealthcare",
		Medication: "semaglutide",
		SourceName: "UHC Clinical Policy",
		RawText:    "HbA1c >= 7.5%",
	})
	require.NoError(t, err)
	assert.False(t, got.Duplicate)
	assert.True(t, got.IsActive)
	assert.Equal(t, 3, got.VersionNumber)
	assert.Equal(t, revertHash, got.ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ChangeExists_False(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT 1 FROM policy_changes WHERE policy_id = \$1 AND previous_policy_id = \$2`).
		WithArgs("v2", "v1").
		WillReturnError(pgx.ErrNoRows)

	exists, err := s.ChangeExists(context.Background(), "v2", "v1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportOutcomes_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"pa_outcomes"}, outcomeCopyColumns).WillReturnResult(2)

	p := 0.75
	outcomes := []model.Outcome{
		{Payer: "Aetna", Medication: "semaglutide", PatientProfileHash: "a", ApprovalStatus: model.StatusApproved, PredictedProbability: &p},
		{Payer: "Aetna", Medication: "semaglutide", PatientProfileHash: "b", ApprovalStatus: model.StatusDenied},
	}
	n, err := s.ImportOutcomes(context.Background(), outcomes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NotNil(t, outcomes[0].PredictionAccuracy)
	assert.InDelta(t, 0.75, *outcomes[0].PredictionAccuracy, 1e-9)
	assert.Equal(t, pgFixedNow, outcomes[1].SubmittedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportOutcomes_InvalidRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.ImportOutcomes(context.Background(), []model.Outcome{
		{Payer: "Aetna", Medication: "semaglutide", ApprovalStatus: "unknown"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outcome row 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSuccessPatterns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_success_patterns"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_success_patterns"}, patternCopyColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "success_patterns" .* ON CONFLICT \("payer", "medication", "pattern_type"\) DO UPDATE .* WHERE "success_patterns"."last_calculated" <= EXCLUDED."last_calculated"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertSuccessPatterns(context.Background(), model.SuccessPattern{
		Payer:                   "Aetna",
		Medication:              "semaglutide",
		PatternType:             model.PatternOverallApproval,
		SuccessRate:             0.6,
		SampleSize:              10,
		StatisticalSignificance: 0.9,
		LastCalculated:          pgFixedNow,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLearningModel(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO learning_models .* ON CONFLICT \(model_type, payer, medication\) DO UPDATE .* RETURNING`).
		WithArgs(ModelApprovalPrediction, "Aetna", "semaglutide", initialModelVersion, 0.9, pgFixedNow).
		WillReturnRows(pgxmock.NewRows([]string{
			"model_type", "payer", "medication", "model_version", "training_data_size", "latest_accuracy", "last_trained",
		}).AddRow(ModelApprovalPrediction, "Aetna", "semaglutide", initialModelVersion, 7, 0.9, pgFixedNow))

	m, err := s.UpdateLearningModel(context.Background(), ModelApprovalPrediction, "Aetna", "semaglutide", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 7, m.TrainingSize)
	assert.InDelta(t, 0.9, m.LatestAccuracy, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DataMoatMetrics(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT\s+\(SELECT COUNT\(DISTINCT \(payer, medication\)\)`).
		WithArgs(pgFixedNow.Add(-recentWindow)).
		WillReturnRows(pgxmock.NewRows([]string{"a", "b", "c", "d", "e", "f", "g", "h"}).
			AddRow(40, 55, 120, 0.81, 6, 14, 20, 12))

	m, err := s.DataMoatMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, m.UniquePolicies)
	assert.Equal(t, 120, m.OutcomeDataPoints)
	assert.Equal(t, 20, m.PayersCovered)
	assert.InDelta(t, model.MarketCoverage(20), m.MarketCoveragePercentage, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
