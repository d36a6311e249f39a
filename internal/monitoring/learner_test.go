package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/policy-engine/internal/model"
)

func TestApprovalPattern(t *testing.T) {
	outcomes := make([]model.Outcome, 8)
	for i := range outcomes {
		outcomes[i].ApprovalStatus = model.StatusDenied
	}
	for i := range 6 {
		outcomes[i].ApprovalStatus = model.StatusApproved
	}
	outcomes[7].ApprovalStatus = model.StatusPending

	p := ApprovalPattern("Aetna", "semaglutide", outcomes, baseTime)
	require.NotNil(t, p)
	assert.Equal(t, model.PatternOverallApproval, p.PatternType)
	assert.InDelta(t, 0.75, p.SuccessRate, 1e-9)
	assert.Equal(t, 8, p.SampleSize)
	assert.InDelta(t, 0.08, p.StatisticalSignificance, 1e-9)
	assert.Equal(t, baseTime, p.LastCalculated)

	assert.Nil(t, ApprovalPattern("Aetna", "semaglutide", outcomes[:4], baseTime))

	many := make([]model.Outcome, 250)
	p = ApprovalPattern("Aetna", "semaglutide", many, baseTime)
	require.NotNil(t, p)
	assert.Equal(t, 1.0, p.StatisticalSignificance)
	assert.Zero(t, p.SuccessRate)
}

func TestLearner_RecomputeBelowMinimum(t *testing.T) {
	st := newTestStore(t)
	seedOutcomes(t, st, "Aetna", "semaglutide", 3, 1)

	p, err := NewLearner(st).Recompute(context.Background(), "Aetna", "semaglutide")
	require.NoError(t, err)
	assert.Nil(t, p)

	patterns, err := st.ListSuccessPatterns(context.Background(), model.PatternFilter{})
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestLearner_RecomputeIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedOutcomes(t, st, "Aetna", "semaglutide", 4, 2)
	l := NewLearner(st)
	l.now = func() time.Time { return baseTime }

	first, err := l.Recompute(context.Background(), "Aetna", "semaglutide")
	require.NoError(t, err)
	second, err := l.Recompute(context.Background(), "Aetna", "semaglutide")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	patterns, err := st.ListSuccessPatterns(context.Background(), model.PatternFilter{Payer: "Aetna"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.InDelta(t, 4.0/6.0, patterns[0].SuccessRate, 1e-9)
	assert.Equal(t, 6, patterns[0].SampleSize)
}

func TestLearner_RecordOutcome(t *testing.T) {
	st := newTestStore(t)
	seedOutcomes(t, st, "Aetna", "semaglutide", 3, 1)
	l := NewLearner(st)

	predicted := 0.8
	o := &model.Outcome{
		Payer:                "Aetna",
		Medication:           "semaglutide",
		ApprovalStatus:       model.StatusDenied,
		PredictedProbability: &predicted,
	}
	p, err := l.RecordOutcome(context.Background(), o)
	require.NoError(t, err)

	require.NotNil(t, o.PredictionAccuracy)
	assert.InDelta(t, 0.2, *o.PredictionAccuracy, 1e-9)
	require.NotNil(t, p)
	assert.Equal(t, 5, p.SampleSize)
	assert.InDelta(t, 0.6, p.SuccessRate, 1e-9)

	m, err := l.UpdateModel(context.Background(), "Aetna", "semaglutide", 0.9)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TrainingSize)
	assert.InDelta(t, 0.9, m.LatestAccuracy, 1e-9)
}

func TestLearner_RecordOutcomeInvalid(t *testing.T) {
	st := newTestStore(t)
	_, err := NewLearner(st).RecordOutcome(context.Background(), &model.Outcome{
		Payer: "Aetna", Medication: "semaglutide", ApprovalStatus: "maybe",
	})
	require.Error(t, err)
}

func TestLearner_RecomputeAllDeduplicates(t *testing.T) {
	st := newTestStore(t)
	seedOutcomes(t, st, "Aetna", "semaglutide", 5, 0)
	seedOutcomes(t, st, "Cigna", "tirzepatide", 1, 1)

	patterns, err := NewLearner(st).RecomputeAll(context.Background(), []Pair{
		{Payer: "Aetna", Medication: "semaglutide"},
		{Payer: "Cigna", Medication: "tirzepatide"},
		{Payer: "Aetna", Medication: "semaglutide"},
	})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "Aetna", patterns[0].Payer)
	assert.Equal(t, 1.0, patterns[0].SuccessRate)
}
