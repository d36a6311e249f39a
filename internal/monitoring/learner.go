package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/store"
)

// defaultModelAccuracy is recorded when an outcome carries no prediction.
const defaultModelAccuracy = 0.5

// Pair identifies a (payer, medication) combination.
type Pair struct {
	Payer      string `json:"payer"`
	Medication string `json:"medication"`
}

// Learner folds reported outcomes back into success patterns and the
// approval prediction model.
type Learner struct {
	store store.Store
	now   func() time.Time
}

// NewLearner creates a Learner.
func NewLearner(st store.Store) *Learner {
	return &Learner{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// RecordOutcome stores o, updates the prediction model and recomputes the
// pair's success pattern. The stored outcome carries its derived scores.
func (l *Learner) RecordOutcome(ctx context.Context, o *model.Outcome) (*model.SuccessPattern, error) {
	if err := l.store.InsertOutcome(ctx, o); err != nil {
		return nil, eris.Wrap(err, "monitoring: record outcome")
	}
	accuracy := defaultModelAccuracy
	if o.PredictionAccuracy != nil {
		accuracy = *o.PredictionAccuracy
	}
	if _, err := l.UpdateModel(ctx, o.Payer, o.Medication, accuracy); err != nil {
		return nil, err
	}
	return l.Recompute(ctx, o.Payer, o.Medication)
}

// UpdateModel records one more training sample for the pair's approval
// prediction model.
func (l *Learner) UpdateModel(ctx context.Context, payer, medication string, accuracy float64) (*model.LearningModel, error) {
	m, err := l.store.UpdateLearningModel(ctx, store.ModelApprovalPrediction, payer, medication, accuracy)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: update model %s/%s", payer, medication)
	}
	return m, nil
}

// Recompute derives the overall approval rate pattern for the pair from all
// of its outcomes. Returns nil without writing when fewer than
// model.MinPatternSamples outcomes exist. Repeated calls over the same
// outcomes produce the same pattern.
func (l *Learner) Recompute(ctx context.Context, payer, medication string) (*model.SuccessPattern, error) {
	outcomes, err := l.store.OutcomesFor(ctx, payer, medication)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: outcomes for %s/%s", payer, medication)
	}
	p := ApprovalPattern(payer, medication, outcomes, l.now())
	if p == nil {
		return nil, nil
	}
	if err := l.store.UpsertSuccessPatterns(ctx, *p); err != nil {
		return nil, eris.Wrap(err, "monitoring: upsert pattern")
	}
	zap.L().Debug("monitoring: success pattern recomputed",
		zap.String("payer", payer),
		zap.String("medication", medication),
		zap.Float64("success_rate", p.SuccessRate),
		zap.Int("sample_size", p.SampleSize),
	)
	return p, nil
}

// RecomputeAll recomputes every distinct pair and returns the patterns
// written. Pairs below the sample minimum are skipped.
func (l *Learner) RecomputeAll(ctx context.Context, pairs []Pair) ([]model.SuccessPattern, error) {
	seen := make(map[Pair]bool, len(pairs))
	var out []model.SuccessPattern
	for _, pair := range pairs {
		if seen[pair] {
			continue
		}
		seen[pair] = true
		p, err := l.Recompute(ctx, pair.Payer, pair.Medication)
		if err != nil {
			return out, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

// ApprovalPattern computes the overall approval rate pattern. The rate is
// approved / total over every outcome, pending included; significance is
// min(n/100, 1).
func ApprovalPattern(payer, medication string, outcomes []model.Outcome, now time.Time) *model.SuccessPattern {
	n := len(outcomes)
	if n < model.MinPatternSamples {
		return nil
	}
	var approved int
	for _, o := range outcomes {
		if o.ApprovalStatus == model.StatusApproved {
			approved++
		}
	}
	return &model.SuccessPattern{
		Payer:                   payer,
		Medication:              medication,
		PatternType:             model.PatternOverallApproval,
		SuccessRate:             float64(approved) / float64(n),
		SampleSize:              n,
		StatisticalSignificance: min(float64(n)/100, 1),
		LastCalculated:          now,
	}
}
