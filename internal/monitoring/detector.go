// Package monitoring detects changes between policy versions, folds outcome
// feedback into success patterns, and watches job health.
package monitoring

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/extract"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/store"
)

// DefaultPolicyLimit is how many recent versions one detection pass reads.
// Each pair in that window is compared against its predecessor even when the
// predecessor is older than the window.
const DefaultPolicyLimit = 100

// Comparer diffs two requirement sets. extract.Oracle satisfies it.
type Comparer interface {
	Compare(ctx context.Context, prev, next model.Requirements, meta extract.CompareMeta) (*model.Comparison, error)
}

// ChangeObserver is told about every stored change.
type ChangeObserver interface {
	ChangeDetected(impact model.ImpactLevel)
}

// DetectionReport summarizes one detection pass.
type DetectionReport struct {
	Versions int                  `json:"versions"`
	Groups   int                  `json:"groups"`
	Compared int                  `json:"compared"`
	Skipped  int                  `json:"skipped"`
	Errors   int                  `json:"errors"`
	Changes  []model.PolicyChange `json:"changes"`
}

// Detector compares consecutive versions of each (payer, medication) and
// records significant differences.
type Detector struct {
	store    store.Store
	comparer Comparer
	learner  *Learner
	alerter  *Alerter
	observer ChangeObserver
	limit    int
	now      func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithAlerter sends high-impact changes through a.
func WithAlerter(a *Alerter) DetectorOption { return func(d *Detector) { d.alerter = a } }

// WithLearner recomputes success patterns for pairs with new changes.
func WithLearner(l *Learner) DetectorOption { return func(d *Detector) { d.learner = l } }

// WithChangeObserver reports stored changes to o.
func WithChangeObserver(o ChangeObserver) DetectorOption {
	return func(d *Detector) { d.observer = o }
}

// WithPolicyLimit overrides how many versions a pass reads.
func WithPolicyLimit(n int) DetectorOption {
	return func(d *Detector) {
		if n > 0 {
			d.limit = n
		}
	}
}

// NewDetector creates a Detector.
func NewDetector(st store.Store, c Comparer, opts ...DetectorOption) *Detector {
	d := &Detector{
		store:    st,
		comparer: c,
		limit:    DefaultPolicyLimit,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one detection pass. Pairs already recorded are skipped, so
// repeated passes over unchanged data store nothing new. Comparison failures
// are counted and logged without aborting the pass.
func (d *Detector) Run(ctx context.Context) (*DetectionReport, error) {
	log := zap.L().With(zap.String("component", "monitoring.detector"))

	versions, err := d.store.ListPolicyVersions(ctx, d.limit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list policy versions")
	}

	report := &DetectionReport{Versions: len(versions)}
	touched := make(map[Pair]bool)

	for _, group := range groupVersions(versions) {
		group, err := d.withPredecessor(ctx, group)
		if err != nil {
			return report, err
		}
		if len(group) < 2 {
			continue
		}
		report.Groups++
		for i := 1; i < len(group); i++ {
			if err := ctx.Err(); err != nil {
				return report, eris.Wrap(err, "monitoring: detection cancelled")
			}
			prev, cur := group[i-1], group[i]

			exists, err := d.store.ChangeExists(ctx, cur.ID, prev.ID)
			if err != nil {
				return report, eris.Wrap(err, "monitoring: check change")
			}
			if exists {
				report.Skipped++
				continue
			}

			report.Compared++
			change, err := d.compare(ctx, prev, cur)
			if err != nil {
				report.Errors++
				log.Warn("monitoring: comparison failed",
					zap.String("payer", cur.Payer),
					zap.String("medication", cur.Medication),
					zap.Error(err))
				continue
			}
			if change == nil {
				continue
			}
			if err := d.store.InsertChange(ctx, change); err != nil {
				return report, eris.Wrap(err, "monitoring: store change")
			}
			report.Changes = append(report.Changes, *change)
			touched[Pair{Payer: change.Payer, Medication: change.Medication}] = true
			d.process(ctx, change, log)
		}
	}

	if d.learner != nil && len(touched) > 0 {
		pairs := slices.SortedFunc(maps.Keys(touched), comparePairs)
		if _, err := d.learner.RecomputeAll(ctx, pairs); err != nil {
			log.Warn("monitoring: pattern recompute failed", zap.Error(err))
		}
	}

	log.Info("monitoring: change detection complete",
		zap.Int("versions", report.Versions),
		zap.Int("compared", report.Compared),
		zap.Int("skipped", report.Skipped),
		zap.Int("changes", len(report.Changes)),
	)
	return report, nil
}

// compare returns the change between prev and cur, or nil when the
// comparison found nothing significant.
func (d *Detector) compare(ctx context.Context, prev, cur model.PolicyVersion) (*model.PolicyChange, error) {
	res, err := d.comparer.Compare(ctx, prev.Requirements, cur.Requirements, extract.CompareMeta{
		Payer:           cur.Payer,
		Medication:      cur.Medication,
		PreviousUpdated: prev.LastUpdated,
		CurrentUpdated:  cur.LastUpdated,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || !res.HasSignificantChanges {
		return nil, nil
	}
	return &model.PolicyChange{
		PolicyVersionID: cur.ID,
		PreviousID:      prev.ID,
		Payer:           cur.Payer,
		Medication:      cur.Medication,
		ChangeType:      model.ChangeUpdated,
		ChangedFields:   res.SpecificChanges,
		OldRequirements: prev.Requirements,
		NewRequirements: cur.Requirements,
		ImpactLevel:     model.ParseImpact(string(res.ImpactLevel)),
		Summary:         res.Summary,
		DetectedAt:      d.now(),
	}, nil
}

func (d *Detector) process(ctx context.Context, c *model.PolicyChange, log *zap.Logger) {
	if d.observer != nil {
		d.observer.ChangeDetected(c.ImpactLevel)
	}
	if c.ImpactLevel != model.ImpactHigh {
		return
	}
	log.Warn("monitoring: high impact policy change",
		zap.String("payer", c.Payer),
		zap.String("medication", c.Medication),
		zap.String("summary", c.Summary))
	if d.alerter != nil {
		_ = d.alerter.NotifyChange(ctx, c)
	}
}

// withPredecessor prepends the stored version just before the oldest one in
// group. The read window cuts across pair histories, so the version a new
// one replaced may be outside it.
func (d *Detector) withPredecessor(ctx context.Context, group []model.PolicyVersion) ([]model.PolicyVersion, error) {
	oldest := slices.MinFunc(group, func(a, b model.PolicyVersion) int {
		return cmp.Compare(a.VersionNumber, b.VersionNumber)
	})
	if oldest.VersionNumber <= 1 {
		return group, nil
	}
	history, err := d.store.GetPolicyHistory(ctx, oldest.Payer, oldest.Medication)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: history for %s/%s", oldest.Payer, oldest.Medication)
	}
	var prev *model.PolicyVersion
	for i, v := range history {
		if v.VersionNumber < oldest.VersionNumber && (prev == nil || v.VersionNumber > prev.VersionNumber) {
			prev = &history[i]
		}
	}
	if prev == nil {
		return group, nil
	}
	return append([]model.PolicyVersion{*prev}, group...), nil
}

// groupVersions buckets versions by (payer, medication), each bucket ordered
// oldest first.
func groupVersions(versions []model.PolicyVersion) [][]model.PolicyVersion {
	byPair := make(map[Pair][]model.PolicyVersion)
	for _, v := range versions {
		k := Pair{Payer: v.Payer, Medication: v.Medication}
		byPair[k] = append(byPair[k], v)
	}

	keys := slices.SortedFunc(maps.Keys(byPair), comparePairs)

	out := make([][]model.PolicyVersion, 0, len(keys))
	for _, k := range keys {
		vs := byPair[k]
		slices.SortStableFunc(vs, func(a, b model.PolicyVersion) int {
			return cmp.Or(a.LastUpdated.Compare(b.LastUpdated), cmp.Compare(a.VersionNumber, b.VersionNumber))
		})
		out = append(out, vs)
	}
	return out
}

func comparePairs(a, b Pair) int {
	return cmp.Or(cmp.Compare(a.Payer, b.Payer), cmp.Compare(a.Medication, b.Medication))
}
