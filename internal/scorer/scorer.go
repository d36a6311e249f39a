package scorer

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/model"
)

// History supplies stored data for cross-validation and historical accuracy.
type History interface {
	ActivePoliciesForMedication(ctx context.Context, medication, excludePayer string) ([]model.PolicyVersion, error)
	PredictionAccuracy(ctx context.Context, payer string) (*model.AccuracyStats, error)
}

// Default factor values when there is nothing to measure.
const (
	defaultReliability    = 0.5
	defaultCrossValidated = 0.5
	crossValidationFailed = 0.4
	defaultHistorical     = 0.7
	missingDateDays       = 999
)

// sourceReliability holds known reliability per source name.
var sourceReliability = map[string]float64{
	"Medicare LCD Database":                             0.95,
	"CA Medicaid PDL":                                   0.90,
	"NY Medicaid PDL":                                   0.88,
	"TX Medicaid PDL":                                   0.85,
	"FL Medicaid PDL":                                   0.87,
	"UnitedHealthcare Medical Policy":                   0.92,
	"Anthem Medical Policy":                             0.90,
	"Aetna Medical Policy":                              0.91,
	"Cigna Medical Policy":                              0.88,
	"Humana Medical Policy":                             0.89,
	"Kaiser Northern California Formulary":              0.93,
	"Kaiser Southern California Formulary":              0.92,
	"Molina CA Medicaid Formulary":                      0.85,
	"Ambetter Medical Policy":                           0.87,
	"American Diabetes Association Clinical Guidelines": 0.98,
	"American Association of Clinical Endocrinologists Clinical Guidelines": 0.97,
}

type familyPattern struct {
	pattern string
	score   float64
}

// familyPatterns are tried in order; the first substring match applies.
var familyPatterns = []familyPattern{
	{"medicare", 0.95},
	{"medicaid", 0.85},
	{"unitedhealthcare", 0.92},
	{"anthem", 0.90},
	{"aetna", 0.91},
	{"american diabetes association", 0.98},
	{"clinical endocrinologists", 0.97},
	{"endocrine society", 0.96},
	{"kaiser", 0.92},
	{"independence", 0.88},
}

var (
	clinicalMarkers = []string{"hba1c", "bmi", "diabetes", "metformin", "months", "%"}
	consensusTerms  = []string{"hba1c", "bmi", "diabetes", "metformin"}
	docDetailTerms  = []string{"lab", "diagnosis", "trial", "failure", "adherence"}
	durationRe      = regexp.MustCompile(`(?i)\d+\s*(day|week|month)`)
)

// Options configures a Scorer.
type Options struct {
	Weights  Weights
	Cache    Cache
	CacheTTL time.Duration
}

// Scorer computes advisory quality scores. It never fails; missing data
// falls back to per-factor defaults.
type Scorer struct {
	weights Weights
	history History
	cache   Cache
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// New creates a Scorer. history may be nil.
func New(history History, opts Options) *Scorer {
	if opts.Weights.Sum() == 0 {
		opts.Weights = DefaultWeights()
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Scorer{
		weights: opts.Weights,
		history: history,
		cache:   opts.Cache,
		ttl:     opts.CacheTTL,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "scorer")),
	}
}

// Score rates v.
func (s *Scorer) Score(ctx context.Context, v *model.PolicyVersion) model.ScoreResult {
	now := s.now()
	f := model.ScoreFactors{
		SourceReliability:  Reliability(v.SourceName, v.LastUpdated, now),
		ExtractionClarity:  Clarity(v.Requirements),
		CrossValidation:    s.crossValidation(ctx, v),
		HistoricalAccuracy: s.historical(ctx, v.Payer),
		DataCompleteness:   Completeness(v),
	}
	score := s.weights.Combine(f)
	return model.ScoreResult{
		Score:           score,
		Label:           Label(score),
		Factors:         f,
		Recommendations: Recommendations(f, score),
		QualityFlags:    QualityFlags(f, v, now),
	}
}

// Combine weights the factors with the default weights.
func Combine(f model.ScoreFactors) float64 {
	return DefaultWeights().Combine(f)
}

// Combine returns the weighted factor sum clamped to [0.1, 1].
func (w Weights) Combine(f model.ScoreFactors) float64 {
	sum := f.SourceReliability*w.SourceReliability +
		f.ExtractionClarity*w.ExtractionClarity +
		f.CrossValidation*w.CrossValidation +
		f.HistoricalAccuracy*w.HistoricalAccuracy +
		f.DataCompleteness*w.DataCompleteness
	return clamp(sum)
}

// Reliability scores a source by name, discounted for stale documents.
func Reliability(source string, updated, now time.Time) float64 {
	base, ok := sourceReliability[source]
	if !ok {
		base = defaultReliability
	}
	lower := strings.ToLower(source)
	for _, p := range familyPatterns {
		if strings.Contains(lower, p.pattern) {
			base = math.Max(base, p.score)
			break
		}
	}

	if !updated.IsZero() {
		switch days := daysSince(updated, now); {
		case days > 365:
			base *= 0.9
		case days > 180:
			base *= 0.95
		}
	}
	return clamp(base)
}

type weighted struct {
	score  float64
	weight float64
}

// Clarity rates how specific the extracted requirements are.
func Clarity(r model.Requirements) float64 {
	present := 0
	for _, ok := range []bool{
		len(r.EligibilityCriteria) > 0,
		len(r.StepTherapy) > 0,
		len(r.DocumentationRequired) > 0,
		hasCoverageLimits(r),
	} {
		if ok {
			present++
		}
	}
	factors := []weighted{{float64(present) / 4, 0.30}}

	if len(r.EligibilityCriteria) > 0 {
		text := clinicalText(r)
		n := countTerms(text, clinicalMarkers)
		factors = append(factors, weighted{math.Min(1, float64(n)/float64(len(clinicalMarkers))), 0.25})
	}

	if len(r.StepTherapy) > 0 {
		step := 0.7
		for _, s := range r.StepTherapy {
			if durationRe.MatchString(s.DurationRequired) {
				step = 0.9
				break
			}
		}
		factors = append(factors, weighted{step, 0.20})
	}

	if len(r.DocumentationRequired) > 0 {
		var sb strings.Builder
		for _, d := range r.DocumentationRequired {
			sb.WriteString(strings.ToLower(d.DocumentType + " " + d.SpecificRequirement + " "))
		}
		n := countTerms(sb.String(), docDetailTerms)
		factors = append(factors, weighted{math.Min(1, 0.4+float64(n)/float64(len(docDetailTerms))*0.6), 0.15})
	}

	var total, sum float64
	for _, f := range factors {
		total += f.weight
		sum += f.score * f.weight
	}
	if total == 0 {
		return clamp(0.5)
	}
	return clamp(sum / total)
}

// Completeness rates how many expected fields are populated.
func Completeness(v *model.PolicyVersion) float64 {
	var c float64
	if v.Payer != "" {
		c += 0.15
	}
	if v.Medication != "" {
		c += 0.15
	}
	if v.SourceName != "" {
		c += 0.10
	}
	if v.EffectiveDate != nil && !v.EffectiveDate.IsZero() {
		c += 0.05
	}
	if !v.LastUpdated.IsZero() {
		c += 0.05
	}
	c += 0.50 * RequirementsCompleteness(v.Requirements)
	return clamp(c)
}

// RequirementsCompleteness rates the populated requirement sections.
func RequirementsCompleteness(r model.Requirements) float64 {
	var c float64
	if len(r.EligibilityCriteria) > 0 {
		c += 0.30
	}
	if len(r.StepTherapy) > 0 {
		c += 0.25
	}
	if len(r.DocumentationRequired) > 0 {
		c += 0.20
	}
	if hasCoverageLimits(r) {
		c += 0.15
	}
	if r.Reauthorization != nil || r.ProviderRequirements != nil {
		c += 0.10
	}
	return c
}

// crossValidation compares v with other payers' active policies for the
// same medication. Results are cached per (payer, medication).
func (s *Scorer) crossValidation(ctx context.Context, v *model.PolicyVersion) float64 {
	if s.history == nil || v.Medication == "" {
		return defaultCrossValidated
	}
	key := model.PolicyKey(v.Payer, v.Medication)
	if score, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Debug("scorer: cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return score
	}

	peers, err := s.history.ActivePoliciesForMedication(ctx, v.Medication, v.Payer)
	if err != nil {
		s.log.Warn("scorer: cross-validation lookup failed",
			zap.String("payer", v.Payer),
			zap.String("medication", v.Medication),
			zap.Error(err))
		return crossValidationFailed
	}

	score := defaultCrossValidated
	if len(peers) > 0 {
		var sum float64
		for _, p := range peers {
			sum += Consistency(v.Requirements, p.Requirements)
		}
		score = clamp(sum / float64(len(peers)))
	}

	if err := s.cache.Set(ctx, key, score, s.ttl); err != nil {
		s.log.Debug("scorer: cache write failed", zap.String("key", key), zap.Error(err))
	}
	return score
}

// Consistency rates agreement on key clinical terms between two
// requirement sets.
func Consistency(a, b model.Requirements) float64 {
	if len(a.EligibilityCriteria) == 0 || len(b.EligibilityCriteria) == 0 {
		return defaultCrossValidated
	}
	ta, tb := clinicalText(a), clinicalText(b)
	matches := 0
	for _, term := range consensusTerms {
		if strings.Contains(ta, term) && strings.Contains(tb, term) {
			matches++
		}
	}
	return clamp(0.3 + float64(matches)/float64(len(consensusTerms))*0.7)
}

func (s *Scorer) historical(ctx context.Context, payer string) float64 {
	if s.history == nil || payer == "" {
		return defaultHistorical
	}
	stats, err := s.history.PredictionAccuracy(ctx, payer)
	if err != nil {
		s.log.Debug("scorer: accuracy lookup failed", zap.String("payer", payer), zap.Error(err))
		return defaultHistorical
	}
	return Historical(stats)
}

// Historical weights recent accuracy over overall accuracy.
func Historical(stats *model.AccuracyStats) float64 {
	if stats == nil || stats.Samples == 0 {
		return defaultHistorical
	}
	return stats.Recent*0.7 + stats.Overall*0.3
}

// Label maps a score to its confidence band.
func Label(score float64) string {
	switch {
	case score >= 0.9:
		return "very_high"
	case score >= 0.8:
		return "high"
	case score >= 0.7:
		return "medium_high"
	case score >= 0.6:
		return "medium"
	case score >= 0.5:
		return "medium_low"
	case score >= 0.4:
		return "low"
	default:
		return "very_low"
	}
}

// Recommendation actions.
const (
	ActionAddSourceValidation = "add_source_validation"
	ActionManualReview        = "manual_review_required"
	ActionVerifyRequirements  = "verify_requirements"
	ActionExtractMissing      = "extract_missing_fields"
	ActionManualValidation    = "manual_validation_required"
)

// Recommendations lists follow-up actions for weak factors.
func Recommendations(f model.ScoreFactors, score float64) []string {
	var out []string
	if f.SourceReliability < 0.7 {
		out = append(out, ActionAddSourceValidation)
	}
	if f.ExtractionClarity < 0.6 {
		out = append(out, ActionManualReview)
	}
	if f.CrossValidation < 0.5 {
		out = append(out, ActionVerifyRequirements)
	}
	if f.DataCompleteness < 0.7 {
		out = append(out, ActionExtractMissing)
	}
	if score < 0.6 {
		out = append(out, ActionManualValidation)
	}
	return out
}

// Quality flags.
const (
	FlagUnreliableSource   = "unreliable_source"
	FlagUnclearExtraction  = "unclear_extraction"
	FlagOutdatedPolicy     = "outdated_policy"
	FlagMissingStepTherapy = "missing_step_therapy"
	FlagMissingFields      = "missing_fields"
)

// QualityFlags marks conditions a reviewer should know about.
func QualityFlags(f model.ScoreFactors, v *model.PolicyVersion, now time.Time) []string {
	var out []string
	if f.SourceReliability < 0.5 {
		out = append(out, FlagUnreliableSource)
	}
	if f.ExtractionClarity < 0.4 {
		out = append(out, FlagUnclearExtraction)
	}
	if daysSince(v.LastUpdated, now) > 365 {
		out = append(out, FlagOutdatedPolicy)
	}
	if len(v.Requirements.StepTherapy) == 0 {
		out = append(out, FlagMissingStepTherapy)
	}
	if len(v.Requirements.MissingFields) > 0 {
		out = append(out, FlagMissingFields)
	}
	return out
}

func hasCoverageLimits(r model.Requirements) bool {
	q := r.QuantityLimits
	return len(r.Exclusions) > 0 ||
		(q != nil && (q.InitialSupply != "" || q.RefillsAllowed != "" || q.MaxDailyDose != ""))
}

// clinicalText is the lowercase text of eligibility criteria and step
// therapy.
func clinicalText(r model.Requirements) string {
	return model.Requirements{
		EligibilityCriteria: r.EligibilityCriteria,
		StepTherapy:         r.StepTherapy,
	}.Text()
}

func countTerms(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}

// daysSince rounds up to whole days. A zero time counts as very old.
func daysSince(t, now time.Time) int {
	if t.IsZero() {
		return missingDateDays
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return int(math.Ceil(d.Hours() / 24))
}

func clamp(v float64) float64 {
	return math.Max(0.1, math.Min(1, v))
}
