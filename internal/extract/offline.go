package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/policy-engine/internal/model"
)

var (
	_ Oracle = (*Extractor)(nil)
	_ Oracle = (*OfflineOracle)(nil)
)

// OfflineOracle extracts with the fallback rules and compares requirement
// sets structurally. It is used when no oracle key is configured.
type OfflineOracle struct{}

// NewOffline returns an OfflineOracle.
func NewOffline() *OfflineOracle { return &OfflineOracle{} }

// Extract always uses the rule-based extractor.
func (OfflineOracle) Extract(_ context.Context, req Request) (*Result, error) {
	res := FallbackExtract(req, "oracle not configured")
	res.ExtractedAt = time.Now().UTC()
	return res, nil
}

// Compare diffs two requirement sets field by field.
func (OfflineOracle) Compare(_ context.Context, prev, next model.Requirements, _ CompareMeta) (*model.Comparison, error) {
	return CompareRequirements(prev, next), nil
}

var impactRank = map[model.ImpactLevel]int{
	model.ImpactUnknown: 0,
	model.ImpactLow:     1,
	model.ImpactMedium:  2,
	model.ImpactHigh:    3,
}

type differ struct {
	changes []model.SpecificChange
	impact  model.ImpactLevel
}

func (d *differ) add(level model.ImpactLevel, c model.SpecificChange) {
	d.changes = append(d.changes, c)
	if impactRank[level] > impactRank[d.impact] {
		d.impact = level
	}
}

// CompareRequirements is the structural diff used by OfflineOracle.
// Threshold moves are rated medium with a direction; added or removed
// mandatory criteria and step-therapy steps are rated high.
func CompareRequirements(prev, next model.Requirements) *model.Comparison {
	d := &differ{impact: model.ImpactLow}
	d.criteria(prev.EligibilityCriteria, next.EligibilityCriteria)
	d.steps(prev.StepTherapy, next.StepTherapy)
	d.documents(prev.DocumentationRequired, next.DocumentationRequired)
	d.limits(prev, next)

	if len(d.changes) == 0 {
		return &model.Comparison{
			ImpactLevel: model.ImpactLow,
			Summary:     "no significant changes",
		}
	}

	descs := make([]string, len(d.changes))
	for i, c := range d.changes {
		descs[i] = c.Description
	}
	return &model.Comparison{
		HasSignificantChanges: true,
		ImpactLevel:           d.impact,
		Summary:               fmt.Sprintf("%d change(s): %s", len(d.changes), strings.Join(descs, "; ")),
		SpecificChanges:       d.changes,
	}
}

func criterionKey(c model.EligibilityCriterion) string {
	return string(c.Category) + "|" + strings.ToLower(strings.TrimSpace(c.Requirement))
}

func describeCriterion(c model.EligibilityCriterion) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s%s", c.Requirement, c.Operator, c.Value, c.Unit))
}

func (d *differ) criteria(prev, next []model.EligibilityCriterion) {
	old := make(map[string]model.EligibilityCriterion, len(prev))
	for _, c := range prev {
		old[criterionKey(c)] = c
	}
	matched := make(map[string]bool, len(prev))

	for _, n := range next {
		key := criterionKey(n)
		o, ok := old[key]
		if !ok {
			level, dir := model.ImpactLow, model.DirectionNeutral
			if n.Mandatory {
				level, dir = model.ImpactHigh, model.DirectionNegative
			}
			d.add(level, model.SpecificChange{
				Field:          "eligibility_criteria." + string(n.Category),
				NewValue:       describeCriterion(n),
				ApprovalImpact: dir,
				Description:    "added criterion " + describeCriterion(n),
			})
			continue
		}
		matched[key] = true
		if o.Operator == n.Operator && o.Value == n.Value && o.Unit == n.Unit && o.Mandatory == n.Mandatory {
			continue
		}
		dir := thresholdDirection(o, n)
		level := model.ImpactMedium
		if o.Mandatory != n.Mandatory {
			level = model.ImpactHigh
		}
		d.add(level, model.SpecificChange{
			Field:          "eligibility_criteria." + string(n.Category),
			OldValue:       describeCriterion(o),
			NewValue:       describeCriterion(n),
			ApprovalImpact: dir,
			Description:    fmt.Sprintf("%s changed from %s%s to %s%s", n.Requirement, o.Value, o.Unit, n.Value, n.Unit),
		})
	}

	for _, o := range prev {
		if matched[criterionKey(o)] {
			continue
		}
		level, dir := model.ImpactLow, model.DirectionNeutral
		if o.Mandatory {
			level, dir = model.ImpactHigh, model.DirectionPositive
		}
		d.add(level, model.SpecificChange{
			Field:          "eligibility_criteria." + string(o.Category),
			OldValue:       describeCriterion(o),
			ApprovalImpact: dir,
			Description:    "removed criterion " + describeCriterion(o),
		})
	}
}

// thresholdDirection rates a threshold move: lowering a minimum or raising
// a maximum makes approval easier.
func thresholdDirection(o, n model.EligibilityCriterion) model.Direction {
	if o.Mandatory && !n.Mandatory {
		return model.DirectionPositive
	}
	if !o.Mandatory && n.Mandatory {
		return model.DirectionNegative
	}
	if o.Operator != n.Operator {
		return model.DirectionNeutral
	}
	ov, ok1 := o.Value.Float()
	nv, ok2 := n.Value.Float()
	if !ok1 || !ok2 || ov == nv {
		return model.DirectionNeutral
	}
	lower := nv < ov
	switch n.Operator {
	case ">=", ">":
		if lower {
			return model.DirectionPositive
		}
		return model.DirectionNegative
	case "<=", "<":
		if lower {
			return model.DirectionNegative
		}
		return model.DirectionPositive
	default:
		return model.DirectionNeutral
	}
}

func describeStep(s model.StepTherapyStep) string {
	desc := "step " + strconv.Itoa(s.Step) + ": " + strings.Join(s.Medications, ", ")
	if s.DurationRequired != "" {
		desc += " for " + s.DurationRequired
	}
	return desc
}

func (d *differ) steps(prev, next []model.StepTherapyStep) {
	old := make(map[int]model.StepTherapyStep, len(prev))
	for _, s := range prev {
		old[s.Step] = s
	}
	seen := make(map[int]bool, len(next))

	for _, n := range next {
		seen[n.Step] = true
		o, ok := old[n.Step]
		if !ok {
			d.add(model.ImpactHigh, model.SpecificChange{
				Field:          "step_therapy",
				NewValue:       describeStep(n),
				ApprovalImpact: model.DirectionNegative,
				Description:    "added step therapy " + describeStep(n),
			})
			continue
		}
		if describeStep(o) == describeStep(n) {
			continue
		}
		d.add(model.ImpactMedium, model.SpecificChange{
			Field:          "step_therapy",
			OldValue:       describeStep(o),
			NewValue:       describeStep(n),
			ApprovalImpact: model.DirectionNeutral,
			Description:    "modified step therapy " + describeStep(n),
		})
	}

	for _, o := range prev {
		if seen[o.Step] {
			continue
		}
		d.add(model.ImpactHigh, model.SpecificChange{
			Field:          "step_therapy",
			OldValue:       describeStep(o),
			ApprovalImpact: model.DirectionPositive,
			Description:    "removed step therapy " + describeStep(o),
		})
	}
}

func (d *differ) documents(prev, next []model.DocumentationRequirement) {
	old := make(map[string]model.DocumentationRequirement, len(prev))
	for _, doc := range prev {
		old[strings.ToLower(doc.DocumentType)] = doc
	}
	seen := make(map[string]bool, len(next))

	for _, n := range next {
		key := strings.ToLower(n.DocumentType)
		seen[key] = true
		if _, ok := old[key]; ok {
			continue
		}
		level := model.ImpactLow
		if n.Mandatory {
			level = model.ImpactMedium
		}
		d.add(level, model.SpecificChange{
			Field:          "documentation_required",
			NewValue:       n.DocumentType,
			ApprovalImpact: model.DirectionNegative,
			Description:    "added documentation " + n.DocumentType,
		})
	}
	for _, o := range prev {
		if seen[strings.ToLower(o.DocumentType)] {
			continue
		}
		d.add(model.ImpactLow, model.SpecificChange{
			Field:          "documentation_required",
			OldValue:       o.DocumentType,
			ApprovalImpact: model.DirectionPositive,
			Description:    "removed documentation " + o.DocumentType,
		})
	}
}

func (d *differ) limits(prev, next model.Requirements) {
	oq, nq := quantityText(prev.QuantityLimits), quantityText(next.QuantityLimits)
	if oq != nq {
		d.add(model.ImpactLow, model.SpecificChange{
			Field:          "quantity_limits",
			OldValue:       oq,
			NewValue:       nq,
			ApprovalImpact: model.DirectionNeutral,
			Description:    "quantity limits changed",
		})
	}
	or, nr := reauthText(prev.Reauthorization), reauthText(next.Reauthorization)
	if or != nr {
		d.add(model.ImpactLow, model.SpecificChange{
			Field:          "reauthorization",
			OldValue:       or,
			NewValue:       nr,
			ApprovalImpact: model.DirectionNeutral,
			Description:    "reauthorization terms changed",
		})
	}
}

func quantityText(q *model.QuantityLimits) string {
	if q == nil {
		return ""
	}
	return strings.TrimSpace(strings.Join([]string{q.InitialSupply, string(q.RefillsAllowed), q.MaxDailyDose}, " "))
}

func reauthText(r *model.Reauthorization) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Frequency + " " + r.SuccessCriteria + " " + strings.Join(r.MeasurementsRequired, ","))
}
