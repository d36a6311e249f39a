package extract

import (
	"strings"
	"time"

	"github.com/sells-group/policy-engine/internal/model"
)

// FallbackConfidence is the fixed confidence of rule-based extraction.
const FallbackConfidence = 0.6

// FallbackExtract pattern-matches well-known clinical markers into a minimal
// requirement set. It never fails.
func FallbackExtract(req Request, reason string) *Result {
	lower := strings.ToLower(req.Text)
	r := model.Requirements{
		EligibilityCriteria:   []model.EligibilityCriterion{},
		StepTherapy:           []model.StepTherapyStep{},
		DocumentationRequired: []model.DocumentationRequirement{},
	}

	if strings.Contains(lower, "bmi") && (strings.Contains(lower, "30") || strings.Contains(lower, "35")) {
		value := "30"
		if strings.Contains(lower, "35") {
			value = "35"
		}
		r.EligibilityCriteria = append(r.EligibilityCriteria, model.EligibilityCriterion{
			Category:    model.CategoryBMI,
			Requirement: "BMI requirement",
			Operator:    ">=",
			Value:       model.FlexString(value),
			Unit:        "kg/m²",
			Mandatory:   true,
		})
	}

	if strings.Contains(lower, "hba1c") || strings.Contains(lower, "hemoglobin a1c") {
		r.EligibilityCriteria = append(r.EligibilityCriteria, model.EligibilityCriterion{
			Category:    model.CategoryLabValue,
			Requirement: "HbA1c threshold",
			Operator:    ">=",
			Value:       "7.0",
			Unit:        "%",
			Mandatory:   true,
		})
	}

	if strings.Contains(lower, "metformin") {
		r.StepTherapy = append(r.StepTherapy, model.StepTherapyStep{
			Step:             1,
			Medications:      []string{"Metformin"},
			DurationRequired: "3 months",
			FailureCriteria:  "Inadequate glycemic control or contraindication/intolerance",
		})
	}

	if strings.Contains(lower, "prior authorization") || strings.Contains(lower, "preauthorization") {
		r.DocumentationRequired = append(r.DocumentationRequired, model.DocumentationRequirement{
			DocumentType:        "prior_auth_forms",
			SpecificRequirement: "Prior authorization required",
			Mandatory:           true,
		})
	}

	note := "Extracted using fallback rule-based method"
	if reason != "" {
		note += " (" + reason + ")"
	}
	r.Confidence = FallbackConfidence
	r.ExtractionMethod = MethodFallback
	r.Note = note

	return &Result{
		Requirements: r,
		Confidence:   FallbackConfidence,
		Method:       MethodFallback,
		Fallback:     true,
		Note:         note,
		Payer:        req.Payer,
		Medication:   req.Medication,
		Source:       req.Source,
		ExtractedAt:  time.Now().UTC(),
	}
}
