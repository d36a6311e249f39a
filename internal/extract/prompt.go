package extract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sells-group/policy-engine/internal/model"
)

const extractionSystemPrompt = `You are an expert medical policy analyst with deep expertise in prior authorization requirements and payer policies. Extract structured, machine-readable medical necessity criteria from policy documents.

Respond ONLY with a JSON object. No explanatory text, no markdown, no code fences.

Use exactly this structure:

{
  "eligibility_criteria": [
    {
      "category": "diagnosis|lab_value|bmi|age|comorbidity|prior_treatment|lifestyle|other",
      "requirement": "specific requirement text",
      "operator": ">=|<=|=|>|<|contains|excludes",
      "value": "threshold value or criteria",
      "unit": "unit if applicable",
      "mandatory": true
    }
  ],
  "step_therapy": [
    {
      "step": 1,
      "medications": ["medication names"],
      "duration_required": "minimum duration",
      "failure_criteria": "what constitutes failure"
    }
  ],
  "documentation_required": [
    {
      "document_type": "lab_results|diagnosis_codes|provider_notes|prior_auth_forms",
      "specific_requirement": "detailed requirement",
      "mandatory": true
    }
  ],
  "quantity_limits": {
    "initial_supply": "days or units",
    "refills_allowed": "number",
    "max_daily_dose": "if specified"
  },
  "reauthorization": {
    "frequency": "duration between reauthorizations",
    "success_criteria": "what must be shown for continuation",
    "measurements_required": ["specific measurements"]
  },
  "exclusions": [
    {"condition": "exclusion criteria", "type": "absolute|relative"}
  ],
  "special_populations": [
    {"population": "population description", "modified_criteria": "how criteria differ"}
  ],
  "provider_requirements": {
    "specialization": "required or preferred specialization",
    "experience": "experience requirements if any",
    "attestation": true
  }
}

Use only the listed category values. Capture every numeric threshold and timeframe precisely.`

func buildExtractionPrompt(req Request, now time.Time) string {
	return fmt.Sprintf(`Extract structured medical necessity requirements from this %s policy document for %s:

POLICY DOCUMENT:
%s

SOURCE CONTEXT:
- Payer: %s
- Medication/Treatment: %s
- Document Source: %s
- Extraction Date: %s

Extract all eligibility criteria, step therapy protocols, documentation requirements, quantity limits, reauthorization terms, exclusions, special populations and provider requirements.

Pay special attention to:
1. Clinical thresholds (HbA1c levels, BMI requirements)
2. Required duration of previous treatments before failure is considered
3. Mandatory versus preferred requirements
4. Documentation that must be submitted
5. Absolute versus relative contraindications

Respond with the JSON object only.`,
		req.Payer, req.Medication, req.Text, req.Payer, req.Medication, req.Source, now.Format(time.RFC3339))
}

const comparisonSystemPrompt = `You are an expert policy analyst who detects meaningful changes between versions of an insurance payer policy. Identify changes that could affect prior authorization approval rates and ignore formatting differences.

Respond ONLY with a JSON object:

{
  "has_significant_changes": true,
  "impact_level": "low|medium|high",
  "summary": "brief description of changes",
  "specific_changes": [
    {
      "field": "eligibility_criteria|step_therapy|documentation_required|quantity_limits|reauthorization|exclusions|provider_requirements",
      "old_value": "previous requirement",
      "new_value": "new requirement",
      "approval_impact": "positive|negative|neutral",
      "description": "what changed"
    }
  ]
}

approval_impact is positive when the change makes approval easier to obtain.`

func buildComparisonPrompt(prev, next model.Requirements, meta CompareMeta) string {
	oldJSON, _ := json.MarshalIndent(prev, "", "  ")
	newJSON, _ := json.MarshalIndent(next, "", "  ")
	return fmt.Sprintf(`Analyze the differences between these two versions of a %s policy for %s:

PREVIOUS VERSION (%s):
%s

CURRENT VERSION (%s):
%s

Determine whether the changes make approval easier or harder and rate their impact. Focus on clinical criteria, step therapy and documentation requirements.

Respond with the JSON object only.`,
		meta.Payer, meta.Medication,
		meta.PreviousUpdated.Format(time.RFC3339), oldJSON,
		meta.CurrentUpdated.Format(time.RFC3339), newJSON)
}
