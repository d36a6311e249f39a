package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// CriterionCategory tags an eligibility criterion.
type CriterionCategory string

const (
	CategoryDiagnosis      CriterionCategory = "diagnosis"
	CategoryLabValue       CriterionCategory = "lab_value"
	CategoryBMI            CriterionCategory = "bmi"
	CategoryAge            CriterionCategory = "age"
	CategoryComorbidity    CriterionCategory = "comorbidity"
	CategoryPriorTreatment CriterionCategory = "prior_treatment"
	CategoryLifestyle      CriterionCategory = "lifestyle"
	CategoryOther          CriterionCategory = "other"
)

var knownCategories = map[CriterionCategory]bool{
	CategoryDiagnosis:      true,
	CategoryLabValue:       true,
	CategoryBMI:            true,
	CategoryAge:            true,
	CategoryComorbidity:    true,
	CategoryPriorTreatment: true,
	CategoryLifestyle:      true,
	CategoryOther:          true,
}

// UnmarshalText rejects categories outside the schema.
func (c *CriterionCategory) UnmarshalText(b []byte) error {
	v := CriterionCategory(strings.ToLower(strings.TrimSpace(string(b))))
	if !knownCategories[v] {
		return eris.Errorf("model: unknown criterion category %q", string(b))
	}
	*c = v
	return nil
}

// FlexString accepts either a JSON string or number.
type FlexString string

// UnmarshalJSON decodes strings, numbers and null.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return eris.Errorf("model: expected string or number, got %s", string(b))
	}
	*f = FlexString(b)
	return nil
}

// Float parses the value as a number.
func (f FlexString) Float() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(f)), 64)
	return v, err == nil
}

// EligibilityCriterion is a single clinical threshold or condition.
type EligibilityCriterion struct {
	Category    CriterionCategory `json:"category"`
	Requirement string            `json:"requirement"`
	Operator    string            `json:"operator,omitempty"`
	Value       FlexString        `json:"value,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	Mandatory   bool              `json:"mandatory"`
}

// StepTherapyStep is one rung of a step-therapy ladder.
type StepTherapyStep struct {
	Step             int      `json:"step"`
	Medications      []string `json:"medications"`
	DurationRequired string   `json:"duration_required,omitempty"`
	FailureCriteria  string   `json:"failure_criteria,omitempty"`
}

// DocumentationRequirement names a document the prescriber must submit.
type DocumentationRequirement struct {
	DocumentType        string `json:"document_type"`
	SpecificRequirement string `json:"specific_requirement,omitempty"`
	Mandatory           bool   `json:"mandatory"`
}

// QuantityLimits constrains supply.
type QuantityLimits struct {
	InitialSupply  string     `json:"initial_supply,omitempty"`
	RefillsAllowed FlexString `json:"refills_allowed,omitempty"`
	MaxDailyDose   string     `json:"max_daily_dose,omitempty"`
}

// Reauthorization describes renewal terms.
type Reauthorization struct {
	Frequency            string   `json:"frequency,omitempty"`
	SuccessCriteria      string   `json:"success_criteria,omitempty"`
	MeasurementsRequired []string `json:"measurements_required,omitempty"`
}

// Exclusion lists a condition that prevents coverage.
type Exclusion struct {
	Condition string `json:"condition"`
	Type      string `json:"type,omitempty"`
}

// SpecialPopulation carries modified criteria for a subgroup.
type SpecialPopulation struct {
	Population       string `json:"population"`
	ModifiedCriteria string `json:"modified_criteria,omitempty"`
}

// ProviderRequirements restricts who may prescribe.
type ProviderRequirements struct {
	Specialization string `json:"specialization,omitempty"`
	Experience     string `json:"experience,omitempty"`
	Attestation    bool   `json:"attestation,omitempty"`
}

// Requirements is the structured form of a policy document.
type Requirements struct {
	EligibilityCriteria   []EligibilityCriterion     `json:"eligibility_criteria"`
	StepTherapy           []StepTherapyStep          `json:"step_therapy"`
	DocumentationRequired []DocumentationRequirement `json:"documentation_required"`
	QuantityLimits        *QuantityLimits            `json:"quantity_limits,omitempty"`
	Reauthorization       *Reauthorization           `json:"reauthorization,omitempty"`
	Exclusions            []Exclusion                `json:"exclusions,omitempty"`
	SpecialPopulations    []SpecialPopulation        `json:"special_populations,omitempty"`
	ProviderRequirements  *ProviderRequirements      `json:"provider_requirements,omitempty"`

	Confidence       float64 `json:"confidence"`
	ExtractionMethod string  `json:"extraction_method,omitempty"`
	Note             string  `json:"note,omitempty"`
	// MissingFields lists core sections the extraction did not produce.
	MissingFields []string `json:"missing_fields,omitempty"`

	// Extra keeps unrecognized top-level fields from the oracle.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

var requirementFields = map[string]bool{
	"eligibility_criteria":   true,
	"step_therapy":           true,
	"documentation_required": true,
	"quantity_limits":        true,
	"reauthorization":        true,
	"exclusions":             true,
	"special_populations":    true,
	"provider_requirements":  true,
	"confidence":             true,
	"extraction_method":      true,
	"note":                   true,
	"missing_fields":         true,
	"extra":                  true,
}

// DecodeRequirements parses oracle output against the schema. Type or
// category mismatches are errors; unknown top-level keys are kept in Extra.
func DecodeRequirements(data []byte) (Requirements, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Requirements{}, eris.Wrap(err, "model: requirements are not a JSON object")
	}

	var r Requirements
	if err := json.Unmarshal(data, &r); err != nil {
		return Requirements{}, eris.Wrap(err, "model: decode requirements")
	}

	for k, v := range top {
		if requirementFields[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}

	if r.IsEmpty() {
		return Requirements{}, eris.New("model: requirements contain no recognized sections")
	}
	return r, nil
}

// IsEmpty reports whether no requirement section is populated.
func (r Requirements) IsEmpty() bool {
	return len(r.EligibilityCriteria) == 0 &&
		len(r.StepTherapy) == 0 &&
		len(r.DocumentationRequired) == 0 &&
		r.QuantityLimits == nil &&
		r.Reauthorization == nil &&
		len(r.Exclusions) == 0 &&
		len(r.SpecialPopulations) == 0 &&
		r.ProviderRequirements == nil
}

// Validate lists the core sections that are empty.
func (r Requirements) Validate() []string {
	var missing []string
	if len(r.EligibilityCriteria) == 0 {
		missing = append(missing, "eligibility_criteria")
	}
	if len(r.StepTherapy) == 0 {
		missing = append(missing, "step_therapy")
	}
	if len(r.DocumentationRequired) == 0 {
		missing = append(missing, "documentation_required")
	}
	return missing
}

// Text flattens every populated field into one lower-case string for
// marker matching.
func (r Requirements) Text() string {
	var sb strings.Builder
	add := func(parts ...string) {
		for _, p := range parts {
			if p != "" {
				sb.WriteString(strings.ToLower(p))
				sb.WriteByte(' ')
			}
		}
	}
	for _, c := range r.EligibilityCriteria {
		add(string(c.Category), c.Requirement, c.Operator, string(c.Value), c.Unit)
	}
	for _, s := range r.StepTherapy {
		add(s.Medications...)
		add(s.DurationRequired, s.FailureCriteria)
	}
	for _, d := range r.DocumentationRequired {
		add(d.DocumentType, d.SpecificRequirement)
	}
	if q := r.QuantityLimits; q != nil {
		add(q.InitialSupply, string(q.RefillsAllowed), q.MaxDailyDose)
	}
	if ra := r.Reauthorization; ra != nil {
		add(ra.Frequency, ra.SuccessCriteria)
		add(ra.MeasurementsRequired...)
	}
	for _, e := range r.Exclusions {
		add(e.Condition, e.Type)
	}
	for _, s := range r.SpecialPopulations {
		add(s.Population, s.ModifiedCriteria)
	}
	if p := r.ProviderRequirements; p != nil {
		add(p.Specialization, p.Experience)
	}
	return strings.TrimSpace(sb.String())
}

// Criterion returns the first eligibility criterion in category.
func (r Requirements) Criterion(category CriterionCategory) (EligibilityCriterion, bool) {
	for _, c := range r.EligibilityCriteria {
		if c.Category == category {
			return c, true
		}
	}
	return EligibilityCriterion{}, false
}
