package model

import "time"

// ChangeType classifies a PolicyChange.
type ChangeType string

const (
	ChangeCreated    ChangeType = "created"
	ChangeUpdated    ChangeType = "updated"
	ChangeDeprecated ChangeType = "deprecated"
)

// ImpactLevel rates how much a change matters for approvals.
type ImpactLevel string

const (
	ImpactLow     ImpactLevel = "low"
	ImpactMedium  ImpactLevel = "medium"
	ImpactHigh    ImpactLevel = "high"
	ImpactUnknown ImpactLevel = "unknown"
)

// ParseImpact maps free text to an ImpactLevel.
func ParseImpact(s string) ImpactLevel {
	switch ImpactLevel(s) {
	case ImpactLow, ImpactMedium, ImpactHigh:
		return ImpactLevel(s)
	default:
		return ImpactUnknown
	}
}

// Direction is the effect of a change on approval likelihood.
type Direction string

const (
	DirectionPositive Direction = "positive"
	DirectionNegative Direction = "negative"
	DirectionNeutral  Direction = "neutral"
)

// SpecificChange is one field-level difference between two versions.
type SpecificChange struct {
	Field          string    `json:"field"`
	OldValue       string    `json:"old_value,omitempty"`
	NewValue       string    `json:"new_value,omitempty"`
	ApprovalImpact Direction `json:"approval_impact"`
	Description    string    `json:"description,omitempty"`
}

// Comparison is the result of diffing two requirement sets.
type Comparison struct {
	HasSignificantChanges bool             `json:"has_significant_changes"`
	ImpactLevel           ImpactLevel      `json:"impact_level"`
	Summary               string           `json:"summary"`
	SpecificChanges       []SpecificChange `json:"specific_changes"`
}

// PolicyChange is an append-only record of a detected difference between
// consecutive versions of the same (payer, medication).
type PolicyChange struct {
	ID              string           `json:"id"`
	PolicyVersionID string           `json:"policy_id"`
	PreviousID      string           `json:"previous_policy_id,omitempty"`
	Payer           string           `json:"payer"`
	Medication      string           `json:"medication"`
	ChangeType      ChangeType       `json:"change_type"`
	ChangedFields   []SpecificChange `json:"changed_fields"`
	OldRequirements Requirements     `json:"old_requirements"`
	NewRequirements Requirements     `json:"new_requirements"`
	ImpactLevel     ImpactLevel      `json:"impact_level"`
	Summary         string           `json:"summary"`
	DetectedAt      time.Time        `json:"detected_at"`
}

// ChangeFilter narrows change listings.
type ChangeFilter struct {
	Days     int         `json:"days,omitempty"`
	Payer    string      `json:"payer,omitempty"`
	Severity ImpactLevel `json:"severity,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}
