package model

import (
	"math"
	"time"
)

// ApprovalStatus is the result of a prior-authorization submission.
type ApprovalStatus string

const (
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusPending  ApprovalStatus = "pending"
)

// Valid reports whether s is a known status.
func (s ApprovalStatus) Valid() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusPending
}

// Outcome is a reported prior-authorization result.
type Outcome struct {
	ID                   string         `json:"id"`
	Payer                string         `json:"payer"`
	Medication           string         `json:"medication"`
	PatientProfileHash   string         `json:"patient_profile_hash"`
	ApprovalStatus       ApprovalStatus `json:"approval_status"`
	DenialReason         string         `json:"denial_reason,omitempty"`
	DocumentationUsed    []string       `json:"documentation_used,omitempty"`
	PredictedProbability *float64       `json:"approval_probability_predicted,omitempty"`
	ActualOutcomeScore   *float64       `json:"actual_outcome_score,omitempty"`
	PredictionAccuracy   *float64       `json:"prediction_accuracy,omitempty"`
	ProcessingTimeDays   *int           `json:"processing_time_days,omitempty"`
	SubmittedAt          time.Time      `json:"submitted_at"`
}

// Derive fills ActualOutcomeScore and PredictionAccuracy once the outcome is
// decided and a prediction exists. Pending outcomes are left untouched.
func (o *Outcome) Derive() {
	var actual float64
	switch o.ApprovalStatus {
	case StatusApproved:
		actual = 1
	case StatusDenied:
		actual = 0
	default:
		return
	}
	o.ActualOutcomeScore = &actual
	if o.PredictedProbability == nil {
		return
	}
	acc := PredictionAccuracy(*o.PredictedProbability, actual)
	o.PredictionAccuracy = &acc
}

// PredictionAccuracy is 1 - |predicted - actual|.
func PredictionAccuracy(predicted, actual float64) float64 {
	return 1 - math.Abs(predicted-actual)
}

// PatternOverallApproval is the pattern type recomputed from outcomes.
const PatternOverallApproval = "overall_approval_rate"

// MinPatternSamples is the smallest outcome set a pattern is computed from.
const MinPatternSamples = 5

// SuccessPattern is a derived aggregate keyed by (payer, medication, type).
type SuccessPattern struct {
	Payer                   string    `json:"payer"`
	Medication              string    `json:"medication"`
	PatternType             string    `json:"pattern_type"`
	SuccessRate             float64   `json:"success_rate"`
	SampleSize              int       `json:"sample_size"`
	StatisticalSignificance float64   `json:"statistical_significance"`
	LastCalculated          time.Time `json:"last_calculated"`
}

// PatternFilter narrows success pattern listings.
type PatternFilter struct {
	Payer           string  `json:"payer,omitempty"`
	Medication      string  `json:"medication,omitempty"`
	MinSignificance float64 `json:"min_significance"`
}

// LearningModel tracks training size and accuracy for a prediction model.
type LearningModel struct {
	ModelType      string    `json:"model_type"`
	Payer          string    `json:"payer"`
	Medication     string    `json:"medication"`
	Version        string    `json:"model_version"`
	TrainingSize   int       `json:"training_data_size"`
	LatestAccuracy float64   `json:"latest_accuracy"`
	LastTrained    time.Time `json:"last_trained"`
}

// AccuracyStats summarizes prediction accuracy for a payer. Recent covers the
// latest RecentWindow scored outcomes.
type AccuracyStats struct {
	Payer   string  `json:"payer"`
	Recent  float64 `json:"recent"`
	Overall float64 `json:"overall"`
	Samples int     `json:"samples"`
}

// RecentWindow is the number of outcomes counted as recent accuracy.
const RecentWindow = 20
