// Package model defines the domain records shared across the engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PolicyVersion is one immutable snapshot of a payer's requirements for a
// medication. New snapshots are appended; old ones are only deactivated.
type PolicyVersion struct {
	ID              string       `json:"id"`
	Payer           string       `json:"payer"`
	Medication      string       `json:"medication"`
	SourceName      string       `json:"source"`
	Requirements    Requirements `json:"requirements"`
	ConfidenceScore float64      `json:"confidence_score"`
	Quality         *ScoreResult `json:"quality,omitempty"`
	RawText         string       `json:"raw_text,omitempty"`
	ContentHash     string       `json:"content_hash"`
	JobID           string       `json:"scraping_job_id,omitempty"`
	ExtractedAt     time.Time    `json:"extracted_at"`
	EffectiveDate   *time.Time   `json:"effective_date,omitempty"`
	LastUpdated     time.Time    `json:"last_updated"`
	IsActive        bool         `json:"is_active"`
	VersionNumber   int          `json:"policy_version"`

	// Duplicate is set by the store when an identical document was already
	// recorded; the returned version is the existing one.
	Duplicate bool `json:"-"`
}

// Key returns the grouping key for (payer, medication).
func (p PolicyVersion) Key() string {
	return PolicyKey(p.Payer, p.Medication)
}

// PolicyKey joins payer and medication into a stable grouping key.
func PolicyKey(payer, medication string) string {
	return payer + "|" + medication
}

// RawDocument is one document produced by a collector agent.
type RawDocument struct {
	Payer         string     `json:"payer"`
	Medication    string     `json:"medication"`
	Source        string     `json:"source"`
	SourceID      string     `json:"source_id"`
	Content       string     `json:"content"`
	URL           string     `json:"url,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	// Fallback marks content that came from the standard template rather
	// than a live fetch.
	Fallback bool `json:"fallback"`
}

// ContentHash is the dedup key for a stored document. Whitespace differences
// do not change the hash.
func ContentHash(payer, medication, source, content string) string {
	h := sha256.New()
	for _, part := range []string{payer, medication, source, strings.Join(strings.Fields(content), " ")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PolicyFilter specifies criteria for listing policies.
type PolicyFilter struct {
	Payer      string `json:"payer,omitempty"`
	Medication string `json:"medication,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// CoverageSummary aggregates the active policy set.
type CoverageSummary struct {
	TotalPolicies     int       `json:"total_policies"`
	UniquePayers      int       `json:"unique_payers"`
	UniqueMedications int       `json:"unique_medications"`
	AvgConfidence     float64   `json:"avg_confidence"`
	LastUpdated       time.Time `json:"last_updated"`
}

// DataMoatMetrics summarizes how much proprietary data has accumulated.
type DataMoatMetrics struct {
	UniquePolicies           int     `json:"unique_policies"`
	PolicyVersions           int     `json:"policy_versions"`
	OutcomeDataPoints        int     `json:"outcome_data_points"`
	LearningAccuracy         float64 `json:"learning_accuracy"`
	RecentPolicies           int     `json:"recent_policies_30d"`
	RecentOutcomes           int     `json:"recent_outcomes_30d"`
	PayersCovered            int     `json:"payers_covered"`
	MedicationsCovered       int     `json:"medications_covered"`
	MarketCoveragePercentage float64 `json:"market_coverage_percentage"`
}

// MarketCoverage converts a payer count into the coverage percentage of a
// 200-payer market, capped at 100.
func MarketCoverage(payers int) float64 {
	pct := float64(payers) / 200 * 100
	if pct > 100 {
		return 100
	}
	return pct
}
