// Package scorer rates the quality of an extracted policy version from five
// independent factors.
package scorer

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// Weights are the factor weights. They should sum to 1.
type Weights struct {
	SourceReliability  float64 `json:"source_reliability"`
	ExtractionClarity  float64 `json:"extraction_clarity"`
	CrossValidation    float64 `json:"cross_validation"`
	HistoricalAccuracy float64 `json:"historical_accuracy"`
	DataCompleteness   float64 `json:"data_completeness"`
}

// DefaultWeights returns the standard factor weights.
func DefaultWeights() Weights {
	return Weights{
		SourceReliability:  0.25,
		ExtractionClarity:  0.30,
		CrossValidation:    0.20,
		HistoricalAccuracy: 0.15,
		DataCompleteness:   0.10,
	}
}

// Sum returns the sum of all factor weights.
func (w Weights) Sum() float64 {
	return w.SourceReliability + w.ExtractionClarity + w.CrossValidation +
		w.HistoricalAccuracy + w.DataCompleteness
}

// Validate checks that the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	var errs []string

	weights := map[string]float64{
		"source_reliability":  w.SourceReliability,
		"extraction_clarity":  w.ExtractionClarity,
		"cross_validation":    w.CrossValidation,
		"historical_accuracy": w.HistoricalAccuracy,
		"data_completeness":   w.DataCompleteness,
	}
	for name, v := range weights {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}

	if sum := w.Sum(); math.Abs(sum-1) > 0.001 {
		errs = append(errs, fmt.Sprintf("weights must sum to 1 (got %.3f)", sum))
	}

	if len(errs) > 0 {
		return eris.New("scorer: invalid weights: " + strings.Join(errs, "; "))
	}
	return nil
}
