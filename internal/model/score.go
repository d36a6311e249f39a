package model

// ScoreFactors holds the five independent quality factors, each in [0,1].
type ScoreFactors struct {
	SourceReliability  float64 `json:"source_reliability"`
	ExtractionClarity  float64 `json:"extraction_clarity"`
	CrossValidation    float64 `json:"cross_validation"`
	HistoricalAccuracy float64 `json:"historical_accuracy"`
	DataCompleteness   float64 `json:"data_completeness"`
}

// ScoreResult is advisory quality metadata attached to a PolicyVersion.
type ScoreResult struct {
	Score           float64      `json:"score"`
	Label           string       `json:"label"`
	Factors         ScoreFactors `json:"factors"`
	Recommendations []string     `json:"recommendations,omitempty"`
	QualityFlags    []string     `json:"quality_flags,omitempty"`
}
