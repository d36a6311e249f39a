package model

import "time"

// JobStatus is the lifecycle state of a ScrapingJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Priority orders job requests. It only affects reporting.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a priority string, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityHigh:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// ScrapingJob records one collection run across a set of sources.
type ScrapingJob struct {
	ID                  string         `json:"id"`
	Sources             []string       `json:"sources"`
	Priority            Priority       `json:"priority"`
	Status              JobStatus      `json:"status"`
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	EstimatedCompletion time.Time      `json:"estimated_completion"`
	Results             []SourceResult `json:"results"`
	SuccessRate         float64        `json:"success_rate"`
	PoliciesFound       int            `json:"policies_found"`
	PoliciesExtracted   int            `json:"policies_extracted"`
	ErrorMessage        string         `json:"error_message,omitempty"`
}

// SourceResult is the outcome of one source within a job.
type SourceResult struct {
	Source    string        `json:"source"`
	Success   bool          `json:"success"`
	Documents int           `json:"documents"`
	Fallbacks int           `json:"fallbacks"`
	Stored    int           `json:"stored"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
	ErrorType string        `json:"error_type,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status JobStatus `json:"status,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}
