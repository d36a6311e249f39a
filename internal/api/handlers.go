package api

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/orchestrator"
	"github.com/sells-group/policy-engine/internal/store"
)

const (
	defaultPolicyLimit         = 50
	defaultChangeDays          = 30
	defaultConfidenceThreshold = 0.7
)

type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	orchestrator.Health
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Jobs.Health()
	resp := healthResponse{
		Status:    h.Status,
		Service:   ServiceName,
		Timestamp: s.now(),
		Database:  "ok",
		Health:    h,
	}
	status := http.StatusOK
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type policiesResponse struct {
	Success  bool                  `json:"success"`
	Count    int                   `json:"count"`
	Policies []model.PolicyVersion `json:"policies"`
	Metadata policiesMetadata      `json:"metadata"`
}

type policiesMetadata struct {
	TotalPolicies   int                    `json:"total_policies"`
	LastUpdated     *time.Time             `json:"last_updated"`
	CoverageSummary *model.CoverageSummary `json:"coverage_summary"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPolicyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	policies, err := s.deps.Store.GetPolicies(r.Context(), model.PolicyFilter{
		Payer:      q.Get("payer"),
		Medication: q.Get("medication"),
		ActiveOnly: true,
		Limit:      limit,
	})
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	summary, err := s.deps.Store.CoverageSummary(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	meta := policiesMetadata{TotalPolicies: summary.TotalPolicies, CoverageSummary: summary}
	if !summary.LastUpdated.IsZero() {
		meta.LastUpdated = &summary.LastUpdated
	}
	writeJSON(w, http.StatusOK, policiesResponse{
		Success:  true,
		Count:    len(policies),
		Policies: nonNil(policies),
		Metadata: meta,
	})
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payer, medication := q.Get("payer"), q.Get("medication")
	if payer == "" || medication == "" {
		writeError(w, http.StatusBadRequest, "payer and medication are required")
		return
	}
	versions, err := s.deps.Store.GetPolicyHistory(r.Context(), payer, medication)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(versions),
		"versions": nonNil(versions),
	})
}

type scrapeRequest struct {
	Sources  []string `json:"sources"`
	Priority string   `json:"priority"`
}

type scrapeResponse struct {
	Success             bool            `json:"success"`
	JobID               string          `json:"job_id"`
	Status              model.JobStatus `json:"status"`
	Message             string          `json:"message"`
	EstimatedCompletion time.Time       `json:"estimated_completion"`
	SourcesTargeted     int             `json:"sources_targeted"`
	Sources             []string        `json:"sources"`
}

func (s *Server) handleStartScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	job, err := s.deps.Jobs.Submit(r.Context(), orchestrator.JobRequest{
		Sources:  req.Sources,
		Priority: model.ParsePriority(req.Priority),
	})
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		resp := map[string]any{"success": false, "error": err.Error()}
		if job != nil {
			resp["job_id"] = job.ID
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	case err != nil:
		writeInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, scrapeResponse{
		Success:             true,
		JobID:               job.ID,
		Status:              job.Status,
		Message:             "policy scraping started",
		EstimatedCompletion: job.EstimatedCompletion,
		SourcesTargeted:     len(job.Sources),
		Sources:             job.Sources,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

// extractRequest accepts the short field names and the longer upload names.
type extractRequest struct {
	Text           string `json:"text"`
	DocumentText   string `json:"document_text"`
	Payer          string `json:"payer"`
	PayerName      string `json:"payer_name"`
	Medication     string `json:"medication"`
	MedicationType string `json:"medication_type"`
	Source         string `json:"source"`
	DocumentSource string `json:"document_source"`
}

func (e extractRequest) document() model.RawDocument {
	return model.RawDocument{
		Content:    firstNonEmpty(e.Text, e.DocumentText),
		Payer:      firstNonEmpty(e.Payer, e.PayerName),
		Medication: firstNonEmpty(e.Medication, e.MedicationType),
		Source:     firstNonEmpty(e.Source, e.DocumentSource),
	}
}

type extractResponse struct {
	Success       bool               `json:"success"`
	Requirements  model.Requirements `json:"requirements"`
	Confidence    float64            `json:"confidence"`
	Method        string             `json:"extraction_method"`
	Fallback      bool               `json:"fallback"`
	Note          string             `json:"note,omitempty"`
	PolicyID      string             `json:"policy_id,omitempty"`
	PolicyVersion int                `json:"policy_version,omitempty"`
	Duplicate     bool               `json:"duplicate"`
	Quality       *model.ScoreResult `json:"quality,omitempty"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc := req.document()
	if strings.TrimSpace(doc.Content) == "" || doc.Payer == "" {
		writeError(w, http.StatusBadRequest, "missing required fields: text and payer")
		return
	}

	res, v, err := s.deps.Jobs.ExtractDocument(r.Context(), doc)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extractResponse{
		Success:       true,
		Requirements:  res.Requirements,
		Confidence:    res.Confidence,
		Method:        res.Method,
		Fallback:      res.Fallback,
		Note:          res.Note,
		PolicyID:      v.ID,
		PolicyVersion: v.VersionNumber,
		Duplicate:     v.Duplicate,
		Quality:       v.Quality,
	})
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultChangeDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	var severity model.ImpactLevel
	if raw := strings.ToLower(q.Get("severity")); raw != "" {
		if severity = model.ParseImpact(raw); severity == model.ImpactUnknown && raw != string(model.ImpactUnknown) {
			writeError(w, http.StatusBadRequest, "severity must be one of low, medium, high, unknown")
			return
		}
	}

	changes, err := s.deps.Store.RecentChanges(r.Context(), model.ChangeFilter{
		Days:     days,
		Payer:    q.Get("payer"),
		Severity: severity,
		Limit:    limit,
	})
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(changes),
		"days":    days,
		"changes": nonNil(changes),
	})
}

func (s *Server) handleRunMonitor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detector == nil {
		writeError(w, http.StatusServiceUnavailable, "change detection is not configured")
		return
	}
	report, err := s.deps.Detector.Run(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"changes_detected": len(report.Changes),
		"report":           report,
	})
}

type outcomeRequest struct {
	Payer                string   `json:"payer"`
	Medication           string   `json:"medication"`
	PatientProfileHash   string   `json:"patient_profile_hash"`
	ApprovalStatus       string   `json:"approval_status"`
	DenialReason         string   `json:"denial_reason"`
	DocumentationUsed    []string `json:"documentation_used"`
	PredictedProbability *float64 `json:"approval_probability_predicted"`
	ProcessingTimeDays   *int     `json:"processing_time_days"`
}

func (o outcomeRequest) validate() error {
	var missing []string
	if o.Payer == "" {
		missing = append(missing, "payer")
	}
	if o.Medication == "" {
		missing = append(missing, "medication")
	}
	if o.ApprovalStatus == "" {
		missing = append(missing, "approval_status")
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	if !model.ApprovalStatus(o.ApprovalStatus).Valid() {
		return errors.New("approval_status must be one of approved, denied, pending")
	}
	if p := o.PredictedProbability; p != nil && (*p < 0 || *p > 1) {
		return errors.New("approval_probability_predicted must be within [0, 1]")
	}
	return nil
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o := &model.Outcome{
		Payer:                req.Payer,
		Medication:           req.Medication,
		PatientProfileHash:   req.PatientProfileHash,
		ApprovalStatus:       model.ApprovalStatus(req.ApprovalStatus),
		DenialReason:         req.DenialReason,
		DocumentationUsed:    req.DocumentationUsed,
		PredictedProbability: req.PredictedProbability,
		ProcessingTimeDays:   req.ProcessingTimeDays,
		SubmittedAt:          s.now(),
	}
	pattern, err := s.deps.Learner.RecordOutcome(r.Context(), o)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	impact := "pattern needs more outcomes"
	if pattern != nil {
		impact = "success pattern updated"
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":             true,
		"outcome_id":          o.ID,
		"prediction_accuracy": o.PredictionAccuracy,
		"pattern":             pattern,
		"learning_impact":     impact,
	})
}

type patternInsights struct {
	SampleSize      int        `json:"sample_size"`
	AvgApprovalRate float64    `json:"avg_approval_rate"`
	LastUpdated     *time.Time `json:"last_updated"`
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "confidence_threshold", defaultConfidenceThreshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	patterns, err := s.deps.Store.ListSuccessPatterns(r.Context(), model.PatternFilter{
		Payer:           q.Get("payer"),
		Medication:      q.Get("medication"),
		MinSignificance: threshold,
	})
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	var insights patternInsights
	var rateSum float64
	for i := range patterns {
		p := &patterns[i]
		insights.SampleSize += p.SampleSize
		rateSum += p.SuccessRate
		if insights.LastUpdated == nil || p.LastCalculated.After(*insights.LastUpdated) {
			insights.LastUpdated = &p.LastCalculated
		}
	}
	if len(patterns) > 0 {
		insights.AvgApprovalRate = rateSum / float64(len(patterns))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"patterns": nonNil(patterns),
		"insights": insights,
	})
}

func (s *Server) handleDataMoat(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Store.DataMoatMetrics(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data_moat_strength": map[string]any{
			"unique_policies":     m.UniquePolicies,
			"policy_versions":     m.PolicyVersions,
			"outcome_data_points": m.OutcomeDataPoints,
			"learning_accuracy":   m.LearningAccuracy,
		},
		"growth_metrics": map[string]any{
			"policies_added_last_30_days":     m.RecentPolicies,
			"outcomes_collected_last_30_days": m.RecentOutcomes,
		},
		"market_coverage": map[string]any{
			"payers_covered":      m.PayersCovered,
			"medications_covered": m.MedicationsCovered,
			"coverage_percentage": math.Round(m.MarketCoveragePercentage),
		},
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
