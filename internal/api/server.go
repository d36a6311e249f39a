// Package api serves the engine's HTTP surface: policy queries, job
// submission, ad-hoc extraction, change listings, outcome feedback and
// aggregate analytics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/config"
	"github.com/sells-group/policy-engine/internal/extract"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/monitoring"
	"github.com/sells-group/policy-engine/internal/orchestrator"
	"github.com/sells-group/policy-engine/internal/store"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "policy-engine"

// JobRunner starts collection jobs and handles single documents.
// *orchestrator.Orchestrator implements it.
type JobRunner interface {
	Submit(ctx context.Context, req orchestrator.JobRequest) (*model.ScrapingJob, error)
	ExtractDocument(ctx context.Context, doc model.RawDocument) (*extract.Result, *model.PolicyVersion, error)
	Health() orchestrator.Health
}

// ChangeDetector runs one change detection pass. *monitoring.Detector
// implements it.
type ChangeDetector interface {
	Run(ctx context.Context) (*monitoring.DetectionReport, error)
}

// OutcomeRecorder stores outcome feedback. *monitoring.Learner implements it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o *model.Outcome) (*model.SuccessPattern, error)
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Store    store.Store
	Jobs     JobRunner
	Detector ChangeDetector
	Learner  OutcomeRecorder
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
	cfg  config.ServerConfig
	now  func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	return &Server{deps: deps, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/policies", s.handleListPolicies)
		r.Get("/policies/history", s.handlePolicyHistory)

		r.Post("/scrape/policies", s.handleStartScrape)
		r.Get("/scrape/jobs/{id}", s.handleGetJob)

		r.Post("/extract/requirements", s.handleExtract)

		r.Get("/monitoring/changes", s.handleListChanges)
		r.Post("/monitoring/run", s.handleRunMonitor)

		r.Post("/community/outcome", s.handleRecordOutcome)
		r.Get("/community/patterns", s.handleListPatterns)

		r.Get("/analytics/data-moat", s.handleDataMoat)
	})
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// recoverJSON turns handler panics into a structured 500.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zap.L().Error("api: handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
