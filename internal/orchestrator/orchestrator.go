// Package orchestrator runs scraping jobs: it fans requested sources out
// through their circuit breakers and retry policy, extracts and scores the
// collected documents and stores them as policy versions.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/policy-engine/internal/collector"
	"github.com/sells-group/policy-engine/internal/extract"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/internal/store"
)

// ErrInvalidRequest marks a job request rejected before any work starts.
var ErrInvalidRequest = eris.New("orchestrator: invalid request")

// JobRequest asks for a collection run over the named sources. An empty
// source list selects every registered source.
type JobRequest struct {
	Sources  []string       `json:"sources"`
	Priority model.Priority `json:"priority"`
}

// Scorer rates a policy version before it is stored.
type Scorer interface {
	Score(ctx context.Context, v *model.PolicyVersion) model.ScoreResult
}

// Observer receives job and source events. monitoring.Metrics implements it.
type Observer interface {
	JobFinished(job *model.ScrapingJob)
	SourceFinished(res model.SourceResult)
	ExtractionFallback(source string)
}

type nopObserver struct{}

func (nopObserver) JobFinished(*model.ScrapingJob)    {}
func (nopObserver) SourceFinished(model.SourceResult) {}
func (nopObserver) ExtractionFallback(string)         {}

// Options configures an Orchestrator.
type Options struct {
	Retry    resilience.RetryConfig
	Batch    extract.BatchOptions
	Observer Observer
}

// Orchestrator owns the per-source breakers and drives job execution.
type Orchestrator struct {
	store    store.Store
	registry *collector.Registry
	breakers *resilience.ServiceBreakers
	oracle   extract.Oracle
	scorer   Scorer
	retry    resilience.RetryConfig
	batch    extract.BatchOptions
	observer Observer

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates an Orchestrator.
func New(
	st store.Store,
	registry *collector.Registry,
	breakers *resilience.ServiceBreakers,
	oracle extract.Oracle,
	scorer Scorer,
	opts Options,
) *Orchestrator {
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		breakers: breakers,
		oracle:   &retryingOracle{Oracle: oracle, cfg: opts.Retry},
		scorer:   scorer,
		retry:    opts.Retry,
		batch:    opts.Batch,
		observer: obs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Health is the resilience snapshot served by the health endpoint.
type Health struct {
	Status    string                    `json:"status"`
	Breakers  []resilience.BreakerStats `json:"circuit_breakers"`
	Retry     resilience.RetryConfig    `json:"retry_config"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Health reports breaker stats and the retry configuration. Status is
// "degraded" while any breaker is open.
func (o *Orchestrator) Health() Health {
	h := Health{
		Status:    "healthy",
		Breakers:  o.breakers.Stats(),
		Retry:     o.retry,
		Timestamp: o.now(),
	}
	for _, b := range h.Breakers {
		if b.State == resilience.CircuitOpen {
			h.Status = "degraded"
			break
		}
	}
	return h
}

// Breakers returns the per-source breaker registry.
func (o *Orchestrator) Breakers() *resilience.ServiceBreakers { return o.breakers }

// Submit records a pending job and runs it in the background, detached from
// ctx's cancellation. A request naming unknown sources is stored as failed
// and returned together with an ErrInvalidRequest error.
func (o *Orchestrator) Submit(ctx context.Context, req JobRequest) (*model.ScrapingJob, error) {
	job, agents, err := o.prepare(ctx, req)
	if err != nil {
		return job, err
	}

	snapshot := *job
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, job, agents)
	}()
	return &snapshot, nil
}

// Run executes a job synchronously and returns its terminal state.
func (o *Orchestrator) Run(ctx context.Context, req JobRequest) (*model.ScrapingJob, error) {
	job, agents, err := o.prepare(ctx, req)
	if err != nil {
		return job, err
	}
	o.execute(ctx, job, agents)
	return job, nil
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) prepare(ctx context.Context, req JobRequest) (*model.ScrapingJob, []collector.Agent, error) {
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	now := o.now()
	job := &model.ScrapingJob{
		ID:        uuid.New().String(),
		Sources:   req.Sources,
		Priority:  priority,
		Status:    model.JobPending,
		StartedAt: now,
	}

	agents, selErr := o.registry.Select(req.Sources)
	if selErr == nil && len(agents) == 0 {
		selErr = eris.New("orchestrator: no sources registered")
	}
	if selErr == nil {
		job.Sources = make([]string, len(agents))
		var minutes int
		for i, a := range agents {
			job.Sources[i] = a.Source()
			minutes += collector.EstimateMinutes(a.Source())
		}
		job.EstimatedCompletion = now.Add(time.Duration(minutes) * time.Minute)
	} else {
		job.EstimatedCompletion = now
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: create job")
	}

	if selErr != nil {
		o.finish(ctx, job, model.JobFailed, selErr.Error())
		return job, nil, eris.Wrap(ErrInvalidRequest, selErr.Error())
	}
	return job, agents, nil
}

// execute moves job through running to a terminal state. Source failures
// are recorded and never abort the remaining sources.
func (o *Orchestrator) execute(ctx context.Context, job *model.ScrapingJob, agents []collector.Agent) {
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("job_id", job.ID))
	log.Info("orchestrator: job started", zap.Strings("sources", job.Sources))

	job.Status = model.JobRunning
	if err := o.store.UpdateJob(ctx, job); err != nil {
		log.Warn("orchestrator: failed to mark job running", zap.Error(err))
	}

	limit := o.breakers.Len()
	if limit < 1 {
		limit = len(agents)
	}
	results := make([]model.SourceResult, len(agents))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range agents {
		g.Go(func() error {
			results[i] = o.runSource(gCtx, job.ID, a)
			o.observer.SourceFinished(results[i])
			return nil
		})
	}
	_ = g.Wait()

	var succeeded int
	job.PoliciesFound, job.PoliciesExtracted = 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
		job.PoliciesFound += r.Documents
		job.PoliciesExtracted += r.Stored
	}
	job.Results = results
	job.SuccessRate = float64(succeeded) / float64(len(agents))

	if succeeded == 0 {
		o.finish(ctx, job, model.JobFailed, "no sources reachable")
		log.Error("orchestrator: job failed", zap.Int("sources", len(agents)))
		return
	}
	o.finish(ctx, job, model.JobCompleted, "")
	log.Info("orchestrator: job completed",
		zap.Float64("success_rate", job.SuccessRate),
		zap.Int("policies_found", job.PoliciesFound),
		zap.Int("policies_extracted", job.PoliciesExtracted),
	)
}

func (o *Orchestrator) finish(ctx context.Context, job *model.ScrapingJob, status model.JobStatus, msg string) {
	done := o.now()
	job.Status = status
	job.CompletedAt = &done
	job.ErrorMessage = msg

	// The terminal write must land even if the caller went away.
	wctx := context.WithoutCancel(ctx)
	err := resilience.Do(wctx, o.retry.WithLogger(job.ID, "update_job"), func(ctx context.Context) error {
		return o.store.UpdateJob(ctx, job)
	})
	if err != nil {
		zap.L().Error("orchestrator: failed to persist job state",
			zap.String("job_id", job.ID), zap.String("status", string(status)), zap.Error(err))
	}
	o.observer.JobFinished(job)
}
