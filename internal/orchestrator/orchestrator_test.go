package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/policy-engine/internal/collector"
	"github.com/sells-group/policy-engine/internal/extract"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/internal/store"
)

type fakeAgent struct {
	id    string
	docs  []model.RawDocument
	err   error
	calls atomic.Int32
}

func (a *fakeAgent) Source() string        { return a.id }
func (a *fakeAgent) SubEntities() []string { return nil }

func (a *fakeAgent) Scrape(context.Context) ([]model.RawDocument, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.docs, nil
}

type fixedScorer struct{}

func (fixedScorer) Score(context.Context, *model.PolicyVersion) model.ScoreResult {
	return model.ScoreResult{Score: 0.75, Label: "HIGH"}
}

type recordingObserver struct {
	jobs    atomic.Int32
	sources atomic.Int32
}

func (r *recordingObserver) JobFinished(*model.ScrapingJob)    { r.jobs.Add(1) }
func (r *recordingObserver) SourceFinished(model.SourceResult) { r.sources.Add(1) }
func (r *recordingObserver) ExtractionFallback(string)         {}

func doc(payer, source, content string) model.RawDocument {
	return model.RawDocument{
		Payer:      payer,
		Medication: "semaglutide",
		Source:     source,
		Content:    content,
	}
}

var fastRetry = resilience.RetryConfig{
	MaxRetries: 2,
	BaseDelay:  time.Millisecond,
	MaxDelay:   time.Millisecond,
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestOrchestrator(t *testing.T, st store.Store, obs Observer, agents ...*fakeAgent) *Orchestrator {
	t.Helper()
	reg := collector.NewRegistry()
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	for _, a := range agents {
		reg.Register(a)
		breakers.Register(a.id, resilience.DefaultCircuitBreakerConfig())
	}
	return New(st, reg, breakers, extract.NewOffline(), fixedScorer{}, Options{
		Retry:    fastRetry,
		Batch:    extract.BatchOptions{MaxConcurrent: 2},
		Observer: obs,
	})
}

func TestRun_PartialFailureCompletes(t *testing.T) {
	st := newTestStore(t)
	a := &fakeAgent{id: "medicare", docs: []model.RawDocument{
		doc("Medicare", "Medicare LCD Database", "BMI >= 30 kg/m2 required. Metformin trial for 3 months."),
	}}
	b := &fakeAgent{id: "medicaid", err: errors.New("request timeout")}
	c := &fakeAgent{id: "commercial", docs: []model.RawDocument{
		doc("Aetna", "Aetna Medical Policy", "HbA1c >= 7.5% documented within 90 days."),
	}}
	obs := &recordingObserver{}
	o := newTestOrchestrator(t, st, obs, a, b, c)

	job, err := o.Run(context.Background(), JobRequest{Sources: []string{"medicare", "medicaid", "commercial"}})
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, job.Status)
	assert.InDelta(t, 2.0/3.0, job.SuccessRate, 1e-9)
	require.Len(t, job.Results, 3)
	assert.True(t, job.Results[0].Success)
	assert.False(t, job.Results[1].Success)
	assert.Equal(t, "transient", job.Results[1].ErrorType)
	assert.True(t, job.Results[2].Success)
	assert.Equal(t, int32(fastRetry.MaxRetries+1), b.calls.Load())
	assert.Equal(t, 2, job.PoliciesFound)
	assert.Equal(t, 2, job.PoliciesExtracted)
	assert.Equal(t, int32(1), obs.jobs.Load())
	assert.Equal(t, int32(3), obs.sources.Load())

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	policies, err := st.GetPolicies(context.Background(), model.PolicyFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, policies, 2)
	for _, p := range policies {
		assert.Equal(t, job.ID, p.JobID)
		assert.InDelta(t, 0.75, p.ConfidenceScore, 1e-9)
		require.NotNil(t, p.Quality)
	}
}

func TestRun_AllSourcesFail(t *testing.T) {
	st := newTestStore(t)
	a := &fakeAgent{id: "medicare", err: errors.New("blocked: access denied")}
	o := newTestOrchestrator(t, st, nil, a)

	job, err := o.Run(context.Background(), JobRequest{Sources: []string{"medicare"}})
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "no sources reachable", job.ErrorMessage)
	assert.Zero(t, job.SuccessRate)
	assert.Equal(t, "permanent", job.Results[0].ErrorType)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestRun_UnknownSource(t *testing.T) {
	st := newTestStore(t)
	o := newTestOrchestrator(t, st, nil, &fakeAgent{id: "medicare"})

	job, err := o.Run(context.Background(), JobRequest{Sources: []string{"medicare", "bogus"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	require.NotNil(t, job)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "bogus")

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.Status)
}

func TestRun_OpenBreakerSkipsAgent(t *testing.T) {
	st := newTestStore(t)
	a := &fakeAgent{id: "medicare", docs: []model.RawDocument{doc("Medicare", "Medicare LCD Database", "text")}}
	b := &fakeAgent{id: "kaiser", docs: []model.RawDocument{doc("Kaiser California", "Kaiser California Formulary", "text")}}
	o := newTestOrchestrator(t, st, nil, a, b)

	cb := o.Breakers().Register("kaiser", resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, resilience.CircuitOpen, cb.State())

	job, err := o.Run(context.Background(), JobRequest{Sources: []string{"medicare", "kaiser"}})
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.InDelta(t, 0.5, job.SuccessRate, 1e-9)
	assert.Zero(t, b.calls.Load())
	assert.Contains(t, job.Results[1].Error, "circuit breaker is open")
	assert.Equal(t, "transient", job.Results[1].ErrorType)

	h := o.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Len(t, h.Breakers, 2)
	assert.Equal(t, fastRetry.MaxRetries, h.Retry.MaxRetries)
}

func TestRun_UnchangedDocumentsNotRestored(t *testing.T) {
	st := newTestStore(t)
	a := &fakeAgent{id: "medicare", docs: []model.RawDocument{doc("Medicare", "Medicare LCD Database", "BMI >= 30")}}
	o := newTestOrchestrator(t, st, nil, a)

	first, err := o.Run(context.Background(), JobRequest{Sources: []string{"medicare"}})
	require.NoError(t, err)
	assert.Equal(t, 1, first.PoliciesExtracted)

	second, err := o.Run(context.Background(), JobRequest{Sources: []string{"medicare"}})
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, second.Status)
	assert.Equal(t, 1, second.PoliciesFound)
	assert.Zero(t, second.PoliciesExtracted)

	history, err := st.GetPolicyHistory(context.Background(), "Medicare", "semaglutide")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSubmit_RunsDetached(t *testing.T) {
	st := newTestStore(t)
	a := &fakeAgent{id: "medicare", docs: []model.RawDocument{doc("Medicare", "Medicare LCD Database", "BMI >= 30")}}
	o := newTestOrchestrator(t, st, nil, a)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := o.Submit(ctx, JobRequest{Sources: []string{"Medicare"}, Priority: model.PriorityHigh})
	cancel()
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, []string{"medicare"}, job.Sources)
	assert.Equal(t, job.StartedAt.Add(time.Duration(collector.EstimateMinutes("medicare"))*time.Minute), job.EstimatedCompletion)

	o.Wait()

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
	assert.Equal(t, model.PriorityHigh, stored.Priority)
	assert.Equal(t, 1, stored.PoliciesExtracted)
}

type failingOracle struct{ extract.Oracle }

func (failingOracle) Extract(context.Context, extract.Request) (*extract.Result, error) {
	return nil, errors.New("oracle connection reset")
}

func TestRetryingOracle_FallsBackAfterRetries(t *testing.T) {
	r := &retryingOracle{Oracle: failingOracle{}, cfg: fastRetry}

	res, err := r.Extract(context.Background(), extract.Request{
		Text: "BMI >= 30", Payer: "Medicare", Medication: "semaglutide", Source: "Medicare LCD Database",
	})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, extract.MethodFallback, res.Method)
}

func TestExtractDocument_StoresVersion(t *testing.T) {
	st := newTestStore(t)
	o := newTestOrchestrator(t, st, nil)

	res, v, err := o.ExtractDocument(context.Background(), model.RawDocument{
		Payer:   "Aetna",
		Content: "BMI >= 30 kg/m2 with documented metformin trial.",
	})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	require.NotNil(t, v)
	assert.Equal(t, DefaultMedication, v.Medication)
	assert.Equal(t, DefaultSource, v.SourceName)
	assert.Equal(t, 1, v.VersionNumber)
	assert.False(t, v.Duplicate)

	_, again, err := o.ExtractDocument(context.Background(), model.RawDocument{
		Payer:   "Aetna",
		Content: "BMI >= 30 kg/m2 with documented metformin trial.",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, v.ID, again.ID)
}
