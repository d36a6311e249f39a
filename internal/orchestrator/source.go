package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/collector"
	"github.com/sells-group/policy-engine/internal/extract"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
)

// runSource scrapes one source through its breaker and retry policy, then
// extracts, scores and stores every document it returned.
func (o *Orchestrator) runSource(ctx context.Context, jobID string, a collector.Agent) model.SourceResult {
	source := a.Source()
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("job_id", jobID), zap.String("source", source))
	start := time.Now()
	res := model.SourceResult{Source: source}

	cb := o.breakers.Get(source)
	docs, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) ([]model.RawDocument, error) {
		return resilience.DoVal(ctx, o.retry.WithLogger(source, "scrape"), a.Scrape)
	})
	if err != nil {
		res.Error = err.Error()
		res.ErrorType = resilience.ClassifyError(err)
		res.Duration = time.Since(start)
		log.Warn("orchestrator: source failed", zap.String("error_type", res.ErrorType), zap.Error(err))
		return res
	}

	res.Success = true
	res.Documents = len(docs)
	reqs := make([]extract.Request, len(docs))
	for i, d := range docs {
		if d.Fallback {
			res.Fallbacks++
		}
		reqs[i] = extract.Request{Text: d.Content, Payer: d.Payer, Medication: d.Medication, Source: d.Source}
	}

	items := extract.ExtractBatch(ctx, o.oracle, reqs, o.batch)
	for i, item := range items {
		if item.Err != nil {
			res.Failed++
			log.Warn("orchestrator: extraction failed", zap.String("payer", docs[i].Payer), zap.Error(item.Err))
			continue
		}
		if item.Result.Fallback {
			o.observer.ExtractionFallback(source)
		}
		stored, err := o.storeDocument(ctx, jobID, docs[i], item.Result)
		if err != nil {
			res.Failed++
			log.Warn("orchestrator: store failed", zap.String("payer", docs[i].Payer), zap.Error(err))
			continue
		}
		if stored.Duplicate {
			log.Debug("orchestrator: unchanged document skipped",
				zap.String("payer", stored.Payer), zap.String("policy_id", stored.ID))
			continue
		}
		res.Stored++
	}

	res.Duration = time.Since(start)
	log.Info("orchestrator: source complete",
		zap.Int("documents", res.Documents),
		zap.Int("stored", res.Stored),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// Defaults for documents submitted outside a job.
const (
	DefaultMedication = "general"
	DefaultSource     = "manual upload"
)

// ExtractDocument extracts, scores and stores one submitted document outside
// of any job. An unchanged document returns the existing version.
func (o *Orchestrator) ExtractDocument(ctx context.Context, doc model.RawDocument) (*extract.Result, *model.PolicyVersion, error) {
	if doc.Medication == "" {
		doc.Medication = DefaultMedication
	}
	if doc.Source == "" {
		doc.Source = DefaultSource
	}
	res, err := o.oracle.Extract(ctx, extract.Request{
		Text: doc.Content, Payer: doc.Payer, Medication: doc.Medication, Source: doc.Source,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: extract document")
	}
	if res.Fallback {
		o.observer.ExtractionFallback(doc.Source)
	}
	v, err := o.storeDocument(ctx, "", doc, res)
	if err != nil {
		return res, nil, eris.Wrap(err, "orchestrator: store document")
	}
	return res, v, nil
}

func (o *Orchestrator) storeDocument(ctx context.Context, jobID string, doc model.RawDocument, ext *extract.Result) (*model.PolicyVersion, error) {
	now := o.now()
	extractedAt := ext.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = now
	}
	v := &model.PolicyVersion{
		Payer:         doc.Payer,
		Medication:    doc.Medication,
		SourceName:    doc.Source,
		Requirements:  ext.Requirements,
		RawText:       doc.Content,
		ContentHash:   model.ContentHash(doc.Payer, doc.Medication, doc.Source, doc.Content),
		JobID:         jobID,
		ExtractedAt:   extractedAt,
		EffectiveDate: doc.EffectiveDate,
		LastUpdated:   now,
	}
	quality := o.scorer.Score(ctx, v)
	v.ConfidenceScore = quality.Score
	v.Quality = &quality

	return resilience.DoVal(ctx, o.retry.WithLogger(doc.Source, "store"), func(ctx context.Context) (*model.PolicyVersion, error) {
		return o.store.InsertPolicyVersion(ctx, v)
	})
}

// retryingOracle retries transient oracle failures and degrades to the
// rule-based extractor once retries are exhausted.
type retryingOracle struct {
	extract.Oracle
	cfg resilience.RetryConfig
}

func (r *retryingOracle) Extract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	res, err := resilience.DoVal(ctx, r.cfg.WithLogger(req.Source, "extract"), func(ctx context.Context) (*extract.Result, error) {
		return r.Oracle.Extract(ctx, req)
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	fb := extract.FallbackExtract(req, "oracle unavailable: "+err.Error())
	fb.ExtractedAt = time.Now().UTC()
	return fb, nil
}
