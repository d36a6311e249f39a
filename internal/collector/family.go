package collector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/internal/scrape"
)

// FamilyOptions tunes a FamilyAgent.
type FamilyOptions struct {
	Retry       resilience.RetryConfig
	Concurrency int
}

// FamilyAgent fetches every sub-entity of a source live, falling back to
// the standard template when the fetch fails or returns too little text.
type FamilyAgent struct {
	src    *Source
	reader Reader
	opts   FamilyOptions
	now    func() time.Time
	log    *zap.Logger
}

// NewFamilyAgent creates a live agent for src reading through reader.
func NewFamilyAgent(src *Source, reader Reader, opts FamilyOptions) *FamilyAgent {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	return &FamilyAgent{
		src:    src,
		reader: reader,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.L().With(zap.String("component", "collector"), zap.String("source", src.ID)),
	}
}

func (a *FamilyAgent) Source() string        { return a.src.ID }
func (a *FamilyAgent) SubEntities() []string { return entityNames(a.src) }

// Scrape fans out over sub-entities. A failing sub-entity never aborts the
// others; results keep catalog order and skip entities that produced
// nothing.
func (a *FamilyAgent) Scrape(ctx context.Context) ([]model.RawDocument, error) {
	if a.reader == nil {
		return nil, eris.Wrapf(ErrSourceUnavailable, "collector: %s has no reader", a.src.ID)
	}
	if len(a.src.Entities) == 0 {
		return nil, eris.Wrapf(ErrSourceUnavailable, "collector: %s has no entities", a.src.ID)
	}

	now := a.now()
	slots := make([]*model.RawDocument, len(a.src.Entities))
	var (
		mu     sync.Mutex
		failed []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, e := range a.src.Entities {
		g.Go(func() error {
			doc, err := a.scrapeEntity(gctx, e, now)
			if err != nil {
				a.log.Warn("collector: sub-entity failed",
					zap.String("entity", e.Name), zap.Error(err))
				mu.Lock()
				failed = append(failed, e.Name)
				mu.Unlock()
				return nil
			}
			slots[i] = doc
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "collector: %s cancelled", a.src.ID)
	}

	docs := make([]model.RawDocument, 0, len(slots))
	fallbacks := 0
	for _, d := range slots {
		if d == nil {
			continue
		}
		if d.Fallback {
			fallbacks++
		}
		docs = append(docs, *d)
	}

	if len(failed) > 0 {
		a.log.Warn("collector: sub-entities failed",
			zap.Int("count", len(failed)),
			zap.String("entities", strings.Join(failed, ", ")))
	}
	a.log.Info("collector: source scraped",
		zap.Int("documents", len(docs)),
		zap.Int("fallbacks", fallbacks))
	return docs, nil
}

// scrapeEntity tries the live page under retry and falls back to the
// template. It errors only when neither produced a document.
func (a *FamilyAgent) scrapeEntity(ctx context.Context, e Entity, now time.Time) (*model.RawDocument, error) {
	target, err := a.src.EntityURL(e)
	if err != nil {
		return nil, err
	}

	if target != "" {
		retryCfg := a.opts.Retry.WithLogger(a.src.ID, "fetch "+e.Name)
		res, fetchErr := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*scrape.Result, error) {
			return a.reader.Scrape(ctx, target)
		})
		switch {
		case fetchErr != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("collector: live fetch failed, using standard template",
				zap.String("entity", e.Name), zap.String("url", target), zap.Error(fetchErr))
		case len(strings.TrimSpace(res.Content)) < a.src.MinContentChars:
			a.log.Info("collector: live content too short, using standard template",
				zap.String("entity", e.Name), zap.Int("chars", len(res.Content)))
		default:
			data := newTemplateData(e, a.src.EffectiveDate(e))
			payer, medication, name, err := a.src.identity(data)
			if err != nil {
				return nil, err
			}
			effective := now
			return &model.RawDocument{
				Payer:         payer,
				Medication:    medication,
				Source:        name,
				SourceID:      sourceID(a.src.ID, e.Name),
				Content:       res.Content,
				URL:           target,
				EffectiveDate: &effective,
			}, nil
		}
	}

	doc, err := templateDocument(a.src, e)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
