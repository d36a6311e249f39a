// Package collector produces raw policy documents for each configured
// source family.
package collector

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/scrape"
)

var (
	// ErrUnknownSource is returned when a requested source is not registered.
	ErrUnknownSource = errors.New("collector: unknown source")

	// ErrSourceUnavailable marks a source that cannot run at all. It is
	// fatal for the source and never retried.
	ErrSourceUnavailable = errors.New("collector: source unavailable")
)

// Agent collects raw documents for one source family.
type Agent interface {
	Source() string
	SubEntities() []string
	Scrape(ctx context.Context) ([]model.RawDocument, error)
}

// Reader fetches a policy page as text. *scrape.Chain satisfies it.
type Reader interface {
	Scrape(ctx context.Context, url string) (*scrape.Result, error)
}

// templateDocument renders the standard template document for one entity.
// The content depends only on the catalog, never on the render time.
func templateDocument(src *Source, e Entity) (model.RawDocument, error) {
	effective := src.EffectiveDate(e)
	data := newTemplateData(e, effective)
	payer, medication, name, err := src.identity(data)
	if err != nil {
		return model.RawDocument{}, err
	}
	content, err := execute(src.bodyTmpl, data)
	if err != nil {
		return model.RawDocument{}, err
	}
	u, _ := src.EntityURL(e)
	return model.RawDocument{
		Payer:         payer,
		Medication:    medication,
		Source:        name,
		SourceID:      sourceID(src.ID, e.Name),
		Content:       content,
		URL:           u,
		EffectiveDate: &effective,
		Fallback:      true,
	}, nil
}

func sourceID(source, entity string) string {
	return source + ":" + strings.ToLower(strings.Trim(slugRe.ReplaceAllString(entity, "-"), "-"))
}

func entityNames(src *Source) []string {
	names := make([]string, len(src.Entities))
	for i, e := range src.Entities {
		names[i] = e.Name
	}
	return names
}

// TemplateAgent serves the standard templates without touching the network.
// It backs offline mode.
type TemplateAgent struct {
	src *Source
}

// NewTemplateAgent creates an offline agent for src.
func NewTemplateAgent(src *Source) *TemplateAgent {
	return &TemplateAgent{src: src}
}

func (a *TemplateAgent) Source() string        { return a.src.ID }
func (a *TemplateAgent) SubEntities() []string { return entityNames(a.src) }

// Scrape renders one template document per sub-entity.
func (a *TemplateAgent) Scrape(ctx context.Context) ([]model.RawDocument, error) {
	if len(a.src.Entities) == 0 {
		return nil, eris.Wrapf(ErrSourceUnavailable, "collector: %s has no entities", a.src.ID)
	}
	docs := make([]model.RawDocument, 0, len(a.src.Entities))
	for _, e := range a.src.Entities {
		if err := ctx.Err(); err != nil {
			return docs, eris.Wrap(err, "collector: template scrape cancelled")
		}
		doc, err := templateDocument(a.src, e)
		if err != nil {
			return nil, eris.Wrap(err, "collector: render template")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
