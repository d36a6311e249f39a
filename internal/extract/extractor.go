// Package extract turns policy text into structured requirements through an
// external oracle, falling back to rule-based extraction when the oracle's
// answer is unusable.
package extract

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/pkg/anthropic"
)

// Extraction methods recorded on Requirements.ExtractionMethod.
const (
	MethodOracle   = "oracle"
	MethodFallback = "fallback_rules"
)

// Request is one document to extract.
type Request struct {
	Text       string `json:"text"`
	Payer      string `json:"payer"`
	Medication string `json:"medication"`
	Source     string `json:"source"`
}

// Result is the outcome of one extraction.
type Result struct {
	Requirements model.Requirements `json:"requirements"`
	Confidence   float64            `json:"confidence"`
	Method       string             `json:"extraction_method"`
	Fallback     bool               `json:"fallback"`
	Note         string             `json:"note,omitempty"`
	Raw          string             `json:"raw_response,omitempty"`
	Payer        string             `json:"payer"`
	Medication   string             `json:"medication"`
	Source       string             `json:"source"`
	ExtractedAt  time.Time          `json:"extracted_at"`
}

// CompareMeta describes the two versions being compared.
type CompareMeta struct {
	Payer           string
	Medication      string
	PreviousUpdated time.Time
	CurrentUpdated  time.Time
}

// Oracle extracts requirements and compares requirement sets.
type Oracle interface {
	Extract(ctx context.Context, req Request) (*Result, error)
	Compare(ctx context.Context, prev, next model.Requirements, meta CompareMeta) (*model.Comparison, error)
}

// UsageObserver receives token usage for every oracle call.
// monitoring.Metrics implements it.
type UsageObserver interface {
	OracleUsage(phase, model string, u anthropic.TokenUsage)
}

// Options configures the Anthropic-backed Extractor.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	Usage       UsageObserver
}

const compareMaxTokens = 2000

// Extractor is the Oracle backed by the Anthropic messages API.
type Extractor struct {
	client anthropic.Client
	opts   Options
	now    func() time.Time
	log    *zap.Logger
}

// New creates an Extractor.
func New(client anthropic.Client, opts Options) *Extractor {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	return &Extractor{
		client: client,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.L().With(zap.String("component", "extract")),
	}
}

// Extract sends the document to the oracle. Transport errors are returned so
// callers can retry; malformed or schema-invalid answers fall back to
// rule-based extraction.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	temp := e.opts.Temperature
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.opts.Model,
		MaxTokens:   e.opts.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(extractionSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: buildExtractionPrompt(req, e.now())}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, oracleError(err, "extract: oracle request")
	}
	e.recordUsage("extract", resp)

	raw := extractText(resp)
	reqs, err := model.DecodeRequirements([]byte(cleanJSON(raw)))
	if err != nil {
		e.log.Warn("extract: oracle response unusable, using fallback rules",
			zap.String("payer", req.Payer),
			zap.String("medication", req.Medication),
			zap.Error(err))
		res := FallbackExtract(req, "oracle response could not be parsed: "+err.Error())
		res.Raw = raw
		res.ExtractedAt = e.now()
		return res, nil
	}

	if missing := reqs.Validate(); len(missing) > 0 {
		e.log.Warn("extract: sections missing from oracle response",
			zap.String("payer", req.Payer),
			zap.String("medication", req.Medication),
			zap.Strings("missing", missing))
		reqs.MissingFields = missing
	}

	confidence := OracleConfidence(reqs, req.Text)
	reqs.Confidence = confidence
	reqs.ExtractionMethod = MethodOracle
	return &Result{
		Requirements: reqs,
		Confidence:   confidence,
		Method:       MethodOracle,
		Raw:          raw,
		Payer:        req.Payer,
		Medication:   req.Medication,
		Source:       req.Source,
		ExtractedAt:  e.now(),
	}, nil
}

// Compare asks the oracle to diff two requirement sets. An unparseable
// answer yields no significant change with impact "unknown".
func (e *Extractor) Compare(ctx context.Context, prev, next model.Requirements, meta CompareMeta) (*model.Comparison, error) {
	temp := e.opts.Temperature
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.opts.Model,
		MaxTokens:   compareMaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(comparisonSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: buildComparisonPrompt(prev, next, meta)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, oracleError(err, "extract: compare request")
	}
	e.recordUsage("compare", resp)

	var cmp model.Comparison
	if err := json.Unmarshal([]byte(cleanJSON(extractText(resp))), &cmp); err != nil {
		e.log.Warn("extract: comparison response unusable",
			zap.String("payer", meta.Payer),
			zap.String("medication", meta.Medication),
			zap.Error(err))
		return &model.Comparison{
			ImpactLevel: model.ImpactUnknown,
			Summary:     "comparison could not be parsed",
		}, nil
	}
	cmp.ImpactLevel = model.ParseImpact(strings.ToLower(string(cmp.ImpactLevel)))
	for i := range cmp.SpecificChanges {
		cmp.SpecificChanges[i].ApprovalImpact = parseDirection(string(cmp.SpecificChanges[i].ApprovalImpact))
	}
	return &cmp, nil
}

func (e *Extractor) recordUsage(phase string, resp *anthropic.MessageResponse) {
	e.log.Debug("extract: oracle usage",
		zap.String("phase", phase),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("cache_read_tokens", resp.Usage.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", resp.Usage.EstimateCost(e.opts.Model)),
		zap.Bool("truncated", resp.Truncated()),
	)
	if e.opts.Usage != nil {
		e.opts.Usage.OracleUsage(phase, e.opts.Model, resp.Usage)
	}
}

// oracleError keeps the HTTP status of API errors visible to the retry
// classifier.
func oracleError(err error, msg string) error {
	if code := anthropic.StatusCode(err); code > 0 {
		return eris.Wrap(resilience.StatusError(code, "anthropic"), msg)
	}
	return eris.Wrap(err, msg)
}

func parseDirection(s string) model.Direction {
	switch model.Direction(strings.ToLower(strings.TrimSpace(s))) {
	case model.DirectionPositive:
		return model.DirectionPositive
	case model.DirectionNegative:
		return model.DirectionNegative
	default:
		return model.DirectionNeutral
	}
}

// clinicalMarkers are the source-text signals that the oracle should have
// picked up.
var clinicalMarkers = []string{"hba1c", "bmi", "≥", "months"}

// OracleConfidence scores an oracle extraction: base 0.5 plus credit for
// each populated section and for agreement on clinical markers, capped at 1.
func OracleConfidence(r model.Requirements, text string) float64 {
	c := 0.5
	if len(r.EligibilityCriteria) > 0 {
		c += 0.2
	}
	if len(r.StepTherapy) > 0 {
		c += 0.1
	}
	if len(r.DocumentationRequired) > 0 {
		c += 0.1
	}
	if q := r.QuantityLimits; q != nil && (q.InitialSupply != "" || q.RefillsAllowed != "" || q.MaxDailyDose != "") {
		c += 0.05
	}
	if p := r.ProviderRequirements; p != nil && (p.Specialization != "" || p.Experience != "" || p.Attestation) {
		c += 0.05
	}

	lower := strings.ToLower(text)
	for _, m := range clinicalMarkers {
		if strings.Contains(lower, m) {
			extracted := r.Text()
			if strings.Contains(extracted, "hba1c") || strings.Contains(extracted, "bmi") {
				c += 0.1
			}
			break
		}
	}

	if c > 1 {
		return 1
	}
	return c
}

func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
