package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/pkg/anthropic"
	anthropicmocks "github.com/sells-group/policy-engine/pkg/anthropic/mocks"
)

const policyText = `UnitedHealthcare Medical Policy - Semaglutide
1. HbA1c ≥7.5% despite metformin therapy for ≥3 months
2. BMI ≥30 kg/m²
Prior authorization required for all GLP-1 agents.`

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func testRequest() Request {
	return Request{Text: policyText, Payer: "UnitedHealthcare", Medication: "Semaglutide", Source: "UHC Medical Policy"}
}

func TestExtract_ParsesOracleJSON(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.MaxTokens == 4000 && req.Temperature != nil && *req.Temperature == 0.1 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil
	})).Return(textResponse("```json\n"+`{
		"eligibility_criteria": [
			{"category": "lab_value", "requirement": "HbA1c", "operator": ">=", "value": 7.5, "unit": "%", "mandatory": true}
		],
		"step_therapy": [{"step": 1, "medications": ["metformin"], "duration_required": "3 months"}],
		"documentation_required": [{"document_type": "lab_results", "mandatory": true}],
		"appeal_process": "30 days"
	}`+"\n```"), nil)

	e := New(client, Options{MaxTokens: 4000, Temperature: 0.1})
	res, err := e.Extract(context.Background(), testRequest())
	require.NoError(t, err)

	assert.False(t, res.Fallback)
	assert.Equal(t, MethodOracle, res.Method)
	require.Len(t, res.Requirements.EligibilityCriteria, 1)
	assert.Equal(t, model.FlexString("7.5"), res.Requirements.EligibilityCriteria[0].Value)
	assert.Contains(t, res.Requirements.Extra, "appeal_process")
	// 0.5 + 0.2 + 0.1 + 0.1 + 0.1 marker agreement
	assert.InDelta(t, 1.0, res.Confidence, 0.0001)
	assert.InDelta(t, res.Confidence, res.Requirements.Confidence, 0.0001)
}

func TestExtract_MissingSectionsFlagged(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{
		"eligibility_criteria": [{"category": "bmi", "requirement": "BMI", "operator": ">=", "value": 30, "unit": "kg/m2", "mandatory": true}]
	}`), nil)

	core, logs := observer.New(zapcore.WarnLevel)
	e := New(client, Options{})
	e.log = zap.New(core)

	res, err := e.Extract(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, []string{"step_therapy", "documentation_required"}, res.Requirements.MissingFields)
	// 0.5 + 0.2 eligibility + 0.1 marker agreement
	assert.InDelta(t, 0.8, res.Confidence, 0.0001)

	warned := logs.FilterMessage("extract: sections missing from oracle response").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "UnitedHealthcare", warned[0].ContextMap()["payer"])
}

type usageRecorder struct {
	mu     sync.Mutex
	phases []string
	tokens int64
}

func (u *usageRecorder) OracleUsage(phase, _ string, usage anthropic.TokenUsage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.phases = append(u.phases, phase)
	u.tokens += usage.InputTokens + usage.OutputTokens
}

func TestExtract_ReportsUsage(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"eligibility_criteria": []}`), nil).Twice()

	rec := &usageRecorder{}
	e := New(client, Options{Usage: rec})
	_, err := e.Extract(context.Background(), testRequest())
	require.NoError(t, err)
	_, err = e.Compare(context.Background(), model.Requirements{}, model.Requirements{}, CompareMeta{Payer: "UHC"})
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "compare"}, rec.phases)
	assert.Equal(t, int64(300), rec.tokens)
}

func TestExtract_NotJSONFallsBack(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("not json"), nil)

	res, err := New(client, Options{}).Extract(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackConfidence, res.Confidence)
	assert.Equal(t, MethodFallback, res.Requirements.ExtractionMethod)
	assert.Contains(t, res.Note, "fallback rule-based method")
	assert.NotNil(t, res.Requirements.EligibilityCriteria)
	assert.Equal(t, "not json", res.Raw)
	assert.Equal(t, time.UTC, res.ExtractedAt.Location())
}

func TestExtract_SchemaMismatchFallsBack(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"eligibility_criteria": [{"category": "clinical_measures", "requirement": "BMI"}]}`), nil)

	res, err := New(client, Options{}).Extract(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Note, "unknown criterion category")
}

func TestExtract_TransportErrorPropagates(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	_, err := New(client, Options{}).Extract(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))
}

func TestFallbackExtract_Markers(t *testing.T) {
	res := FallbackExtract(testRequest(), "")
	r := res.Requirements
	assert.Equal(t, time.UTC, res.ExtractedAt.Location())

	bmi, ok := r.Criterion(model.CategoryBMI)
	require.True(t, ok)
	assert.Equal(t, model.FlexString("30"), bmi.Value)

	a1c, ok := r.Criterion(model.CategoryLabValue)
	require.True(t, ok)
	assert.Equal(t, model.FlexString("7.0"), a1c.Value)
	assert.Equal(t, "%", a1c.Unit)

	require.Len(t, r.StepTherapy, 1)
	assert.Equal(t, "3 months", r.StepTherapy[0].DurationRequired)
	require.Len(t, r.DocumentationRequired, 1)
	assert.Equal(t, "prior_auth_forms", r.DocumentationRequired[0].DocumentType)
	assert.Equal(t, 0.6, r.Confidence)
}

func TestFallbackExtract_BMI35AndEmpty(t *testing.T) {
	res := FallbackExtract(Request{Text: "BMI of 35 or greater"}, "")
	bmi, ok := res.Requirements.Criterion(model.CategoryBMI)
	require.True(t, ok)
	assert.Equal(t, model.FlexString("35"), bmi.Value)

	empty := FallbackExtract(Request{Text: "nothing relevant"}, "no oracle")
	assert.Empty(t, empty.Requirements.EligibilityCriteria)
	assert.NotNil(t, empty.Requirements.StepTherapy)
	assert.Contains(t, empty.Note, "(no oracle)")
}

func TestOracleConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, OracleConfidence(model.Requirements{}, ""), 0.0001)

	r := model.Requirements{
		EligibilityCriteria:  []model.EligibilityCriterion{{Category: model.CategoryAge, Requirement: "age 18+"}},
		QuantityLimits:       &model.QuantityLimits{InitialSupply: "30 days"},
		ProviderRequirements: &model.ProviderRequirements{},
	}
	assert.InDelta(t, 0.75, OracleConfidence(r, "BMI ≥30"), 0.0001, "empty provider block earns nothing, no marker agreement")
}

func TestCompare_ParsesAndNormalizes(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.MaxTokens == 2000
	})).Return(textResponse(`{"has_significant_changes": true, "impact_level": "HIGH", "summary": "stricter",
		"specific_changes": [{"field": "step_therapy", "approval_impact": "Negative"}]}`), nil)

	cmp, err := New(client, Options{}).Compare(context.Background(), model.Requirements{}, model.Requirements{}, CompareMeta{})
	require.NoError(t, err)
	assert.True(t, cmp.HasSignificantChanges)
	assert.Equal(t, model.ImpactHigh, cmp.ImpactLevel)
	assert.Equal(t, model.DirectionNegative, cmp.SpecificChanges[0].ApprovalImpact)
}

func TestCompare_ParseFailureIsUnknown(t *testing.T) {
	client := anthropicmocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("I cannot compare these"), nil)

	cmp, err := New(client, Options{}).Compare(context.Background(), model.Requirements{}, model.Requirements{}, CompareMeta{})
	require.NoError(t, err)
	assert.False(t, cmp.HasSignificantChanges)
	assert.Equal(t, model.ImpactUnknown, cmp.ImpactLevel)
}

func hba1c(value string) model.Requirements {
	return model.Requirements{
		EligibilityCriteria: []model.EligibilityCriterion{
			{Category: model.CategoryLabValue, Requirement: "HbA1c", Operator: ">=", Value: model.FlexString(value), Unit: "%", Mandatory: true},
			{Category: model.CategoryBMI, Requirement: "BMI", Operator: ">=", Value: "30", Unit: "kg/m²", Mandatory: true},
		},
		StepTherapy: []model.StepTherapyStep{{Step: 1, Medications: []string{"Metformin"}, DurationRequired: "3 months"}},
	}
}

func TestCompareRequirements_LoweredThresholdIsPositive(t *testing.T) {
	cmp := CompareRequirements(hba1c("7.5"), hba1c("7.0"))

	assert.True(t, cmp.HasSignificantChanges)
	assert.Equal(t, model.ImpactMedium, cmp.ImpactLevel)
	require.Len(t, cmp.SpecificChanges, 1)
	c := cmp.SpecificChanges[0]
	assert.Equal(t, "eligibility_criteria.lab_value", c.Field)
	assert.Equal(t, model.DirectionPositive, c.ApprovalImpact)
	assert.Contains(t, c.Description, "7.5% to 7.0%")
}

func TestCompareRequirements_Cases(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		cmp := CompareRequirements(hba1c("7.0"), hba1c("7.0"))
		assert.False(t, cmp.HasSignificantChanges)
	})

	t.Run("raised minimum is negative", func(t *testing.T) {
		cmp := CompareRequirements(hba1c("7.0"), hba1c("8.0"))
		assert.Equal(t, model.DirectionNegative, cmp.SpecificChanges[0].ApprovalImpact)
	})

	t.Run("added step is high", func(t *testing.T) {
		next := hba1c("7.0")
		next.StepTherapy = append(next.StepTherapy, model.StepTherapyStep{Step: 2, Medications: []string{"Sulfonylurea"}})
		cmp := CompareRequirements(hba1c("7.0"), next)
		assert.Equal(t, model.ImpactHigh, cmp.ImpactLevel)
		assert.Equal(t, model.DirectionNegative, cmp.SpecificChanges[0].ApprovalImpact)
	})

	t.Run("removed mandatory criterion is high and positive", func(t *testing.T) {
		next := hba1c("7.0")
		next.EligibilityCriteria = next.EligibilityCriteria[:1]
		cmp := CompareRequirements(hba1c("7.0"), next)
		assert.Equal(t, model.ImpactHigh, cmp.ImpactLevel)
		assert.Equal(t, model.DirectionPositive, cmp.SpecificChanges[0].ApprovalImpact)
	})

	t.Run("quantity change is low", func(t *testing.T) {
		next := hba1c("7.0")
		next.QuantityLimits = &model.QuantityLimits{InitialSupply: "30 days"}
		cmp := CompareRequirements(hba1c("7.0"), next)
		assert.Equal(t, model.ImpactLow, cmp.ImpactLevel)
		assert.Equal(t, "quantity_limits", cmp.SpecificChanges[0].Field)
	})

	t.Run("maximum operator", func(t *testing.T) {
		o := model.EligibilityCriterion{Operator: "<=", Value: "65", Mandatory: true}
		n := model.EligibilityCriterion{Operator: "<=", Value: "75", Mandatory: true}
		assert.Equal(t, model.DirectionPositive, thresholdDirection(o, n))
	})
}

type countingOracle struct {
	mu       sync.Mutex
	inFlight int32
	peak     int32
	started  []time.Time
}

func (c *countingOracle) Extract(_ context.Context, req Request) (*Result, error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	c.mu.Lock()
	if n > c.peak {
		c.peak = n
	}
	c.started = append(c.started, time.Now())
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&c.inFlight, -1)
	if req.Payer == "bad" {
		return nil, errors.New("boom")
	}
	return &Result{Payer: req.Payer}, nil
}

func (c *countingOracle) Compare(context.Context, model.Requirements, model.Requirements, CompareMeta) (*model.Comparison, error) {
	return &model.Comparison{}, nil
}

func TestExtractBatch_OrderConcurrencyAndDelay(t *testing.T) {
	o := &countingOracle{}
	reqs := []Request{{Payer: "a"}, {Payer: "b"}, {Payer: "bad"}, {Payer: "d"}, {Payer: "e"}}

	start := time.Now()
	items := ExtractBatch(context.Background(), o, reqs, BatchOptions{MaxConcurrent: 2, Delay: 20 * time.Millisecond})
	elapsed := time.Since(start)

	require.Len(t, items, 5)
	for i, it := range items {
		if reqs[i].Payer == "bad" {
			assert.Error(t, it.Err)
			continue
		}
		require.NoError(t, it.Err)
		assert.Equal(t, reqs[i].Payer, it.Result.Payer)
	}
	assert.LessOrEqual(t, o.peak, int32(2))
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "two inter-batch delays")
}

func TestExtractBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := ExtractBatch(ctx, &countingOracle{}, []Request{{Payer: "a"}}, BatchOptions{})
	require.Len(t, items, 1)
	assert.ErrorIs(t, items[0].Err, context.Canceled)
}

func TestOfflineOracle(t *testing.T) {
	o := NewOffline()
	res, err := o.Extract(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Note, "oracle not configured")
	assert.Equal(t, time.UTC, res.ExtractedAt.Location())

	cmp, err := o.Compare(context.Background(), hba1c("7.5"), hba1c("7.0"), CompareMeta{})
	require.NoError(t, err)
	assert.True(t, cmp.HasSignificantChanges)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON("Here you go: {\"a\":1} thanks"))
	assert.Equal(t, "not json", cleanJSON("not json"))
}
