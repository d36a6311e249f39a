package scrape

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/policy-engine/internal/resilience"
	"github.com/sells-group/policy-engine/pkg/jina"
)

// JinaAdapter wraps a Jina Reader client as a Scraper. The reader is a
// shared upstream for every source, so it sits behind its own breaker.
type JinaAdapter struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaAdapter creates a JinaAdapter from a Jina client. Three
// consecutive failures open the breaker for 60s, sending traffic straight
// to the next scraper in the chain.
func NewJinaAdapter(client jina.Client) *JinaAdapter {
	cfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
		MonitoringPeriod: 30 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			zap.L().Warn("scrape: reader breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	}
	return &JinaAdapter{
		client:  client,
		breaker: resilience.NewCircuitBreaker("jina", cfg),
	}
}

func (j *JinaAdapter) Name() string { return "jina" }

// Supports skips spreadsheets, which the reader cannot render.
func (j *JinaAdapter) Supports(u string) bool {
	return !strings.HasSuffix(strings.ToLower(u), ".xlsx")
}

// Scrape fetches a URL via Jina Reader and validates the response.
func (j *JinaAdapter) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	return resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*Result, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			var apiErr *jina.APIError
			if errors.As(err, &apiErr) {
				return nil, resilience.StatusError(apiErr.StatusCode, targetURL)
			}
			return nil, err
		}

		if needsFallback(resp) {
			return nil, eris.New("jina: response needs fallback")
		}

		title := resp.Data.Title
		url := resp.Data.URL
		if url == "" {
			url = targetURL
		}
		return &Result{
			URL:        url,
			Title:      title,
			Content:    resp.Data.Content,
			StatusCode: 200,
			Source:     "jina",
		}, nil
	})
}

// needsFallback checks whether a Jina response contains usable content
// or indicates the page is blocked/empty.
func needsFallback(resp *jina.ReadResponse) bool {
	if resp == nil {
		return true
	}

	if resp.Code != 0 && resp.Code != 200 {
		return true
	}

	content := strings.TrimSpace(resp.Data.Content)

	if len(content) < 100 {
		return true
	}

	lower := strings.ToLower(content)

	challengeSignatures := []string{
		"checking your browser",
		"enable javascript",
		"please enable cookies",
		"access denied",
		"403 forbidden",
		"just a moment",
		"attention required",
	}

	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) && len(content) < 1000 {
			return true
		}
	}

	return false
}
