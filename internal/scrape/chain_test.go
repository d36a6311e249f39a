package scrape

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/policy-engine/internal/resilience"
)

// mockScraper implements Scraper for testing.
type mockScraper struct {
	name     string
	supports bool
	result   *Result
	err      error
	calls    int
}

func (m *mockScraper) Name() string           { return m.name }
func (m *mockScraper) Supports(_ string) bool { return m.supports }
func (m *mockScraper) Scrape(_ context.Context, _ string) (*Result, error) {
	m.calls++
	return m.result, m.err
}

func TestChain_Scrape_FirstSuccess(t *testing.T) {
	s1 := &mockScraper{
		name: "primary", supports: true,
		result: &Result{URL: "https://www.cms.gov/lcd", Title: "LCD", Content: "content", Source: "primary"},
	}
	s2 := &mockScraper{name: "fallback", supports: true}

	result, err := NewChain(s1, s2).Scrape(context.Background(), "https://www.cms.gov/lcd")

	require.NoError(t, err)
	assert.Equal(t, "primary", result.Source)
	assert.Equal(t, 0, s2.calls)
}

func TestChain_Scrape_FallbackOnError(t *testing.T) {
	s1 := &mockScraper{name: "primary", supports: true, err: errors.New("failed")}
	s2 := &mockScraper{
		name: "fallback", supports: true,
		result: &Result{URL: "https://www.aetna.com/cpb", Source: "fallback"},
	}

	result, err := NewChain(s1, s2).Scrape(context.Background(), "https://www.aetna.com/cpb")

	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Source)
}

func TestChain_Scrape_SkipsUnsupported(t *testing.T) {
	s1 := &mockScraper{name: "primary", supports: false}
	s2 := &mockScraper{name: "fallback", supports: true, result: &Result{Source: "fallback"}}

	result, err := NewChain(s1, s2).Scrape(context.Background(), "https://example.org/pdl.xlsx")

	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Source)
	assert.Equal(t, 0, s1.calls)
}

func TestChain_Scrape_AllFailKeepsRetryability(t *testing.T) {
	s1 := &mockScraper{name: "primary", supports: true, err: errors.New("jina: response needs fallback")}
	s2 := &mockScraper{name: "fallback", supports: true, err: resilience.StatusError(503, "https://example.org")}

	_, err := NewChain(s1, s2).Scrape(context.Background(), "https://example.org")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all scrapers failed")
	assert.True(t, resilience.IsRetryable(err))
}

func TestChain_Scrape_NoSuitableScraper(t *testing.T) {
	_, err := NewChain(&mockScraper{name: "x"}).Scrape(context.Background(), "https://example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suitable scraper")
}
