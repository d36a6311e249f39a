package scorer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/policy-engine/internal/model"
)

func TestMemoryCache_Expiry(t *testing.T) {
	t.Parallel()
	c := NewMemoryCache()
	now := fixedNow
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", 0.82, time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.82, v, 1e-9)

	now = now.Add(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Unreachable(t *testing.T) {
	t.Parallel()
	c := NewRedisCache(RedisOptions{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer c.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok, err := c.Get(ctx, "Medicare|Semaglutide")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "scorer: redis get")
	assert.Error(t, c.Set(ctx, "Medicare|Semaglutide", 0.5, time.Minute))
	assert.Error(t, c.Ping(ctx))
}

func TestScore_CacheFailureStillScores(t *testing.T) {
	t.Parallel()
	h := &mockHistory{}
	h.On("ActivePoliciesForMedication", mock.Anything, "Semaglutide", "Medicare").
		Return([]model.PolicyVersion{}, nil).Once()
	h.On("PredictionAccuracy", mock.Anything, "Medicare").Return(&model.AccuracyStats{}, nil)

	s := New(h, Options{Cache: NewRedisCache(RedisOptions{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})})
	s.now = func() time.Time { return fixedNow }

	res := s.Score(context.Background(), medicareVersion())
	assert.InDelta(t, 0.5, res.Factors.CrossValidation, 1e-9)
	assert.Equal(t, "medium_high", res.Label)
	h.AssertExpectations(t)
}
