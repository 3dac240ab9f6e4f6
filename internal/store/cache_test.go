package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dealflow/model"
)

type countingCatalog struct {
	*MemoryStore
	finds int
	lists int
}

func (c *countingCatalog) FindStage(ctx context.Context, pipelineID, name string) (model.PipelineStage, error) {
	c.finds++
	return c.MemoryStore.FindStage(ctx, pipelineID, name)
}

func (c *countingCatalog) ListStages(ctx context.Context, pipelineID string) ([]model.PipelineStage, error) {
	c.lists++
	return c.MemoryStore.ListStages(ctx, pipelineID)
}

func newCountingCatalog() *countingCatalog {
	ms := NewMemoryStore()
	ms.PutStage(model.PipelineStage{ID: "st-1", PipelineID: "pipe-1", Name: "Prospecting", SortOrder: 1, DefaultProbability: 10})
	return &countingCatalog{MemoryStore: ms}
}

func TestCachedCatalog_FindStage_cachesHitsAndMisses(t *testing.T) {
	inner := newCountingCatalog()
	c := NewCachedCatalog(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := c.FindStage(ctx, "pipe-1", "Prospecting")
		require.NoError(t, err)
		assert.Equal(t, "st-1", st.ID)
	}
	for i := 0; i < 2; i++ {
		_, err := c.FindStage(ctx, "pipe-1", "Negotiation")
		assert.Equal(t, KindNotFound, Classify(err))
	}
	assert.Equal(t, 2, inner.finds)
}

func TestCachedCatalog_FindStage_errorsNotCached(t *testing.T) {
	inner := newCountingCatalog()
	inner.FailNext(OpFindStage, errors.New("connection refused"))
	c := NewCachedCatalog(inner, time.Minute)
	ctx := context.Background()

	_, err := c.FindStage(ctx, "pipe-1", "Prospecting")
	require.Error(t, err)

	st, err := c.FindStage(ctx, "pipe-1", "Prospecting")
	require.NoError(t, err)
	assert.Equal(t, "st-1", st.ID)
	assert.Equal(t, 2, inner.finds)
}

func TestCachedCatalog_expiry(t *testing.T) {
	inner := newCountingCatalog()
	c := NewCachedCatalog(inner, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = c.ListStages(ctx, "pipe-1")
	_, _ = c.ListStages(ctx, "pipe-1")
	assert.Equal(t, 1, inner.lists)

	now = now.Add(2 * time.Minute)
	_, _ = c.ListStages(ctx, "pipe-1")
	assert.Equal(t, 2, inner.lists)
}

func TestCachedCatalog_disabled(t *testing.T) {
	inner := newCountingCatalog()
	c := NewCachedCatalog(inner, 0)
	ctx := context.Background()

	_, _ = c.FindStage(ctx, "pipe-1", "Prospecting")
	_, _ = c.FindStage(ctx, "pipe-1", "Prospecting")
	assert.Equal(t, 2, inner.finds)
}

func TestCachedCatalog_Invalidate(t *testing.T) {
	inner := newCountingCatalog()
	c := NewCachedCatalog(inner, time.Minute)
	ctx := context.Background()

	_, _ = c.FindStage(ctx, "pipe-1", "Prospecting")
	c.Invalidate()
	_, _ = c.FindStage(ctx, "pipe-1", "Prospecting")
	assert.Equal(t, 2, inner.finds)
}
