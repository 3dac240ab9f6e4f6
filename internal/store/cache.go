package store

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/dealflow/model"
)

type stageEntry struct {
	stage   model.PipelineStage
	err     error
	expires time.Time
}

type listEntry struct {
	stages  []model.PipelineStage
	expires time.Time
}

// CachedCatalog wraps a StageCatalog with an in-memory TTL cache. Found rows
// and NOT_FOUND misses are cached; any other error is passed through and
// retried on the next call.
type CachedCatalog struct {
	next  StageCatalog
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	rows  map[string]stageEntry
	lists map[string]listEntry
}

// NewCachedCatalog creates a caching catalog. A non-positive ttl disables
// caching.
func NewCachedCatalog(next StageCatalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		rows:  make(map[string]stageEntry),
		lists: make(map[string]listEntry),
	}
}

// FindStage returns the cached row or NOT_FOUND, loading it on a miss.
func (c *CachedCatalog) FindStage(ctx context.Context, pipelineID, name string) (model.PipelineStage, error) {
	if c.ttl <= 0 {
		return c.next.FindStage(ctx, pipelineID, name)
	}
	key := pipelineID + "\x00" + name

	c.mu.RLock()
	entry, ok := c.rows[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.stage, entry.err
	}

	st, err := c.next.FindStage(ctx, pipelineID, name)
	if err != nil && Classify(err) != KindNotFound {
		return st, err
	}

	c.mu.Lock()
	c.rows[key] = stageEntry{stage: st, err: err, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return st, err
}

// ListStages returns the cached stage list, loading it on a miss.
func (c *CachedCatalog) ListStages(ctx context.Context, pipelineID string) ([]model.PipelineStage, error) {
	if c.ttl <= 0 {
		return c.next.ListStages(ctx, pipelineID)
	}

	c.mu.RLock()
	entry, ok := c.lists[pipelineID]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.stages, nil
	}

	stages, err := c.next.ListStages(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lists[pipelineID] = listEntry{stages: stages, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return stages, nil
}

// Invalidate drops every cached entry.
func (c *CachedCatalog) Invalidate() {
	c.mu.Lock()
	c.rows = make(map[string]stageEntry)
	c.lists = make(map[string]listEntry)
	c.mu.Unlock()
}
