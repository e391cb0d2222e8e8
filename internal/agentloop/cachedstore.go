package agentloop

import (
	"context"
	"fmt"

	"github.com/vestige-memory/vestige/internal/jsonx"
	"github.com/vestige-memory/vestige/internal/model"
)

// ProfileCache is the narrow slice of cache.L1Cache CachedStore fronts its
// profile reads with.
type ProfileCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte) error
}

// CachedStore wraps a GraphStore with a ristretto-backed read-through
// cache over GetEntityProfile, which the get_profile tool calls when the
// resolver holds no in-memory profile for the entity.
// Everything else passes straight through uncached. Grounded on
// internal/cache/ristretto.go's two-tier L1/L2 design, narrowed here to
// just that one read.
type CachedStore struct {
	store GraphStore
	cache ProfileCache
}

// NewCachedStore wraps store with cache. If cache is nil, NewCachedStore
// returns store itself uncached rather than a no-op wrapper.
func NewCachedStore(store GraphStore, cache ProfileCache) GraphStore {
	if cache == nil {
		return store
	}
	return &CachedStore{store: store, cache: cache}
}

func profileCacheKey(entityID int64) string {
	return fmt.Sprintf("entity_profile:%d", entityID)
}

func (c *CachedStore) GetEntityProfile(ctx context.Context, entityID int64) (*model.Entity, error) {
	key := profileCacheKey(entityID)
	if data, ok := c.cache.Get(ctx, key); ok {
		var e model.Entity
		if err := jsonx.Unmarshal(data, &e); err == nil {
			return &e, nil
		}
	}

	e, err := c.store.GetEntityProfile(ctx, entityID)
	if err != nil || e == nil {
		return e, err
	}
	if data, err := jsonx.Marshal(e); err == nil {
		_ = c.cache.Set(ctx, key, data)
	}
	return e, nil
}

func (c *CachedStore) SearchEntity(ctx context.Context, alias string) (*model.Entity, error) {
	return c.store.SearchEntity(ctx, alias)
}

func (c *CachedStore) GetRelatedEntities(ctx context.Context, entityID int64, limit int) ([]model.Entity, error) {
	return c.store.GetRelatedEntities(ctx, entityID, limit)
}

func (c *CachedStore) GetRecentActivity(ctx context.Context, sinceEpochMs int64, limit int) ([]model.Entity, error) {
	return c.store.GetRecentActivity(ctx, sinceEpochMs, limit)
}

func (c *CachedStore) FindPath(ctx context.Context, fromID, toID int64, maxHops int) ([]model.Entity, error) {
	return c.store.FindPath(ctx, fromID, toID, maxHops)
}

func (c *CachedStore) GetHotTopicContext(ctx context.Context, topicName string) ([]model.Entity, error) {
	return c.store.GetHotTopicContext(ctx, topicName)
}
