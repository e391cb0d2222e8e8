package agentloop

import (
	"context"
	"testing"

	"github.com/vestige-memory/vestige/internal/jsonx"
	"github.com/vestige-memory/vestige/internal/model"
)

type fakeProfileCache struct {
	data map[string][]byte
}

func newFakeProfileCache() *fakeProfileCache { return &fakeProfileCache{data: map[string][]byte{}} }

func (f *fakeProfileCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeProfileCache) Set(ctx context.Context, key string, data []byte) error {
	f.data[key] = data
	return nil
}

type fakeGraphStore struct {
	calls   int
	profile *model.Entity
}

func (f *fakeGraphStore) GetEntityProfile(ctx context.Context, entityID int64) (*model.Entity, error) {
	f.calls++
	return f.profile, nil
}
func (f *fakeGraphStore) SearchEntity(ctx context.Context, alias string) (*model.Entity, error) {
	return nil, nil
}
func (f *fakeGraphStore) GetRelatedEntities(ctx context.Context, entityID int64, limit int) ([]model.Entity, error) {
	return nil, nil
}
func (f *fakeGraphStore) GetRecentActivity(ctx context.Context, sinceEpochMs int64, limit int) ([]model.Entity, error) {
	return nil, nil
}
func (f *fakeGraphStore) FindPath(ctx context.Context, fromID, toID int64, maxHops int) ([]model.Entity, error) {
	return nil, nil
}
func (f *fakeGraphStore) GetHotTopicContext(ctx context.Context, topicName string) ([]model.Entity, error) {
	return nil, nil
}

func TestNewCachedStoreNilCacheReturnsStoreUnchanged(t *testing.T) {
	store := &fakeGraphStore{}
	wrapped := NewCachedStore(store, nil)
	if wrapped != GraphStore(store) {
		t.Fatal("expected nil cache to return the underlying store unchanged")
	}
}

func TestCachedStoreGetEntityProfileCachesAfterFirstFetch(t *testing.T) {
	profile := &model.Entity{ID: 7, CanonicalName: "Chloe"}
	store := &fakeGraphStore{profile: profile}
	cache := newFakeProfileCache()
	wrapped := NewCachedStore(store, cache)

	got, err := wrapped.GetEntityProfile(context.Background(), 7)
	if err != nil || got.CanonicalName != "Chloe" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if store.calls != 1 {
		t.Fatalf("expected one store call, got %d", store.calls)
	}

	if _, err := wrapped.GetEntityProfile(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if store.calls != 1 {
		t.Fatalf("expected cache hit to avoid a second store call, got %d calls", store.calls)
	}

	raw, ok := cache.Get(context.Background(), profileCacheKey(7))
	if !ok {
		t.Fatal("expected the profile to have been cached")
	}
	var roundTripped model.Entity
	if err := jsonx.Unmarshal(raw, &roundTripped); err != nil || roundTripped.CanonicalName != "Chloe" {
		t.Fatalf("cached payload did not round-trip: %+v, %v", roundTripped, err)
	}
}
