package storage

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Ensure CachedStore implements domain.RouteStore
var _ domain.RouteStore = (*CachedStore)(nil)

// cacheItem represents an item in the cache with an expiration time
type cacheItem struct {
	value      *proto.RouteRecord
	expiration time.Time
}

// CachedStore is a read-through 2Q cache in front of a route store. Point
// lookups are cached; List always reaches the backend; every write
// invalidates the whole cache.
type CachedStore struct {
	backend    domain.RouteStore
	byID       *lru.TwoQueueCache
	byName     *lru.TwoQueueCache
	mutex      sync.RWMutex
	expiration time.Duration
	metrics    *metrics.Metrics
}

// NewCachedStore wraps backend with caches of the given capacity
func NewCachedStore(backend domain.RouteStore, capacity int, expiration time.Duration) (*CachedStore, error) {
	byID, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	byName, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &CachedStore{
		backend:    backend,
		byID:       byID,
		byName:     byName,
		expiration: expiration,
		metrics:    metrics.GetMetrics(),
	}, nil
}

func copyRecord(rec *proto.RouteRecord) *proto.RouteRecord {
	out := *rec
	out.Recipients = append([]string(nil), rec.Recipients...)
	return &out
}

func (c *CachedStore) lookup(cache *lru.TwoQueueCache, key any) (*proto.RouteRecord, bool) {
	c.mutex.RLock()
	value, found := cache.Get(key)
	c.mutex.RUnlock()

	if !found {
		c.metrics.RouteCacheMisses.Inc()
		return nil, false
	}

	item := value.(cacheItem)
	if c.expiration > 0 && time.Now().After(item.expiration) {
		c.mutex.Lock()
		cache.Remove(key)
		c.mutex.Unlock()
		c.metrics.RouteCacheMisses.Inc()
		return nil, false
	}

	c.metrics.RouteCacheHits.Inc()
	return copyRecord(item.value), true
}

func (c *CachedStore) remember(rec *proto.RouteRecord) {
	item := cacheItem{
		value:      copyRecord(rec),
		expiration: time.Now().Add(c.expiration),
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.byID.Add(rec.Id, item)
	c.byName.Add(rec.Name, item)
}

// Purge drops every cached record
func (c *CachedStore) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.byID.Purge()
	c.byName.Purge()
}

// List reads through to the backend
func (c *CachedStore) List(ctx context.Context) ([]*proto.RouteRecord, error) {
	return c.backend.List(ctx)
}

// Get returns a cached record or loads it from the backend
func (c *CachedStore) Get(ctx context.Context, id int64) (*proto.RouteRecord, error) {
	if rec, ok := c.lookup(c.byID, id); ok {
		return rec, nil
	}
	rec, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.remember(rec)
	return rec, nil
}

// GetByName returns a cached record or loads it from the backend
func (c *CachedStore) GetByName(ctx context.Context, name string) (*proto.RouteRecord, error) {
	if rec, ok := c.lookup(c.byName, name); ok {
		return rec, nil
	}
	rec, err := c.backend.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	c.remember(rec)
	return rec, nil
}

// Create writes through and invalidates the cache
func (c *CachedStore) Create(ctx context.Context, rec *proto.RouteRecord) (*proto.RouteRecord, error) {
	defer c.Purge()
	return c.backend.Create(ctx, rec)
}

// Update writes through and invalidates the cache
func (c *CachedStore) Update(ctx context.Context, rec *proto.RouteRecord) error {
	defer c.Purge()
	return c.backend.Update(ctx, rec)
}

// Delete writes through and invalidates the cache
func (c *CachedStore) Delete(ctx context.Context, id int64) error {
	defer c.Purge()
	return c.backend.Delete(ctx, id)
}

// Close closes the backend
func (c *CachedStore) Close() error {
	c.Purge()
	return c.backend.Close()
}
