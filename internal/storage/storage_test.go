package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

func testRecord(name string) *proto.RouteRecord {
	return &proto.RouteRecord{
		Name:        name,
		Author:      "ops",
		Description: "test route " + name,
		Active:      true,
		Recipients:  []string{"rpc", "stream"},
		Rule: proto.RuleSpec{
			Type: "forward",
			Properties: map[string]any{
				"event_types": []any{"ALERT"},
			},
		},
	}
}

// backends returns one freshly created store per backend type
func backends(t *testing.T) map[string]domain.RouteStore {
	t.Helper()
	dir := t.TempDir()

	configs := map[string]Config{
		"memory": {Type: MemoryStorage},
		"badger": {Type: BadgerStorage, InMemory: true},
		"sqlite": {Type: SQLiteStorage, SQLitePath: filepath.Join(dir, "routes.db")},
		"cached": {Type: MemoryStorage, CacheSize: 16, CacheExpiration: time.Minute},
	}

	stores := make(map[string]domain.RouteStore, len(configs))
	for name, config := range configs {
		store, err := CreateStore(config)
		require.NoError(t, err, name)
		t.Cleanup(func() { store.Close() })
		stores[name] = store
	}
	return stores
}

func TestRouteStoreContract(t *testing.T) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			list, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			first, err := store.Create(ctx, testRecord("alpha"))
			require.NoError(t, err)
			assert.Greater(t, first.Id, int64(0))

			second, err := store.Create(ctx, testRecord("beta"))
			require.NoError(t, err)
			assert.Greater(t, second.Id, first.Id)

			_, err = store.Create(ctx, testRecord("alpha"))
			assert.ErrorIs(t, err, domain.ErrDuplicateRoute)

			got, err := store.Get(ctx, first.Id)
			require.NoError(t, err)
			assert.Equal(t, "alpha", got.Name)
			assert.Equal(t, "ops", got.Author)
			assert.True(t, got.Active)
			assert.Equal(t, []string{"rpc", "stream"}, got.Recipients)
			assert.Equal(t, "forward", got.Rule.Type)
			assert.Equal(t, []any{"ALERT"}, got.Rule.Properties["event_types"])

			byName, err := store.GetByName(ctx, "beta")
			require.NoError(t, err)
			assert.Equal(t, second.Id, byName.Id)

			// rename and deactivate
			byName.Name = "gamma"
			byName.Active = false
			require.NoError(t, store.Update(ctx, byName))

			_, err = store.GetByName(ctx, "beta")
			assert.ErrorIs(t, err, domain.ErrRouteNotFound)
			renamed, err := store.GetByName(ctx, "gamma")
			require.NoError(t, err)
			assert.False(t, renamed.Active)

			// renaming onto a taken name fails
			renamed.Name = "alpha"
			assert.ErrorIs(t, store.Update(ctx, renamed), domain.ErrDuplicateRoute)

			missing := testRecord("nobody")
			missing.Id = 9999
			assert.ErrorIs(t, store.Update(ctx, missing), domain.ErrRouteNotFound)

			list, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "alpha", list[0].Name)
			assert.Equal(t, "gamma", list[1].Name)

			require.NoError(t, store.Delete(ctx, first.Id))
			assert.ErrorIs(t, store.Delete(ctx, first.Id), domain.ErrRouteNotFound)
			_, err = store.Get(ctx, first.Id)
			assert.ErrorIs(t, err, domain.ErrRouteNotFound)

			// names are free again after delete
			_, err = store.Create(ctx, testRecord("alpha"))
			assert.NoError(t, err)
		})
	}
}

func TestRouteStoreConcurrentCreate(t *testing.T) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.Create(ctx, testRecord(fmt.Sprintf("route-%d", i)))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			list, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 20)

			seen := map[int64]bool{}
			for _, rec := range list {
				assert.False(t, seen[rec.Id])
				seen[rec.Id] = true
			}
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	config := Config{Type: BadgerStorage, DataDir: dir}

	store, err := CreateStore(config)
	require.NoError(t, err)
	created, err := store.Create(context.Background(), testRecord("durable"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = CreateStore(config)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetByName(context.Background(), "durable")
	require.NoError(t, err)
	assert.Equal(t, created.Id, got.Id)

	next, err := store.Create(context.Background(), testRecord("later"))
	require.NoError(t, err)
	assert.Greater(t, next.Id, created.Id)
}

func TestCreateStoreUnknownType(t *testing.T) {
	_, err := CreateStore(Config{Type: "etcd"})
	assert.Error(t, err)
}

// countingStore counts backend point lookups
type countingStore struct {
	domain.RouteStore
	mu   sync.Mutex
	gets int
}

func (c *countingStore) Get(ctx context.Context, id int64) (*proto.RouteRecord, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.RouteStore.Get(ctx, id)
}

func (c *countingStore) GetByName(ctx context.Context, name string) (*proto.RouteRecord, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.RouteStore.GetByName(ctx, name)
}

func (c *countingStore) Gets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func TestCachedStoreServesRepeatedReads(t *testing.T) {
	ctx := context.Background()
	backend, err := CreateStore(Config{Type: MemoryStorage})
	require.NoError(t, err)
	counting := &countingStore{RouteStore: backend}

	cache, err := NewCachedStore(counting, 8, time.Minute)
	require.NoError(t, err)

	created, err := cache.Create(ctx, testRecord("hot"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec, err := cache.Get(ctx, created.Id)
		require.NoError(t, err)
		assert.Equal(t, "hot", rec.Name)
	}
	assert.Equal(t, 1, counting.Gets())

	// returned records are copies
	rec, _ := cache.Get(ctx, created.Id)
	rec.Recipients[0] = "mutated"
	again, _ := cache.Get(ctx, created.Id)
	assert.Equal(t, "rpc", again.Recipients[0])

	// writes invalidate
	rec.Recipients[0] = "rpc"
	rec.Active = false
	require.NoError(t, cache.Update(ctx, rec))
	updated, err := cache.GetByName(ctx, "hot")
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, 2, counting.Gets())
}

func TestCachedStoreExpiration(t *testing.T) {
	ctx := context.Background()
	backend, err := CreateStore(Config{Type: MemoryStorage})
	require.NoError(t, err)
	counting := &countingStore{RouteStore: backend}

	cache, err := NewCachedStore(counting, 8, 10*time.Millisecond)
	require.NoError(t, err)

	created, err := cache.Create(ctx, testRecord("cold"))
	require.NoError(t, err)

	_, err = cache.Get(ctx, created.Id)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = cache.Get(ctx, created.Id)
	require.NoError(t, err)

	assert.Equal(t, 2, counting.Gets())
}

func TestCachedStoreDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	backend, err := CreateStore(Config{Type: MemoryStorage})
	require.NoError(t, err)

	cache, err := NewCachedStore(backend, 8, time.Minute)
	require.NoError(t, err)

	_, err = cache.GetByName(ctx, "later")
	assert.ErrorIs(t, err, domain.ErrRouteNotFound)

	_, err = backend.Create(ctx, testRecord("later"))
	require.NoError(t, err)

	_, err = cache.GetByName(ctx, "later")
	assert.NoError(t, err)
}
