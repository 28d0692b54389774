package storage

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/storage/badger"
	"github.com/nkkko/ruleflow/internal/storage/memory"
	"github.com/nkkko/ruleflow/internal/storage/sqlite"
)

// CreateStore creates the route store selected by config.Type, wrapped in a
// cache when config.CacheSize is positive
func CreateStore(config Config) (domain.RouteStore, error) {
	var (
		store domain.RouteStore
		err   error
	)

	switch config.Type {
	case BadgerStorage, "":
		store, err = badger.NewStorage(badger.Config{
			DataDir:    config.DataDir,
			InMemory:   config.InMemory,
			SyncWrites: true,
			GCInterval: config.GCInterval,
		})

	case SQLiteStorage:
		path := config.SQLitePath
		if path == "" {
			path = filepath.Join(config.DataDir, "routes.db")
		}
		store, err = sqlite.Open(path)

	case MemoryStorage:
		store = memory.NewStore()

	default:
		return nil, fmt.Errorf("unknown storage type: %q", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.CacheSize <= 0 {
		return store, nil
	}

	cached, err := NewCachedStore(store, config.CacheSize, config.CacheExpiration)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	log.Info().
		Str("component", "storage").
		Str("type", string(config.Type)).
		Int("cache_size", config.CacheSize).
		Dur("cache_expiration", config.CacheExpiration).
		Msg("Route store created")

	return cached, nil
}
