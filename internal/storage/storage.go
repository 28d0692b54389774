package storage

import (
	"time"
)

// StorageType selects the route store backend
type StorageType string

const (
	// BadgerStorage is the default storage type
	BadgerStorage StorageType = "badger"

	// SQLiteStorage keeps routes in a relational SQLite file
	SQLiteStorage StorageType = "sqlite"

	// MemoryStorage keeps routes in process memory only
	MemoryStorage StorageType = "memory"
)

// Config contains route store configuration
type Config struct {
	Type StorageType

	// Base directory for badger data files
	DataDir string

	// SQLite database file, defaults to DataDir/routes.db
	SQLitePath string

	// Run badger in memory, used by tests
	InMemory bool

	// Badger value log GC interval
	GCInterval time.Duration

	// Cache settings, a CacheSize of 0 disables the cache
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Type:            BadgerStorage,
		DataDir:         "./data",
		GCInterval:      10 * time.Minute,
		CacheSize:       1000,
		CacheExpiration: 30 * time.Second,
	}
}
