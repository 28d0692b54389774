package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Ensure Storage implements domain.RouteStore
var _ domain.RouteStore = (*Storage)(nil)

const (
	// Key prefixes
	prefixRoutes = "route:"
	prefixNames  = "name:"
	keySequence  = "meta:route_seq"

	backendName = "badger"
)

// Config contains badger route store configuration
type Config struct {
	// Base directory; the database lives in DataDir/badger
	DataDir string

	// Keep everything in memory, used by tests
	InMemory bool

	SyncWrites bool

	// Value log garbage collection interval, 0 disables it
	GCInterval time.Duration
}

// DefaultConfig returns a default configuration for badger storage
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// Storage persists route records in badger
type Storage struct {
	config Config
	db     *badger.DB
	seq    *badger.Sequence

	// serializes writes so the name index stays consistent
	writeMu sync.Mutex

	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStorage opens (or creates) the badger route store
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	options := badger.DefaultOptions("")
	if config.InMemory {
		options = options.WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath).WithSyncWrites(config.SyncWrites)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(keySequence), 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open route sequence: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		config:  config,
		db:      db,
		seq:     seq,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	if config.GCInterval > 0 && !config.InMemory {
		go s.runGC(ctx)
	} else {
		close(s.done)
	}

	logger.Info().Bool("in_memory", config.InMemory).Str("data_dir", config.DataDir).Msg("Badger route store opened")
	return s, nil
}

// runGC periodically reclaims value log space
func (s *Storage) runGC(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				// RunValueLogGC returns ErrNoRewrite once nothing is left
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func routeKey(id int64) []byte {
	key := make([]byte, len(prefixRoutes)+8)
	copy(key, prefixRoutes)
	binary.BigEndian.PutUint64(key[len(prefixRoutes):], uint64(id))
	return key
}

func nameKey(name string) []byte {
	return []byte(prefixNames + name)
}

func (s *Storage) observe(op string) func(err *error) {
	timer := prometheus.NewTimer(s.metrics.StorageOperationDuration.WithLabelValues(backendName, op))
	return func(err *error) {
		timer.ObserveDuration()
		status := "true"
		if *err != nil && !errors.Is(*err, domain.ErrRouteNotFound) {
			status = "false"
		}
		s.metrics.StorageOperations.WithLabelValues(backendName, op, status).Inc()
	}
}

func readRecord(item *badger.Item) (*proto.RouteRecord, error) {
	var rec proto.RouteRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read route record: %w", err)
	}
	return &rec, nil
}

// List returns all records ordered by id. Big-endian keys iterate in
// numeric order.
func (s *Storage) List(ctx context.Context) (out []*proto.RouteRecord, err error) {
	defer s.observe("list")(&err)

	out = []*proto.RouteRecord{}
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixRoutes)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rec, err := readRecord(it.Item())
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Get returns the record with the given id
func (s *Storage) Get(ctx context.Context, id int64) (rec *proto.RouteRecord, err error) {
	defer s.observe("get")(&err)

	err = s.db.View(func(txn *badger.Txn) error {
		rec, err = getByID(txn, id)
		return err
	})
	return rec, err
}

func getByID(txn *badger.Txn, id int64) (*proto.RouteRecord, error) {
	item, err := txn.Get(routeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve route: %w", err)
	}
	return readRecord(item)
}

func idByName(txn *badger.Txn, name string) (int64, error) {
	item, err := txn.Get(nameKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve route name: %w", err)
	}

	var id int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt name index for %q", name)
		}
		id = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return id, err
}

// GetByName returns the record with the given name
func (s *Storage) GetByName(ctx context.Context, name string) (rec *proto.RouteRecord, err error) {
	defer s.observe("get_by_name")(&err)

	err = s.db.View(func(txn *badger.Txn) error {
		id, err := idByName(txn, name)
		if err != nil {
			return err
		}
		rec, err = getByID(txn, id)
		return err
	})
	return rec, err
}

func putRecord(txn *badger.Txn, rec *proto.RouteRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, uint64(rec.Id))

	if err := txn.Set(routeKey(rec.Id), data); err != nil {
		return err
	}
	return txn.Set(nameKey(rec.Name), idBytes)
}

// Create stores rec under a new id
func (s *Storage) Create(ctx context.Context, rec *proto.RouteRecord) (created *proto.RouteRecord, err error) {
	defer s.observe("create")(&err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate route id: %w", err)
	}

	stored := *rec
	// badger sequences start at 0, route ids start at 1
	stored.Id = int64(next) + 1

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := idByName(txn, rec.Name); err == nil {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
		} else if !errors.Is(err, domain.ErrRouteNotFound) {
			return err
		}
		return putRecord(txn, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// Update replaces the record with rec.Id
func (s *Storage) Update(ctx context.Context, rec *proto.RouteRecord) (err error) {
	defer s.observe("update")(&err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getByID(txn, rec.Id)
		if err != nil {
			return err
		}
		if id, err := idByName(txn, rec.Name); err == nil && id != rec.Id {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
		}
		if prev.Name != rec.Name {
			if err := txn.Delete(nameKey(prev.Name)); err != nil {
				return err
			}
		}
		return putRecord(txn, rec)
	})
}

// Delete removes the record with the given id
func (s *Storage) Delete(ctx context.Context, id int64) (err error) {
	defer s.observe("delete")(&err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getByID(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(nameKey(prev.Name)); err != nil {
			return err
		}
		return txn.Delete(routeKey(id))
	})
}

// Close stops garbage collection and closes the database
func (s *Storage) Close() error {
	s.cancel()
	<-s.done

	if err := s.seq.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release route sequence")
	}
	return s.db.Close()
}
