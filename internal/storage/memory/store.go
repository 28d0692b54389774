package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Ensure Store implements domain.RouteStore
var _ domain.RouteStore = (*Store)(nil)

// Store keeps route records in process memory
type Store struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*proto.RouteRecord
	byName map[string]int64
}

// NewStore creates an empty in-memory route store
func NewStore() *Store {
	return &Store{
		byID:   make(map[int64]*proto.RouteRecord),
		byName: make(map[string]int64),
	}
}

func clone(rec *proto.RouteRecord) *proto.RouteRecord {
	out := *rec
	out.Recipients = append([]string(nil), rec.Recipients...)
	if rec.Rule.Properties != nil {
		out.Rule.Properties = make(map[string]any, len(rec.Rule.Properties))
		for k, v := range rec.Rule.Properties {
			out.Rule.Properties[k] = v
		}
	}
	return &out
}

// List returns all records ordered by id
func (s *Store) List(ctx context.Context) ([]*proto.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*proto.RouteRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

// Get returns the record with the given id
func (s *Store) Get(ctx context.Context, id int64) (*proto.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, id)
	}
	return clone(rec), nil
}

// GetByName returns the record with the given name
func (s *Store) GetByName(ctx context.Context, name string) (*proto.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, name)
	}
	return clone(s.byID[id]), nil
}

// Create stores a copy of rec under a new id
func (s *Store) Create(ctx context.Context, rec *proto.RouteRecord) (*proto.RouteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byName[rec.Name]; dup {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
	}

	s.nextID++
	stored := clone(rec)
	stored.Id = s.nextID
	s.byID[stored.Id] = stored
	s.byName[stored.Name] = stored.Id

	return clone(stored), nil
}

// Update replaces the record with rec.Id
func (s *Store) Update(ctx context.Context, rec *proto.RouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[rec.Id]
	if !ok {
		return fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, rec.Id)
	}
	if id, taken := s.byName[rec.Name]; taken && id != rec.Id {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
	}

	delete(s.byName, prev.Name)
	s.byID[rec.Id] = clone(rec)
	s.byName[rec.Name] = rec.Id
	return nil
}

// Delete removes the record with the given id
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", domain.ErrRouteNotFound, id)
	}
	delete(s.byID, id)
	delete(s.byName, rec.Name)
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
