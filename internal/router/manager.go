package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/timeout"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// RuleBuilder turns a persisted rule spec into a rule instance
type RuleBuilder interface {
	Build(spec proto.RuleSpec) (domain.Rule, error)
}

// RuleTimeouts drops the live timeout tasks of a rule that left the router
type RuleTimeouts interface {
	UnregisterRule(rule domain.TimeoutRule) int
}

var _ RuleTimeouts = (*timeout.Manager)(nil)

type builtRule struct {
	fingerprint string
	rule        domain.Rule
}

// Manager keeps the router's definitions in sync with a route store
type Manager struct {
	store   domain.RouteStore
	builder RuleBuilder
	router  *Router

	// Rule instances are reused across reloads while their spec is
	// unchanged, so live timeout tasks still find their owning route.
	// Tasks of a rule that is replaced or removed are dropped.
	mu       sync.Mutex
	built    map[string]builtRule
	timeouts RuleTimeouts
	logger   zerolog.Logger
}

// NewManager creates a route manager
func NewManager(store domain.RouteStore, builder RuleBuilder, router *Router) *Manager {
	return &Manager{
		store:   store,
		builder: builder,
		router:  router,
		built:   make(map[string]builtRule),
		logger:  log.With().Str("component", "route-manager").Logger(),
	}
}

// SetTimeouts sets the scheduler whose tasks are dropped along with their
// rule. Without one, dropped rules keep their tasks until they expire.
func (m *Manager) SetTimeouts(timeouts RuleTimeouts) {
	m.mu.Lock()
	m.timeouts = timeouts
	m.mu.Unlock()
}

// Load reads every stored route, builds its rule and swaps the router's
// effective definitions
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list routes: %w", err)
	}

	defs := make([]*Definition, 0, len(records))
	built := make(map[string]builtRule, len(records))
	for _, rec := range records {
		rule, fp, err := m.ruleFor(rec)
		if err != nil {
			return err
		}
		built[rec.Name] = builtRule{fingerprint: fp, rule: rule}
		defs = append(defs, &Definition{
			Name:        rec.Name,
			Author:      rec.Author,
			Description: rec.Description,
			Active:      rec.Active,
			Rule:        rule,
			Recipients:  append([]string(nil), rec.Recipients...),
		})
	}

	if err := m.router.SetDefinitions(defs); err != nil {
		return err
	}
	m.releaseDropped(built)
	m.built = built
	return nil
}

// releaseDropped unregisters the timeout tasks of rules absent from next
func (m *Manager) releaseDropped(next map[string]builtRule) {
	if m.timeouts == nil {
		return
	}
	for name, prev := range m.built {
		if cur, ok := next[name]; ok && cur.rule == prev.rule {
			continue
		}
		rule, ok := prev.rule.(domain.TimeoutRule)
		if !ok {
			continue
		}
		if n := m.timeouts.UnregisterRule(rule); n > 0 {
			m.logger.Info().Str("route", name).Int("tasks", n).Msg("Dropped timeouts of replaced rule")
		}
	}
}

func (m *Manager) ruleFor(rec *proto.RouteRecord) (domain.Rule, string, error) {
	fp, err := fingerprint(rec.Rule)
	if err != nil {
		return nil, "", fmt.Errorf("%w: route %q: %v", ErrInvalidDefinition, rec.Name, err)
	}
	if prev, ok := m.built[rec.Name]; ok && prev.fingerprint == fp {
		return prev.rule, fp, nil
	}

	rule, err := m.builder.Build(rec.Rule)
	if err != nil {
		return nil, "", fmt.Errorf("%w: route %q: %w", ErrInvalidDefinition, rec.Name, err)
	}
	return rule, fp, nil
}

func fingerprint(spec proto.RuleSpec) (string, error) {
	// encoding/json sorts map keys, so equal specs encode identically
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// check builds the record's rule without installing it
func (m *Manager) check(rec *proto.RouteRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("%w: route name is required", ErrInvalidDefinition)
	}
	rule, err := m.builder.Build(rec.Rule)
	if err != nil {
		return fmt.Errorf("%w: route %q: %w", ErrInvalidDefinition, rec.Name, err)
	}
	if !rule.Valid() {
		return fmt.Errorf("%w: route %q has an invalid %s rule", ErrInvalidDefinition, rec.Name, rule.Type())
	}
	return nil
}

// Create stores a new route and reloads
func (m *Manager) Create(ctx context.Context, rec *proto.RouteRecord) (*proto.RouteRecord, error) {
	if err := m.check(rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetByName(ctx, rec.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateRoute, rec.Name)
	} else if !errors.Is(err, domain.ErrRouteNotFound) {
		return nil, err
	}

	created, err := m.store.Create(ctx, rec)
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("route", created.Name).Int64("id", created.Id).Msg("Route created")
	return created, m.loadLocked(ctx)
}

// Update replaces a stored route, matched by id, and reloads
func (m *Manager) Update(ctx context.Context, rec *proto.RouteRecord) error {
	if err := m.check(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Update(ctx, rec); err != nil {
		return err
	}

	m.logger.Info().Str("route", rec.Name).Int64("id", rec.Id).Msg("Route updated")
	return m.loadLocked(ctx)
}

// SetActive toggles a route by name
func (m *Manager) SetActive(ctx context.Context, name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetByName(ctx, name)
	if err != nil {
		return err
	}
	rec.Active = active
	if err := m.store.Update(ctx, rec); err != nil {
		return err
	}
	return m.loadLocked(ctx)
}

// Delete removes a route by name and reloads
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, rec.Id); err != nil {
		return err
	}

	m.logger.Info().Str("route", name).Int64("id", rec.Id).Msg("Route deleted")
	return m.loadLocked(ctx)
}

// Import upserts records by name and reloads once. Every record is checked
// before anything is written.
func (m *Manager) Import(ctx context.Context, records []*proto.RouteRecord) error {
	names := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := m.check(rec); err != nil {
			return err
		}
		if _, dup := names[rec.Name]; dup {
			return fmt.Errorf("%w: duplicate route name %q", ErrInvalidDefinition, rec.Name)
		}
		names[rec.Name] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		existing, err := m.store.GetByName(ctx, rec.Name)
		switch {
		case errors.Is(err, domain.ErrRouteNotFound):
			if _, err := m.store.Create(ctx, rec); err != nil {
				return fmt.Errorf("failed to import route %q: %w", rec.Name, err)
			}
		case err != nil:
			return err
		default:
			updated := *rec
			updated.Id = existing.Id
			if err := m.store.Update(ctx, &updated); err != nil {
				return fmt.Errorf("failed to import route %q: %w", rec.Name, err)
			}
		}
	}

	m.logger.Info().Int("routes", len(records)).Msg("Routes imported")
	return m.loadLocked(ctx)
}
