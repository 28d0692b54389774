package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/internal/timeout"
	"github.com/nkkko/ruleflow/pkg/proto"
)

var (
	// ErrInvalidDefinition is returned when a definition cannot be loaded
	ErrInvalidDefinition = errors.New("invalid route definition")

	// ErrUnrecoverable marks a rule fault that must abort the evaluation pass
	ErrUnrecoverable = errors.New("unrecoverable rule fault")
)

// Ensure Router can receive timeout results
var _ timeout.Sink = (*Router)(nil)

// Definition binds one rule to the recipients of its results
type Definition struct {
	Name        string
	Author      string
	Description string
	Active      bool
	Rule        domain.Rule
	Recipients  []string
}

// Result is a rule result paired with the recipients of its definition
type Result struct {
	Route      string
	Event      *proto.Event
	Recipients []string
}

// Config contains router configuration
type Config struct {
	// Buffer size of the inbound event channel built by the engine
	MaxBufferSize int
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		MaxBufferSize: 100,
	}
}

// Router evaluates events against the loaded route definitions and hands
// results to the dispatcher
type Router struct {
	config      Config
	dispatcher  domain.Dispatcher
	definitions []*Definition
	system      *SystemRoute
	mu          sync.RWMutex
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewRouter creates a router. The dispatcher may be nil when the router is
// only used to evaluate.
func NewRouter(dispatcher domain.Dispatcher, config ...Config) *Router {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}

	return &Router{
		config:     cfg,
		dispatcher: dispatcher,
		logger:     log.With().Str("component", "router").Logger(),
		metrics:    metrics.GetMetrics(),
	}
}

// Config returns the router configuration
func (r *Router) Config() Config {
	return r.config
}

// SetDefinitions validates defs and replaces the effective set. Nothing is
// replaced when any definition is invalid.
func (r *Router) SetDefinitions(defs []*Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		if err := validate(def); err != nil {
			return fmt.Errorf("definition %d: %w", i, err)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("%w: duplicate route name %q", ErrInvalidDefinition, def.Name)
		}
		seen[def.Name] = struct{}{}
	}

	loaded := make([]*Definition, len(defs))
	copy(loaded, defs)

	r.mu.Lock()
	r.definitions = loaded
	r.mu.Unlock()

	r.metrics.RouterDefinitions.Set(float64(len(loaded)))
	r.logger.Info().Int("definitions", len(loaded)).Msg("Route definitions loaded")
	return nil
}

func validate(def *Definition) error {
	switch {
	case def == nil:
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	case def.Name == "":
		return fmt.Errorf("%w: empty route name", ErrInvalidDefinition)
	case def.Rule == nil:
		return fmt.Errorf("%w: route %q has no rule", ErrInvalidDefinition, def.Name)
	case !def.Rule.Valid():
		return fmt.Errorf("%w: route %q has an invalid %s rule", ErrInvalidDefinition, def.Name, def.Rule.Type())
	}
	return nil
}

// SetSystemRoute installs the always-on system fan-out
func (r *Router) SetSystemRoute(system *SystemRoute) {
	r.mu.Lock()
	r.system = system
	r.mu.Unlock()
}

// Definitions returns the loaded definitions in configuration order
func (r *Router) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

// Definition returns the loaded definition with the given name
func (r *Router) Definition(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.definitions {
		if def.Name == name {
			return def, true
		}
	}
	return nil, false
}

// Evaluate runs the event through the system fan-out and then through every
// active definition in order. Inactive definitions never see the event.
func (r *Router) Evaluate(ctx context.Context, event *proto.Event) ([]Result, error) {
	if event == nil {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		r.metrics.RouterEventDuration.Observe(time.Since(start).Seconds())
	}()
	r.metrics.RouterEventsTotal.WithLabelValues(event.Type.String()).Inc()

	r.mu.RLock()
	defs := r.definitions
	system := r.system
	r.mu.RUnlock()

	if system != nil {
		if err := system.Handle(ctx, event); err != nil {
			return nil, err
		}
	}

	var results []Result
	for _, def := range defs {
		if !def.Active {
			continue
		}

		out, err := def.Rule.Handle(ctx, event)
		if err != nil {
			if errors.Is(err, ErrUnrecoverable) {
				r.metrics.RouterRuleFaults.WithLabelValues(def.Rule.Type(), "unrecoverable").Inc()
				return results, fmt.Errorf("route %q: %w", def.Name, err)
			}

			r.metrics.RouterRuleFaults.WithLabelValues(def.Rule.Type(), "recoverable").Inc()
			r.logger.Error().
				Err(err).
				Str("route", def.Name).
				Str("rule_type", def.Rule.Type()).
				Str("event_id", event.Id).
				Msg("Rule evaluation failed")
			continue
		}

		if out == nil {
			continue
		}

		r.metrics.RouterResultsTotal.WithLabelValues(def.Name, "sync").Inc()
		results = append(results, Result{
			Route:      def.Name,
			Event:      out,
			Recipients: def.Recipients,
		})
	}

	return results, nil
}

// Start consumes events until the channel is closed or ctx is done
func (r *Router) Start(ctx context.Context, events <-chan *proto.Event) error {
	r.logger.Info().Msg("Starting event router")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				r.logger.Info().Msg("Event stream closed, stopping router")
				return nil
			}
			r.Process(ctx, event)

		case <-ctx.Done():
			r.logger.Info().Msg("Context canceled, stopping router")
			return ctx.Err()
		}
	}
}

// Process evaluates one event and dispatches every result
func (r *Router) Process(ctx context.Context, event *proto.Event) {
	if event == nil {
		return
	}
	prepare(event)

	results, err := r.Evaluate(ctx, event)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("event_id", event.Id).
			Str("event_type", event.Type.String()).
			Msg("Evaluation aborted")
	}

	for _, result := range results {
		r.dispatch(ctx, result)
	}
}

// DeliverTimeoutResult dispatches a result produced by a timeout-capable
// rule to the recipients of the definition owning that rule
func (r *Router) DeliverTimeoutResult(ctx context.Context, rule domain.TimeoutRule, event *proto.Event) {
	if event == nil {
		return
	}
	prepare(event)

	def := r.owner(rule)
	if def == nil {
		r.logger.Debug().
			Str("rule_type", rule.Type()).
			Str("event_id", event.Id).
			Msg("Timeout result has no owning route, dropping")
		return
	}
	if !def.Active {
		r.logger.Info().
			Str("route", def.Name).
			Str("event_id", event.Id).
			Msg("Route deactivated before its timeout, dropping result")
		return
	}

	r.metrics.RouterResultsTotal.WithLabelValues(def.Name, "timeout").Inc()
	r.dispatch(ctx, Result{
		Route:      def.Name,
		Event:      event,
		Recipients: def.Recipients,
	})
}

func (r *Router) owner(rule domain.Rule) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.definitions {
		if sameRule(def.Rule, rule) {
			return def
		}
	}
	return nil
}

// sameRule compares rule identity without panicking on non-comparable types
func sameRule(a, b domain.Rule) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func (r *Router) dispatch(ctx context.Context, result Result) {
	if len(result.Recipients) == 0 {
		r.logger.Debug().
			Str("route", result.Route).
			Str("event_id", result.Event.Id).
			Msg("Result has no recipients")
		return
	}
	if r.dispatcher == nil {
		r.logger.Warn().Str("route", result.Route).Msg("No dispatcher configured, dropping result")
		return
	}

	if err := r.dispatcher.Dispatch(ctx, result.Event, result.Recipients); err != nil {
		r.metrics.RouterDispatchErrors.WithLabelValues(result.Route).Inc()
		r.logger.Error().
			Err(err).
			Str("route", result.Route).
			Str("event_id", result.Event.Id).
			Strs("recipients", result.Recipients).
			Msg("Failed to dispatch result")
	}
}

// prepare fills in the id and timestamp of events that lack them
func prepare(event *proto.Event) {
	if event.Id == "" {
		event.Id = generateID()
	}
	if event.Ts == nil {
		event.Ts = timestamppb.Now()
	}
}

// Variable for generating event IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
