// Package engine wires the route store, rules, timeout manager, router,
// adaptors, distribution coordinator, notifier and HTTP API together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nkkko/ruleflow/internal/adaptor"
	"github.com/nkkko/ruleflow/internal/api"
	"github.com/nkkko/ruleflow/internal/api/models"
	"github.com/nkkko/ruleflow/internal/config"
	"github.com/nkkko/ruleflow/internal/distribution"
	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/notifier"
	"github.com/nkkko/ruleflow/internal/router"
	"github.com/nkkko/ruleflow/internal/rules"
	"github.com/nkkko/ruleflow/internal/storage"
	"github.com/nkkko/ruleflow/internal/telemetry"
	"github.com/nkkko/ruleflow/internal/timeout"
)

// Engine owns every long-lived component
type Engine struct {
	config      *config.Config
	store       domain.RouteStore
	timeouts    *timeout.Manager
	coordinator *distribution.Coordinator
	registry    *rules.Registry
	notifier    *notifier.Notifier
	directory   *adaptor.Directory
	dispatcher  *adaptor.Dispatcher
	router      *router.Router
	system      *router.SystemRoute
	inbox       *router.Inbox
	manager     *router.Manager
	api         *api.API
	telemetryFn func(context.Context) error
	logger      zerolog.Logger
}

// CreateEngine builds every component from cfg. Nothing runs until Start.
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := log.With().Str("component", "engine").Logger()

	storageCfg := cfg.ToStorageConfig()
	if storageCfg.Type != storage.MemoryStorage {
		if err := os.MkdirAll(storageCfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := storage.CreateStore(storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize route store: %w", err)
	}

	e := &Engine{
		config: cfg,
		store:  store,
		logger: logger,
	}

	e.timeouts = timeout.NewManager(cfg.ToTimeoutConfig(), nil)
	e.coordinator = distribution.NewCoordinator(cfg.ToDistributionConfig())
	e.registry = rules.NewRegistry(rules.Dependencies{
		Timeouts:    e.timeouts,
		Distributor: e.coordinator,
	})

	// A nil *Notifier must not reach the adaptor package as a non-nil
	// Publisher
	var publisher adaptor.Publisher
	if cfg.Notifier.Enabled {
		e.notifier = notifier.NewNotifier(cfg.ToNotifierConfig())
		publisher = e.notifier
	}

	e.directory, err = adaptor.Build(cfg.Adaptors, publisher)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build adaptors: %w", err)
	}
	e.dispatcher = adaptor.NewDispatcher(e.directory, publisher)

	e.router = router.NewRouter(e.dispatcher, cfg.ToRouterConfig())
	e.timeouts.SetSink(e.router)
	e.inbox = router.NewInbox(cfg.Router.MaxBufferSize)
	e.manager = router.NewManager(store, e.registry, e.router)
	e.manager.SetTimeouts(e.timeouts)

	e.system = router.NewSystemRoute()
	for i, spec := range cfg.SystemRules {
		rule, err := e.registry.Build(spec)
		if err == nil && !rule.Valid() {
			err = fmt.Errorf("%w: invalid %s rule", router.ErrInvalidDefinition, spec.Type)
		}
		if err == nil {
			err = e.system.Add(rule)
		}
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("system_rules[%d]: %w", i, err)
		}
	}
	e.router.SetSystemRoute(e.system)

	deps := api.Dependencies{
		Events:  e.inbox,
		Routes:  store,
		Manager: e.manager,
		Loaded:  e.router,
		Status:  e.Status,
	}
	if e.notifier != nil {
		deps.Stream = e.notifier
	}
	e.api = api.NewAPI(cfg.ToAPIConfig(), deps)

	logger.Info().
		Str("storage", string(storageCfg.Type)).
		Strs("adaptors", e.directory.Names()).
		Strs("rule_types", e.registry.Types()).
		Int("system_rules", e.system.Len()).
		Msg("Engine created")

	return e, nil
}

// Start loads routes and runs the router and the API until ctx is done
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting ruleflow engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if len(e.config.Routes) > 0 {
		if err := e.manager.Import(ctx, e.config.Routes); err != nil {
			return fmt.Errorf("failed to import configured routes: %w", err)
		}
	} else if err := e.manager.Load(ctx); err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}

	if err := e.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start distribution: %w", err)
	}
	if e.notifier != nil {
		if err := e.notifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notifier: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.router.Start(ctx, e.inbox.Events())
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Engine stopped")
	return nil
}

// Shutdown stops components in dependency order: intake first, then
// timers, transfers and the outcome stream, storage last
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down ruleflow engine")

	var errs []error
	record := func(name string, err error) {
		if err != nil {
			e.logger.Error().Err(err).Msgf("Failed to shut down %s", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	record("api", e.api.Shutdown(ctx))
	record("timeouts", e.timeouts.Shutdown(ctx))
	record("distribution", e.coordinator.Shutdown(ctx))
	if e.notifier != nil {
		record("notifier", e.notifier.Shutdown(ctx))
	}
	record("storage", e.store.Close())

	if e.telemetryFn != nil {
		record("telemetry", e.telemetryFn(ctx))
	}

	return errors.Join(errs...)
}

// Status summarizes the running engine
func (e *Engine) Status() models.StatusResponse {
	status := models.StatusResponse{
		Routes:       len(e.router.Definitions()),
		SystemRules:  e.system.Len(),
		Adaptors:     e.directory.Names(),
		Schemes:      e.coordinator.Schemes(),
		LiveTimeouts: e.timeouts.Len(),
		Inbox:        e.inbox.Len(),
	}
	if e.notifier != nil {
		status.Clients = e.notifier.Clients()
	}
	return status
}

// Inbox returns the inbound event queue
func (e *Engine) Inbox() *router.Inbox {
	return e.inbox
}

// Router returns the event router
func (e *Engine) Router() *router.Router {
	return e.router
}

// Handler returns the HTTP handler of the API
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}
