package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/logging"
	"github.com/nkkko/ruleflow/internal/telemetry"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string `yaml:"addr"`

	// Timeouts
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Largest accepted request body
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Origins allowed by CORS
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   1024 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// API serves the HTTP endpoints
type API struct {
	config Config
	deps   Dependencies
	router *chi.Mux
	server *http.Server
	logger zerolog.Logger
}

// NewAPI creates a new API instance
func NewAPI(config Config, deps Dependencies) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	a := &API{
		config: config,
		deps:   deps,
		logger: log.With().Str("component", "api").Logger(),
	}
	a.router = a.routes()
	return a
}

// Handler returns the HTTP handler of the API
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	// Long-lived streams stay outside the request timeout
	if a.deps.Stream != nil {
		r.Get("/ws", a.deps.Stream.ServeWebSocket)
		r.Get("/events", a.deps.Stream.ServeSSE)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Use(telemetry.HTTPMiddleware("ruleflow-api"))
		r.Use(a.limitBody)

		r.Post("/events", a.handleSubmitEvent)
		r.Get("/status", a.handleStatus)

		r.Route("/routes", func(r chi.Router) {
			r.Get("/", a.handleListRoutes)
			r.Post("/", a.handleCreateRoute)
			r.Get("/{name}", a.handleGetRoute)
			r.Put("/{name}", a.handleUpdateRoute)
			r.Delete("/{name}", a.handleDeleteRoute)
			r.Put("/{name}/active", a.handleSetActive)
		})
	})

	return r
}

func (a *API) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is done or the listener fails
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or the server fails
func (a *API) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.logger.Error().Err(err).Msg("API server error")
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
