package distribution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/internal/telemetry"
)

// Coordinator accepts distribution jobs, enforces one pending transfer per
// destination entry and runs transfers on a bounded worker pool
type Coordinator struct {
	config Config

	mu       sync.RWMutex
	handlers map[string]Handler

	claims *claimTable
	pool   *pool
	logger zerolog.Logger
}

var _ domain.Distributor = (*Coordinator)(nil)

// NewCoordinator creates a coordinator with the built-in handlers registered
func NewCoordinator(config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = defaults.ShutdownGrace
	}
	if config.FTPTimeout <= 0 {
		config.FTPTimeout = defaults.FTPTimeout
	}
	if config.SSH.DialTimeout <= 0 {
		config.SSH.DialTimeout = defaults.SSH.DialTimeout
	}

	logger := log.With().Str("component", "distribution").Logger()

	c := &Coordinator{
		config:   config,
		handlers: make(map[string]Handler),
		claims:   newClaimTable(),
		pool:     newPool(config.Workers, config.QueueSize, logger),
		logger:   logger,
	}

	ssh := newSSHDialer(config.SSH)
	c.RegisterHandler(SchemeCopy, &copyHandler{})
	c.RegisterHandler(SchemeFTP, &ftpHandler{timeout: config.FTPTimeout})
	c.RegisterHandler(SchemeSFTP, &sftpHandler{dialer: ssh})
	c.RegisterHandler(SchemeSCP, &scpHandler{dialer: ssh, mkdir: true})
	c.RegisterHandler(SchemeSCPOnly, &scpHandler{dialer: ssh})

	return c
}

// RegisterHandler adds or replaces the handler for scheme
func (c *Coordinator) RegisterHandler(scheme string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(scheme)] = handler
}

// Schemes returns the schemes with a registered handler
func (c *Coordinator) Schemes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return schemesOf(c.handlers)
}

// Start launches the transfer workers
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info().
		Int("workers", c.config.Workers).
		Int("queue_size", c.config.QueueSize).
		Strs("schemes", c.Schemes()).
		Msg("Starting distribution coordinator")

	c.pool.start(ctx)
	return nil
}

// Submit validates job, claims its destination entry and queues the
// transfer. It never waits for the transfer itself.
func (c *Coordinator) Submit(job domain.DistributionJob) error {
	m := metrics.GetMetrics()

	dest, err := ParseDestination(job.Destination)
	if err != nil {
		m.DistributionRejected.WithLabelValues("invalid").Inc()
		return err
	}

	c.mu.RLock()
	handler, ok := c.handlers[dest.Scheme]
	c.mu.RUnlock()
	if !ok {
		m.DistributionRejected.WithLabelValues("unsupported").Inc()
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, dest.Scheme)
	}

	if err := ValidateEntry(job.Entry); err != nil {
		m.DistributionRejected.WithLabelValues("invalid").Inc()
		return err
	}

	key := Key(dest, job.Entry)
	logger := c.logger.With().
		Str("destination", key).
		Str("source", job.Source).
		Logger()

	claim, ok := c.claims.acquire(key, job.Source)
	if !ok {
		m.DistributionRejected.WithLabelValues("busy").Inc()
		logger.Warn().
			Str("pending_source", claim.Source).
			Time("claimed_at", claim.ClaimedAt).
			Msg("Destination busy, rejecting distribution")
		return fmt.Errorf("%w: %s", ErrDestinationBusy, key)
	}
	m.DistributionClaimsHeld.Inc()

	err = c.pool.submit(func(ctx context.Context) {
		defer c.release(claim)
		c.transfer(ctx, handler, dest, job, logger)
	})
	if err != nil {
		c.release(claim)
		reason := "queue_full"
		if errors.Is(err, ErrClosed) {
			reason = "closed"
		}
		m.DistributionRejected.WithLabelValues(reason).Inc()
		logger.Warn().Err(err).Msg("Distribution not queued")
		return err
	}

	m.DistributionSubmitted.WithLabelValues(dest.Scheme).Inc()
	logger.Debug().Msg("Distribution queued")
	return nil
}

func (c *Coordinator) release(claim *pendingUpload) {
	if c.claims.release(claim.Key, claim.Token) {
		metrics.GetMetrics().DistributionClaimsHeld.Dec()
	}
}

func (c *Coordinator) transfer(ctx context.Context, handler Handler, dest *url.URL, job domain.DistributionJob, logger zerolog.Logger) {
	m := metrics.GetMetrics()
	m.DistributionInFlight.Inc()
	defer m.DistributionInFlight.Dec()

	ctx, span := telemetry.StartSpan(ctx, "distribution.transfer",
		attribute.String("distribution.scheme", dest.Scheme),
		attribute.String("distribution.host", dest.Host),
		attribute.String("distribution.entry", job.Entry),
	)

	start := time.Now()
	n, err := handler.Upload(ctx, job.Source, dest, job.Entry)
	elapsed := time.Since(start)
	telemetry.EndSpan(span, err)

	m.DistributionDuration.WithLabelValues(dest.Scheme).Observe(elapsed.Seconds())
	if err != nil {
		m.DistributionCompleted.WithLabelValues(dest.Scheme, "error").Inc()
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("Distribution failed")
		return
	}

	m.DistributionCompleted.WithLabelValues(dest.Scheme, "success").Inc()
	m.DistributionBytes.WithLabelValues(dest.Scheme).Add(float64(n))
	logger.Info().
		Str("size", humanize.Bytes(uint64(n))).
		Dur("elapsed", elapsed).
		Msg("Distribution complete")
}

// Pending reports whether a transfer to the destination entry is pending
func (c *Coordinator) Pending(destination, entry string) bool {
	dest, err := ParseDestination(destination)
	if err != nil {
		return false
	}
	return c.claims.held(Key(dest, entry))
}

// Shutdown stops accepting jobs and waits for running transfers up to the
// configured grace period
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info().
		Int64("outstanding", c.pool.pending()).
		Msg("Shutting down distribution coordinator")
	return c.pool.shutdown(ctx, c.config.ShutdownGrace)
}
