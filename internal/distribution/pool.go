package distribution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type job func(ctx context.Context)

// pool runs jobs on a fixed number of workers fed by a bounded queue
type pool struct {
	workers int
	queue   chan job

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outstanding atomic.Int64
	logger      zerolog.Logger
}

func newPool(workers, queueSize int, logger zerolog.Logger) *pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &pool{
		workers: workers,
		queue:   make(chan job, queueSize),
		logger:  logger,
	}
}

// start launches the workers. Their context keeps ctx's values but is only
// cancelled by shutdown.
func (p *pool) start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *pool) run(j job) {
	defer p.outstanding.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Distribution job panicked")
		}
	}()
	j(p.ctx)
}

// submit enqueues j without blocking
func (p *pool) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	p.outstanding.Add(1)
	select {
	case p.queue <- j:
		return nil
	default:
		p.outstanding.Add(-1)
		return ErrQueueFull
	}
}

// shutdown stops accepting jobs and waits up to grace for the queue to
// drain, then cancels the workers' context and waits for them to return.
func (p *pool) shutdown(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		if n := len(p.queue); n > 0 {
			p.logger.Warn().Int("outstanding", n).Msg("Dropping queued distribution jobs, workers never started")
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn().
		Int64("outstanding", p.outstanding.Load()).
		Dur("grace", grace).
		Msg("Distribution jobs still running after grace period, cancelling")
	p.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Error().
			Int64("outstanding", p.outstanding.Load()).
			Msg("Distribution jobs ignored cancellation, abandoning them")
		return ctx.Err()
	}
}

func (p *pool) pending() int64 {
	return p.outstanding.Load()
}
