package rules

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// GatherType is the registered name of the gather rule
const GatherType = "gather"

// GatherConfig collects related data arrivals into one generate request
type GatherConfig struct {
	fileFilter

	Algorithm   string   `json:"algorithm"`
	Arguments   []string `json:"arguments"`
	Destination string   `json:"destination"`

	// Meta keys whose values identify files belonging together
	CorrelationKeys []string `json:"correlation_keys"`

	// Number of files that completes a batch
	Expected int `json:"expected"`

	// Minimum files for a partial batch to be emitted on timeout, 0 means
	// partial batches are dropped
	MinFiles int `json:"min_files"`

	// How long to wait for the rest of a batch, e.g. "90s"
	Timeout string `json:"timeout"`
}

// CorrelationKey is the timeout correlation data of a gather batch
type CorrelationKey struct {
	Instance string
	Key      string
}

type batch struct {
	taskID uint64
	files  []string
	meta   map[string]string
}

// Gather waits for Expected files sharing a correlation key. A complete
// batch is emitted from Handle; an incomplete one is emitted from Timeout
// when it holds at least MinFiles files. Cancellation emits nothing.
type Gather struct {
	config   GatherConfig
	delay    time.Duration
	instance string
	timeouts domain.TimeoutScheduler

	mu      sync.Mutex
	pending map[string]*batch
	logger  zerolog.Logger
}

var _ domain.TimeoutRule = (*Gather)(nil)

// NewGather creates a gather rule
func NewGather(properties map[string]any, deps Dependencies) (domain.Rule, error) {
	var config GatherConfig
	if err := decodeProperties(GatherType, properties, &config); err != nil {
		return nil, err
	}
	if err := config.validate(GatherType); err != nil {
		return nil, err
	}

	var delay time.Duration
	if config.Timeout != "" {
		d, err := time.ParseDuration(config.Timeout)
		if err != nil {
			return nil, &ConfigError{RuleType: GatherType, Field: "timeout", Reason: err.Error()}
		}
		delay = d
	}

	instance := uuid.NewString()
	return &Gather{
		config:   config,
		delay:    delay,
		instance: instance,
		timeouts: deps.Timeouts,
		pending:  make(map[string]*batch),
		logger:   log.With().Str("component", "rules").Str("rule_type", GatherType).Str("instance", instance).Logger(),
	}, nil
}

func (g *Gather) Type() string { return GatherType }

// Valid requires a scheduler, an algorithm, a positive timeout and a
// consistent file count
func (g *Gather) Valid() bool {
	return g.timeouts != nil &&
		g.config.Algorithm != "" &&
		g.delay > 0 &&
		g.config.Expected > 0 &&
		g.config.MinFiles >= 0 &&
		g.config.MinFiles <= g.config.Expected
}

func (g *Gather) correlation(event *proto.Event) string {
	parts := make([]string, len(g.config.CorrelationKeys))
	for i, k := range g.config.CorrelationKeys {
		parts[i] = k + "=" + event.MetaValue(k)
	}
	return strings.Join(parts, ",")
}

// Handle adds a matching file to its batch and registers the batch timeout
// on first sight. It never blocks waiting for the rest of the batch.
func (g *Gather) Handle(ctx context.Context, event *proto.Event) (*proto.Event, error) {
	if !g.config.matches(event) {
		return nil, nil
	}

	key := g.correlation(event)
	path := event.File.Path

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.pending[key]
	if !ok {
		id, _, err := g.timeouts.RegisterIfAbsent(g, g.delay, CorrelationKey{Instance: g.instance, Key: key})
		if err != nil {
			return nil, err
		}
		b = &batch{taskID: id, meta: copyMeta(event.Meta)}
		g.pending[key] = b

		g.logger.Debug().
			Str("correlation", key).
			Uint64("task_id", id).
			Dur("timeout", g.delay).
			Msg("Started batch")
	}

	for _, f := range b.files {
		if f == path {
			return nil, nil
		}
	}
	b.files = append(b.files, path)

	if len(b.files) < g.config.Expected {
		return nil, nil
	}

	delete(g.pending, key)
	g.timeouts.Unregister(b.taskID)

	g.logger.Debug().Str("correlation", key).Int("files", len(b.files)).Msg("Batch complete")
	return g.emit(b, false), nil
}

// Timeout resolves the batch whose task ended
func (g *Gather) Timeout(id uint64, reason domain.TimeoutReason, data any) *proto.Event {
	ck, ok := data.(CorrelationKey)
	if !ok || ck.Instance != g.instance {
		return nil
	}

	g.mu.Lock()
	b, ok := g.pending[ck.Key]
	if !ok || b.taskID != id {
		g.mu.Unlock()
		return nil
	}
	delete(g.pending, ck.Key)
	g.mu.Unlock()

	logger := g.logger.With().
		Str("correlation", ck.Key).
		Uint64("task_id", id).
		Int("files", len(b.files)).
		Logger()

	if reason == domain.ReasonCancelled {
		logger.Info().Msg("Batch cancelled")
		return nil
	}

	if g.config.MinFiles == 0 || len(b.files) < g.config.MinFiles {
		logger.Warn().Int("min_files", g.config.MinFiles).Msg("Batch timed out incomplete, dropping")
		return nil
	}

	logger.Info().Int("expected", g.config.Expected).Msg("Batch timed out, emitting partial result")
	return g.emit(b, true)
}

// Pending returns the number of open batches
func (g *Gather) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gather) emit(b *batch, partial bool) *proto.Event {
	files := append([]string(nil), b.files...)
	sort.Strings(files)

	meta := copyMeta(b.meta)
	if meta == nil {
		meta = map[string]string{}
	}
	if partial {
		meta["partial"] = "true"
	}
	return newGenerateEvent(g.config.Algorithm, files, g.config.Arguments, g.config.Destination, meta)
}
