package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// SystemRoute is the always-on fan-out of rules that have no recipients.
// A rule returning an error is logged and the remaining rules still run;
// an error wrapping ErrUnrecoverable stops the pass.
type SystemRoute struct {
	mu      sync.RWMutex
	rules   []domain.Rule
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewSystemRoute creates a system fan-out over rules
func NewSystemRoute(rules ...domain.Rule) *SystemRoute {
	return &SystemRoute{
		rules:   rules,
		logger:  log.With().Str("component", "router").Str("route", "system").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Add appends a rule to the fan-out
func (s *SystemRoute) Add(rule domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: system rule is nil", ErrInvalidDefinition)
	}
	s.mu.Lock()
	s.rules = append(s.rules, rule)
	s.mu.Unlock()
	return nil
}

// Len returns the number of rules in the fan-out
func (s *SystemRoute) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Handle evaluates every rule against event. Results are discarded since
// the system route has no recipients.
func (s *SystemRoute) Handle(ctx context.Context, event *proto.Event) error {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	for _, rule := range rules {
		out, err := rule.Handle(ctx, event)
		if err != nil {
			if errors.Is(err, ErrUnrecoverable) {
				s.metrics.RouterRuleFaults.WithLabelValues(rule.Type(), "unrecoverable").Inc()
				return fmt.Errorf("system rule %s: %w", rule.Type(), err)
			}

			s.metrics.RouterRuleFaults.WithLabelValues(rule.Type(), "recoverable").Inc()
			s.logger.Error().
				Err(err).
				Str("rule_type", rule.Type()).
				Str("event_id", event.Id).
				Msg("System rule failed, continuing")
			continue
		}

		if out != nil {
			s.logger.Debug().
				Str("rule_type", rule.Type()).
				Str("result_id", out.Id).
				Msg("Ignoring system rule result")
		}
	}
	return nil
}
