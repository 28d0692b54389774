package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// ErrUnknownRuleType is returned when no factory is registered for a type
var ErrUnknownRuleType = errors.New("unknown rule type")

// ConfigError describes a rule property that could not be used
type ConfigError struct {
	RuleType string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s rule: %s", e.RuleType, e.Reason)
	}
	return fmt.Sprintf("%s rule: %s: %s", e.RuleType, e.Field, e.Reason)
}

// Dependencies are the shared components rules may use
type Dependencies struct {
	Timeouts    domain.TimeoutScheduler
	Distributor domain.Distributor
}

// Factory builds a rule from its persisted properties
type Factory func(properties map[string]any, deps Dependencies) (domain.Rule, error)

// Registry maps rule type names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Dependencies
}

// NewRegistry creates a registry holding the built-in rule types
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		deps:      deps,
	}
	r.Register(ForwardType, NewForward)
	r.Register(GenerateType, NewGenerate)
	r.Register(GatherType, NewGather)
	r.Register(DistributionType, NewDistribution)
	return r
}

// Register adds or replaces the factory for ruleType
func (r *Registry) Register(ruleType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[ruleType] = factory
}

// Types returns the registered rule types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates a rule instance from spec
func (r *Registry) Build(spec proto.RuleSpec) (domain.Rule, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, spec.Type)
	}
	return factory(spec.Properties, r.deps)
}

// decodeProperties maps loosely typed properties onto a config struct
func decodeProperties(ruleType string, properties map[string]any, out any) error {
	if len(properties) == 0 {
		return nil
	}
	data, err := json.Marshal(properties)
	if err != nil {
		return &ConfigError{RuleType: ruleType, Reason: err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ConfigError{RuleType: ruleType, Reason: err.Error()}
	}
	return nil
}
