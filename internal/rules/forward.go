package rules

import (
	"context"
	"fmt"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// ForwardType is the registered name of the forward rule
const ForwardType = "forward"

// ForwardConfig selects the events passed through unchanged
type ForwardConfig struct {
	EventTypes []string `json:"event_types"`

	// All entries must be present with equal values
	Meta map[string]string `json:"meta"`

	// Overrides the destination of the forwarded event
	Destination string `json:"destination"`
}

// Forward passes matching events through to its recipients
type Forward struct {
	config ForwardConfig
	types  map[proto.EventType]struct{}
}

var _ domain.Rule = (*Forward)(nil)

// NewForward creates a forward rule
func NewForward(properties map[string]any, deps Dependencies) (domain.Rule, error) {
	var config ForwardConfig
	if err := decodeProperties(ForwardType, properties, &config); err != nil {
		return nil, err
	}

	types := make(map[proto.EventType]struct{}, len(config.EventTypes))
	for _, name := range config.EventTypes {
		t, err := proto.ParseEventType(name)
		if err != nil {
			return nil, &ConfigError{RuleType: ForwardType, Field: "event_types", Reason: err.Error()}
		}
		types[t] = struct{}{}
	}

	return &Forward{config: config, types: types}, nil
}

func (f *Forward) Type() string { return ForwardType }

// Valid requires at least one event type
func (f *Forward) Valid() bool { return len(f.types) > 0 }

// Handle returns a copy of the event when its type and meta match
func (f *Forward) Handle(ctx context.Context, event *proto.Event) (*proto.Event, error) {
	if event == nil {
		return nil, nil
	}
	if _, ok := f.types[event.Type]; !ok {
		return nil, nil
	}
	for k, v := range f.config.Meta {
		if event.MetaValue(k) != v {
			return nil, nil
		}
	}

	out := *event
	out.Meta = copyMeta(event.Meta)
	if f.config.Destination != "" {
		out.Destination = f.config.Destination
	}
	return &out, nil
}

func (f *Forward) String() string {
	return fmt.Sprintf("forward%v", f.config.EventTypes)
}
