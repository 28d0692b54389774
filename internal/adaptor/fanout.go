package adaptor

import (
	"context"
	"fmt"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Fanout puts several named adaptors behind one name and forwards each
// event to the one named by the event's destination
type Fanout struct {
	name    string
	targets map[string]domain.Adaptor
}

var _ domain.Adaptor = (*Fanout)(nil)

// NewFanout creates a fanout adaptor over targets
func NewFanout(name string, targets ...domain.Adaptor) *Fanout {
	f := &Fanout{name: name, targets: make(map[string]domain.Adaptor, len(targets))}
	for _, t := range targets {
		f.targets[t.Name()] = t
	}
	return f
}

func (f *Fanout) Name() string { return f.name }
func (f *Fanout) Type() string { return TypeFanout }

func (f *Fanout) Handle(ctx context.Context, event *proto.Event, cb domain.Callback) error {
	if event == nil || event.Destination == "" {
		return fmt.Errorf("%w: fanout adaptor %q needs an event destination", ErrUnsupported, f.name)
	}

	target, ok := f.targets[event.Destination]
	if !ok {
		return fmt.Errorf("%w: %q behind fanout %q", ErrUnknownAdaptor, event.Destination, f.name)
	}
	return target.Handle(ctx, event, cb)
}
