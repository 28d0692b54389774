package adaptor

import (
	"context"
	"fmt"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Publisher accepts notifications for the outcome stream
type Publisher interface {
	Publish(n *proto.Notification) error
}

// NotifierAdaptor publishes result events on the outcome stream. Success
// means the event was enqueued, not that any client received it.
type NotifierAdaptor struct {
	name      string
	publisher Publisher
}

var _ domain.Adaptor = (*NotifierAdaptor)(nil)

// NewNotifierAdaptor creates a notifier adaptor
func NewNotifierAdaptor(name string, publisher Publisher) *NotifierAdaptor {
	return &NotifierAdaptor{name: name, publisher: publisher}
}

func (a *NotifierAdaptor) Name() string { return a.name }
func (a *NotifierAdaptor) Type() string { return TypeNotifier }

func (a *NotifierAdaptor) Handle(ctx context.Context, event *proto.Event, cb domain.Callback) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrUnsupported)
	}

	cb = once(cb)
	go func() {
		err := a.publisher.Publish(&proto.Notification{
			Kind:      "event",
			Adaptor:   a.name,
			EventId:   event.Id,
			EventType: event.Type,
			Event:     event,
		})
		if err != nil {
			cb(domain.Outcome{Status: domain.OutcomeError, Adaptor: a.name, Event: event, Err: err})
			return
		}
		cb(domain.Outcome{Status: domain.OutcomeSuccess, Adaptor: a.name, Event: event})
	}()
	return nil
}
