package router

import (
	"context"
	"errors"

	"github.com/nkkko/ruleflow/pkg/proto"
)

// ErrInboxFull is returned when the inbound event queue has no room
var ErrInboxFull = errors.New("event inbox full")

// Inbox is the bounded queue between event producers and Start
type Inbox struct {
	events chan *proto.Event
}

// NewInbox creates an inbox holding up to size events
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultConfig().MaxBufferSize
	}
	return &Inbox{events: make(chan *proto.Event, size)}
}

// Submit enqueues an event without waiting for room
func (i *Inbox) Submit(ctx context.Context, event *proto.Event) error {
	if event == nil {
		return errors.New("nil event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(event)

	select {
	case i.events <- event:
		return nil
	default:
		return ErrInboxFull
	}
}

// Events returns the channel Start consumes
func (i *Inbox) Events() <-chan *proto.Event {
	return i.events
}

// Len returns the number of queued events
func (i *Inbox) Len() int {
	return len(i.events)
}
