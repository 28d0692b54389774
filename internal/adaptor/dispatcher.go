package adaptor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/internal/telemetry"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Dispatcher hands result events to the adaptors named as recipients and
// reports each outcome through logs, metrics and the outcome stream
type Dispatcher struct {
	directory *Directory
	publisher Publisher
	observer  atomic.Pointer[domain.Callback]
	logger    zerolog.Logger
}

var _ domain.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over directory. publisher may be nil.
func NewDispatcher(directory *Directory, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		directory: directory,
		publisher: publisher,
		logger:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// OnOutcome registers a callback invoked after every outcome is recorded,
// replacing any earlier one. It is safe to call while dispatching; nil
// removes the callback.
func (d *Dispatcher) OnOutcome(cb domain.Callback) {
	if cb == nil {
		d.observer.Store(nil)
		return
	}
	d.observer.Store(&cb)
}

// Dispatch resolves every recipient before dispatching to any of them, so
// an unknown name fails the whole dispatch synchronously. Adaptors that
// refuse the event are reported together; the others still run.
func (d *Dispatcher) Dispatch(ctx context.Context, event *proto.Event, recipients []string) error {
	adaptors := make([]domain.Adaptor, 0, len(recipients))
	for _, name := range recipients {
		a, err := d.directory.Get(name)
		if err != nil {
			return err
		}
		adaptors = append(adaptors, a)
	}

	var errs []error
	for _, a := range adaptors {
		if err := d.dispatchOne(ctx, a, event); err != nil {
			errs = append(errs, fmt.Errorf("adaptor %q: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a domain.Adaptor, event *proto.Event) error {
	m := metrics.GetMetrics()
	name := a.Name()

	spanCtx, span := telemetry.StartSpan(ctx, "adaptor.dispatch",
		append(telemetry.EventAttributes(event), attribute.String("adaptor.name", name))...)

	start := time.Now()
	err := a.Handle(spanCtx, event, func(out domain.Outcome) {
		elapsed := time.Since(start)
		m.AdaptorDispatchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		m.AdaptorDispatchTotal.WithLabelValues(name, out.Status.String()).Inc()
		telemetry.EndSpan(span, out.Err)

		d.logOutcome(name, out, elapsed)
		d.publish(name, event, out)

		if observer := d.observer.Load(); observer != nil {
			(*observer)(out)
		}
	})
	if err != nil {
		m.AdaptorDispatchTotal.WithLabelValues(name, "rejected").Inc()
		telemetry.EndSpan(span, err)
		return err
	}
	return nil
}

func (d *Dispatcher) logOutcome(name string, out domain.Outcome, elapsed time.Duration) {
	var e *zerolog.Event
	switch out.Status {
	case domain.OutcomeSuccess:
		e = d.logger.Debug()
	case domain.OutcomeTimeout:
		e = d.logger.Warn()
	default:
		e = d.logger.Error()
	}

	if out.Event != nil {
		e = e.Str("event_id", out.Event.Id).Str("event_type", out.Event.Type.String())
	}
	e.Err(out.Err).
		Str("adaptor", name).
		Str("outcome", out.Status.String()).
		Dur("elapsed", elapsed).
		Msg("Dispatch finished")
}

func (d *Dispatcher) publish(name string, event *proto.Event, out domain.Outcome) {
	if d.publisher == nil {
		return
	}

	n := &proto.Notification{
		Kind:    "outcome",
		Adaptor: name,
		Status:  out.Status.String(),
		Ts:      timestamppb.Now(),
	}
	if event != nil {
		n.EventId = event.Id
		n.EventType = event.Type
	}
	if out.Err != nil {
		n.Error = out.Err.Error()
	}

	if err := d.publisher.Publish(n); err != nil {
		d.logger.Debug().Err(err).Msg("Outcome not published")
	}
}
