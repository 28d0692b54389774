package adaptor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/rpc"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Caller is the part of the rpc client the adaptor uses
type Caller interface {
	Execute(ctx context.Context, command string) (*rpc.ExecuteResult, error)
	Alert(ctx context.Context, code, message string) error
	Generate(ctx context.Context, algorithm string, files, args []string) error
}

// RPCAdaptor invokes a remote process. GENERATE maps to generate, ALERT to
// alert and COMMAND to execute.
type RPCAdaptor struct {
	name   string
	caller Caller
	logger zerolog.Logger
}

var _ domain.Adaptor = (*RPCAdaptor)(nil)

// NewRPCAdaptor creates an rpc adaptor
func NewRPCAdaptor(name string, caller Caller) *RPCAdaptor {
	return &RPCAdaptor{
		name:   name,
		caller: caller,
		logger: log.With().Str("component", "adaptor").Str("adaptor", name).Logger(),
	}
}

func (a *RPCAdaptor) Name() string { return a.name }
func (a *RPCAdaptor) Type() string { return TypeRPC }

// Handle starts the remote call and returns. Events it has no procedure
// for are refused synchronously.
func (a *RPCAdaptor) Handle(ctx context.Context, event *proto.Event, cb domain.Callback) error {
	call, err := a.procedure(event)
	if err != nil {
		return err
	}

	cb = once(cb)
	go func() {
		result, err := call(ctx)
		out := domain.Outcome{Adaptor: a.name, Event: event, Result: result}
		switch {
		case err == nil:
			out.Status = domain.OutcomeSuccess
		case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			out.Status = domain.OutcomeTimeout
			out.Err = err
		default:
			out.Status = domain.OutcomeError
			out.Err = err
		}
		cb(out)
	}()
	return nil
}

func (a *RPCAdaptor) procedure(event *proto.Event) (func(context.Context) (any, error), error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrUnsupported)
	}

	switch event.Type {
	case proto.EventType_GENERATE:
		if event.Generate == nil {
			return nil, fmt.Errorf("%w: generate event without body", ErrUnsupported)
		}
		g := event.Generate
		return func(ctx context.Context) (any, error) {
			return true, a.caller.Generate(ctx, g.Algorithm, g.Files, g.Arguments)
		}, nil

	case proto.EventType_ALERT:
		if event.Alert == nil {
			return nil, fmt.Errorf("%w: alert event without body", ErrUnsupported)
		}
		al := event.Alert
		return func(ctx context.Context) (any, error) {
			return true, a.caller.Alert(ctx, al.Code, al.Message)
		}, nil

	case proto.EventType_COMMAND:
		if event.Command == nil {
			return nil, fmt.Errorf("%w: command event without body", ErrUnsupported)
		}
		command := event.Command.Command
		return func(ctx context.Context) (any, error) {
			result, err := a.caller.Execute(ctx, command)
			if err != nil {
				return nil, err
			}
			return *result, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s event on rpc adaptor %q", ErrUnsupported, event.Type, a.name)
	}
}
