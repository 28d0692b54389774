package domain

import (
	"context"
	"time"

	"github.com/nkkko/ruleflow/pkg/proto"
)

// Rule decides, per event, whether a result event should be emitted
type Rule interface {
	// Type returns the registered rule type
	Type() string

	// Valid reports whether the rule is fully configured
	Valid() bool

	// Handle evaluates one event. It must return promptly; waiting for more
	// data is expressed by registering a timeout, never by blocking.
	Handle(ctx context.Context, event *proto.Event) (*proto.Event, error)
}

// TimeoutReason tells a timeout-capable rule why its timeout ended
type TimeoutReason int

const (
	// ReasonTimeout means the delay elapsed
	ReasonTimeout TimeoutReason = iota

	// ReasonCancelled means the task was cancelled before its delay elapsed
	ReasonCancelled
)

// String returns the reason name
func (r TimeoutReason) String() string {
	switch r {
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// TimeoutRule is a rule that registers timeouts and is told when they end
type TimeoutRule interface {
	Rule

	// Timeout is invoked exactly once per registered task, on expiry or on
	// cancellation. A non-nil result is dispatched like a synchronous one.
	Timeout(id uint64, reason TimeoutReason, data any) *proto.Event
}

// TimeoutScheduler is the part of the timeout manager rules depend on
type TimeoutScheduler interface {
	Register(rule TimeoutRule, delay time.Duration, data any) (uint64, error)
	RegisterIfAbsent(rule TimeoutRule, delay time.Duration, data any) (uint64, bool, error)
	Cancel(id uint64)
	Unregister(id uint64)
	IsRegistered(data any) bool
	GetRegisteredTask(data any) (TimeoutTask, bool)
}

// TimeoutTask is a snapshot of a live timeout task
type TimeoutTask struct {
	ID   uint64
	Rule TimeoutRule
	Data any
}

// Distributor accepts file distribution jobs
type Distributor interface {
	Submit(job DistributionJob) error
}

// DistributionJob transfers one source file to one destination entry
type DistributionJob struct {
	Source      string
	Destination string
	Entry       string
}

// OutcomeStatus tags an adaptor outcome
type OutcomeStatus int

const (
	OutcomeSuccess OutcomeStatus = iota
	OutcomeError
	OutcomeTimeout
)

// String returns the status name
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is the single result reported for one adaptor dispatch
type Outcome struct {
	Status  OutcomeStatus
	Adaptor string
	Event   *proto.Event
	Result  any
	Err     error
}

// Callback receives the outcome of an asynchronous dispatch. It is invoked
// exactly once, on a goroutine the caller does not control.
type Callback func(Outcome)

// Adaptor is a named asynchronous transport
type Adaptor interface {
	// Name returns the unique adaptor name
	Name() string

	// Type returns the adaptor type
	Type() string

	// Handle starts delivering the event and returns immediately. A non-nil
	// error means nothing was started and the callback will never run.
	Handle(ctx context.Context, event *proto.Event, cb Callback) error
}

// Dispatcher delivers result events to named recipients
type Dispatcher interface {
	Dispatch(ctx context.Context, event *proto.Event, recipients []string) error
}

// RouteStore persists route definitions keyed by integer id
type RouteStore interface {
	// List returns all records in configuration (id) order
	List(ctx context.Context) ([]*proto.RouteRecord, error)

	Get(ctx context.Context, id int64) (*proto.RouteRecord, error)
	GetByName(ctx context.Context, name string) (*proto.RouteRecord, error)

	// Create assigns a new id and stores the record
	Create(ctx context.Context, record *proto.RouteRecord) (*proto.RouteRecord, error)
	Update(ctx context.Context, record *proto.RouteRecord) error
	Delete(ctx context.Context, id int64) error

	Close() error
}
