package timeout

import (
	"time"

	"github.com/nkkko/ruleflow/internal/domain"
)

// State is the lifecycle position of a task
type State int

const (
	StateScheduled State = iota
	StateFired
	StateCancelled
	StateUnregistered
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	case StateUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Listener receives the single terminal notification of a task
type Listener interface {
	TimeoutNotification(id uint64, rule domain.TimeoutRule, data any)
	CancelNotification(id uint64, rule domain.TimeoutRule, data any)
}

// Task is one scheduled timeout. All fields except the immutable ones are
// guarded by the owning manager's mutex.
type Task struct {
	ID       uint64
	Rule     domain.TimeoutRule
	Data     any
	Deadline time.Time

	state    State
	listener Listener
	timer    *time.Timer
}

func (t *Task) snapshot() domain.TimeoutTask {
	return domain.TimeoutTask{ID: t.ID, Rule: t.Rule, Data: t.Data}
}
