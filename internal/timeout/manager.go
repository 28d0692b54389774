package timeout

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

var (
	// ErrClosed is returned by Register after Shutdown
	ErrClosed = errors.New("timeout manager is shut down")

	// ErrTooManyTasks is returned when MaxLiveTasks would be exceeded
	ErrTooManyTasks = errors.New("too many live timeout tasks")

	// ErrNilRule is returned when registering without a rule
	ErrNilRule = errors.New("timeout rule is nil")
)

// Sink receives result events produced by timeout-capable rules
type Sink interface {
	DeliverTimeoutResult(ctx context.Context, rule domain.TimeoutRule, event *proto.Event)
}

// Config contains timeout manager configuration
type Config struct {
	// Upper bound on concurrently scheduled tasks, 0 means unbounded
	MaxLiveTasks int
}

// DefaultConfig returns default timeout manager configuration
func DefaultConfig() Config {
	return Config{
		MaxLiveTasks: 10000,
	}
}

// Manager schedules single-fire, cancelable timeouts for rules. One mutex
// guards the id counter and the task table; listeners are always invoked
// outside of it.
type Manager struct {
	config Config

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*Task
	closed bool
	sink   Sink

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

var (
	_ domain.TimeoutScheduler = (*Manager)(nil)
	_ Listener                = (*Manager)(nil)
)

// NewManager creates a timeout manager. sink may be nil and set later with
// SetSink, which is how the composition root breaks the router cycle.
func NewManager(config Config, sink Sink) *Manager {
	if config.MaxLiveTasks < 0 {
		config.MaxLiveTasks = DefaultConfig().MaxLiveTasks
	}

	return &Manager{
		config:  config,
		tasks:   make(map[uint64]*Task),
		sink:    sink,
		logger:  log.With().Str("component", "timeout").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// SetSink replaces the destination of timeout result events
func (m *Manager) SetSink(sink Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Register schedules rule to be notified once after delay. It does not look
// for an existing task with equal data; use RegisterIfAbsent for that.
func (m *Manager) Register(rule domain.TimeoutRule, delay time.Duration, data any) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registerLocked(rule, delay, data)
}

// RegisterIfAbsent registers a task unless a live task already carries data.
// The lookup and the registration happen under one lock acquisition.
func (m *Manager) RegisterIfAbsent(rule domain.TimeoutRule, delay time.Duration, data any) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task := m.findLocked(data); task != nil {
		return task.ID, false, nil
	}

	id, err := m.registerLocked(rule, delay, data)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (m *Manager) registerLocked(rule domain.TimeoutRule, delay time.Duration, data any) (uint64, error) {
	if rule == nil {
		return 0, ErrNilRule
	}
	if m.closed {
		return 0, ErrClosed
	}
	if m.config.MaxLiveTasks > 0 && len(m.tasks) >= m.config.MaxLiveTasks {
		return 0, ErrTooManyTasks
	}
	if delay < 0 {
		delay = 0
	}

	m.nextID++
	id := m.nextID

	task := &Task{
		ID:       id,
		Rule:     rule,
		Data:     data,
		Deadline: time.Now().Add(delay),
		state:    StateScheduled,
		listener: m,
	}
	m.tasks[id] = task

	// fire blocks on m.mu until Register returns, so a zero delay cannot
	// observe the task before timer is assigned
	task.timer = time.AfterFunc(delay, func() { m.fire(id) })

	m.metrics.TimeoutsRegistered.Inc()
	m.metrics.TimeoutsLive.Set(float64(len(m.tasks)))

	m.logger.Debug().
		Uint64("task_id", id).
		Str("rule_type", rule.Type()).
		Dur("delay", delay).
		Interface("data", data).
		Msg("Registered timeout")

	return id, nil
}

// fire runs on the timer goroutine when a task's delay elapses
func (m *Manager) fire(id uint64) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.state != StateScheduled {
		// cancelled or unregistered while the timer was firing
		m.mu.Unlock()
		return
	}
	delete(m.tasks, id)
	task.state = StateFired
	m.metrics.TimeoutsLive.Set(float64(len(m.tasks)))
	m.mu.Unlock()

	m.metrics.TimeoutsFired.Inc()
	task.listener.TimeoutNotification(task.ID, task.Rule, task.Data)
}

// Cancel stops a live task and delivers its cancel notification. Unknown,
// fired and already removed ids are ignored.
func (m *Manager) Cancel(id uint64) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.tasks, id)
	task.state = StateCancelled
	task.timer.Stop()
	m.metrics.TimeoutsLive.Set(float64(len(m.tasks)))
	m.mu.Unlock()

	m.metrics.TimeoutsCancelled.Inc()
	m.logger.Debug().Uint64("task_id", id).Msg("Cancelled timeout")

	task.listener.CancelNotification(task.ID, task.Rule, task.Data)
}

// Unregister stops a live task without any notification
func (m *Manager) Unregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return
	}
	delete(m.tasks, id)
	task.state = StateUnregistered
	task.timer.Stop()

	m.metrics.TimeoutsUnregistered.Inc()
	m.metrics.TimeoutsLive.Set(float64(len(m.tasks)))
}

// UnregisterRule stops every live task owned by rule without notification
// and returns how many were stopped
func (m *Manager) UnregisterRule(rule domain.TimeoutRule) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, task := range m.tasks {
		if task.Rule != rule {
			continue
		}
		delete(m.tasks, id)
		task.state = StateUnregistered
		task.timer.Stop()
		n++
	}
	if n == 0 {
		return 0
	}

	m.metrics.TimeoutsUnregistered.Add(float64(n))
	m.metrics.TimeoutsLive.Set(float64(len(m.tasks)))
	m.logger.Debug().
		Str("rule_type", rule.Type()).
		Int("tasks", n).
		Msg("Unregistered timeouts of dropped rule")
	return n
}

// IsRegistered reports whether a live task carries data equal to data
func (m *Manager) IsRegistered(data any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.findLocked(data) != nil
}

// GetRegisteredTask returns the live task carrying data. When several match,
// the oldest one is returned.
func (m *Manager) GetRegisteredTask(data any) (domain.TimeoutTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := m.findLocked(data)
	if task == nil {
		return domain.TimeoutTask{}, false
	}
	return task.snapshot(), true
}

func (m *Manager) findLocked(data any) *Task {
	var found *Task
	for _, task := range m.tasks {
		if !reflect.DeepEqual(task.Data, data) {
			continue
		}
		if found == nil || task.ID < found.ID {
			found = task
		}
	}
	return found
}

// Len returns the number of live tasks
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown stops every timer. No notification is delivered afterwards and
// Register returns ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for id, task := range m.tasks {
		task.timer.Stop()
		task.state = StateUnregistered
		delete(m.tasks, id)
	}
	m.metrics.TimeoutsLive.Set(0)

	m.logger.Info().Msg("Timeout manager stopped")
	return nil
}

// TimeoutNotification asks the rule for its timeout result
func (m *Manager) TimeoutNotification(id uint64, rule domain.TimeoutRule, data any) {
	m.logger.Debug().
		Uint64("task_id", id).
		Str("rule_type", rule.Type()).
		Msg("Timeout expired")

	m.deliver(rule, rule.Timeout(id, domain.ReasonTimeout, data))
}

// CancelNotification asks the rule for its cancellation result
func (m *Manager) CancelNotification(id uint64, rule domain.TimeoutRule, data any) {
	m.deliver(rule, rule.Timeout(id, domain.ReasonCancelled, data))
}

func (m *Manager) deliver(rule domain.TimeoutRule, event *proto.Event) {
	if event == nil {
		return
	}

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink == nil {
		m.logger.Warn().
			Str("rule_type", rule.Type()).
			Str("event_id", event.Id).
			Msg("Dropping timeout result, no sink configured")
		return
	}

	sink.DeliverTimeoutResult(context.Background(), rule, event)
}
