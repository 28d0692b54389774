package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

func init() {
	var mu sync.Mutex
	var counter int
	generateID = func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("test-event-id-%d", counter)
	}
}

// fakeRule returns a fixed result or error and counts invocations
type fakeRule struct {
	mu     sync.Mutex
	kind   string
	valid  bool
	result *proto.Event
	err    error
	calls  int
}

func newFakeRule(result *proto.Event, err error) *fakeRule {
	return &fakeRule{kind: "fake", valid: true, result: result, err: err}
}

func (f *fakeRule) Type() string { return f.kind }
func (f *fakeRule) Valid() bool  { return f.valid }

func (f *fakeRule) Handle(ctx context.Context, event *proto.Event) (*proto.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeRule) Timeout(id uint64, reason domain.TimeoutReason, data any) *proto.Event {
	return nil
}

func (f *fakeRule) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type dispatchCall struct {
	event      *proto.Event
	recipients []string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, event *proto.Event, recipients []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{event: event, recipients: recipients})
	return d.err
}

func (d *fakeDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

func testEvent(t proto.EventType) *proto.Event {
	return &proto.Event{Id: "ev-1", Type: t}
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(nil)
	assert.Equal(t, DefaultConfig(), router.Config())
	assert.Empty(t, router.Definitions())

	router = NewRouter(nil, Config{MaxBufferSize: 7})
	assert.Equal(t, 7, router.Config().MaxBufferSize)
}

func TestSetDefinitionsRejectsInvalid(t *testing.T) {
	router := NewRouter(nil)
	good := &Definition{Name: "good", Active: true, Rule: newFakeRule(nil, nil)}
	invalid := newFakeRule(nil, nil)
	invalid.valid = false

	tests := []struct {
		name string
		defs []*Definition
	}{
		{"nil definition", []*Definition{nil}},
		{"no rule", []*Definition{{Name: "a", Active: true}}},
		{"empty name", []*Definition{{Rule: newFakeRule(nil, nil)}}},
		{"invalid rule", []*Definition{{Name: "a", Rule: invalid}}},
		{"duplicate name", []*Definition{good, {Name: "good", Rule: newFakeRule(nil, nil)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := router.SetDefinitions(tt.defs)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}

	// failed loads leave the effective set untouched
	require.NoError(t, router.SetDefinitions([]*Definition{good}))
	assert.Error(t, router.SetDefinitions([]*Definition{{Name: "x"}}))
	assert.Len(t, router.Definitions(), 1)
}

func TestEvaluateSkipsInactive(t *testing.T) {
	router := NewRouter(nil)
	inactive := newFakeRule(testEvent(proto.EventType_GENERATE), nil)
	active := newFakeRule(testEvent(proto.EventType_ALERT), nil)

	require.NoError(t, router.SetDefinitions([]*Definition{
		{Name: "off", Active: false, Rule: inactive, Recipients: []string{"a"}},
		{Name: "on", Active: true, Rule: active, Recipients: []string{"b", "c"}},
	}))

	results, err := router.Evaluate(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	require.NoError(t, err)

	assert.Equal(t, 0, inactive.Calls(), "inactive rule must not be invoked")
	assert.Equal(t, 1, active.Calls())
	require.Len(t, results, 1)
	assert.Equal(t, "on", results[0].Route)
	assert.Equal(t, []string{"b", "c"}, results[0].Recipients)
	assert.Equal(t, proto.EventType_ALERT, results[0].Event.Type)
}

func TestEvaluatePreservesOrder(t *testing.T) {
	router := NewRouter(nil)
	var defs []*Definition
	for i := 0; i < 5; i++ {
		defs = append(defs, &Definition{
			Name:   fmt.Sprintf("r%d", i),
			Active: true,
			Rule:   newFakeRule(&proto.Event{Id: fmt.Sprintf("out-%d", i)}, nil),
		})
	}
	require.NoError(t, router.SetDefinitions(defs))

	results, err := router.Evaluate(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("r%d", i), res.Route)
	}
}

func TestEvaluateNilEvent(t *testing.T) {
	router := NewRouter(nil)
	results, err := router.Evaluate(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestEvaluateRecoverableFaultContinues(t *testing.T) {
	router := NewRouter(nil)
	failing := newFakeRule(nil, errors.New("bad input"))
	after := newFakeRule(testEvent(proto.EventType_ALERT), nil)

	require.NoError(t, router.SetDefinitions([]*Definition{
		{Name: "failing", Active: true, Rule: failing},
		{Name: "after", Active: true, Rule: after},
	}))

	results, err := router.Evaluate(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	require.NoError(t, err)
	assert.Equal(t, 1, after.Calls())
	assert.Len(t, results, 1)
}

func TestEvaluateUnrecoverableAborts(t *testing.T) {
	router := NewRouter(nil)
	fatal := newFakeRule(nil, fmt.Errorf("out of memory: %w", ErrUnrecoverable))
	after := newFakeRule(testEvent(proto.EventType_ALERT), nil)

	require.NoError(t, router.SetDefinitions([]*Definition{
		{Name: "fatal", Active: true, Rule: fatal},
		{Name: "after", Active: true, Rule: after},
	}))

	_, err := router.Evaluate(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	assert.ErrorIs(t, err, ErrUnrecoverable)
	assert.Equal(t, 0, after.Calls())
}

func TestSystemRouteIsolatesFaults(t *testing.T) {
	first := newFakeRule(nil, errors.New("recoverable"))
	second := newFakeRule(testEvent(proto.EventType_ALERT), nil)
	third := newFakeRule(nil, nil)

	system := NewSystemRoute(first, second, third)
	err := system.Handle(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))

	require.NoError(t, err)
	assert.Equal(t, 1, first.Calls())
	assert.Equal(t, 1, second.Calls())
	assert.Equal(t, 1, third.Calls())
}

func TestSystemRouteUnrecoverableStops(t *testing.T) {
	first := newFakeRule(nil, fmt.Errorf("exhausted: %w", ErrUnrecoverable))
	second := newFakeRule(nil, nil)

	system := NewSystemRoute(first)
	require.NoError(t, system.Add(second))
	assert.Equal(t, 2, system.Len())
	assert.ErrorIs(t, system.Add(nil), ErrInvalidDefinition)

	err := system.Handle(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	assert.ErrorIs(t, err, ErrUnrecoverable)
	assert.Equal(t, 0, second.Calls())

	// the router aborts the pass before regular definitions
	router := NewRouter(nil)
	regular := newFakeRule(nil, nil)
	require.NoError(t, router.SetDefinitions([]*Definition{{Name: "r", Active: true, Rule: regular}}))
	router.SetSystemRoute(system)

	_, err = router.Evaluate(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	assert.ErrorIs(t, err, ErrUnrecoverable)
	assert.Equal(t, 0, regular.Calls())
}

func TestStartDispatchesResults(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	router := NewRouter(dispatcher)

	require.NoError(t, router.SetDefinitions([]*Definition{
		{Name: "gen", Active: true, Rule: newFakeRule(&proto.Event{Type: proto.EventType_GENERATE}, nil), Recipients: []string{"rpc"}},
		{Name: "silent", Active: true, Rule: newFakeRule(&proto.Event{Type: proto.EventType_ALERT}, nil)},
	}))

	events := make(chan *proto.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- router.Start(context.Background(), events)
	}()

	events <- &proto.Event{Type: proto.EventType_DATA_ARRIVED}
	close(events)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop after channel close")
	}

	calls := dispatcher.Calls()
	require.Len(t, calls, 1, "results without recipients are not dispatched")
	assert.Equal(t, []string{"rpc"}, calls[0].recipients)
	assert.Equal(t, proto.EventType_GENERATE, calls[0].event.Type)
	assert.Contains(t, calls[0].event.Id, "test-event-id")
	assert.NotNil(t, calls[0].event.Ts)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	router := NewRouter(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- router.Start(ctx, make(chan *proto.Event))
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("router did not stop on cancel")
	}
}

func TestProcessLogsDispatchError(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("unknown adaptor")}
	router := NewRouter(dispatcher)
	require.NoError(t, router.SetDefinitions([]*Definition{
		{Name: "r", Active: true, Rule: newFakeRule(&proto.Event{Id: "out"}, nil), Recipients: []string{"missing"}},
	}))

	assert.NotPanics(t, func() {
		router.Process(context.Background(), testEvent(proto.EventType_DATA_ARRIVED))
	})
	assert.Len(t, dispatcher.Calls(), 1)
}

func TestDeliverTimeoutResult(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	router := NewRouter(dispatcher)

	owned := newFakeRule(nil, nil)
	stranger := newFakeRule(nil, nil)
	paused := newFakeRule(nil, nil)

	require.NoError(t, router.SetDefinitions([]*Definition{
		{Name: "gather", Active: true, Rule: owned, Recipients: []string{"rpc", "stream"}},
		{Name: "paused", Active: false, Rule: paused, Recipients: []string{"rpc"}},
	}))

	router.DeliverTimeoutResult(context.Background(), owned, &proto.Event{Id: "late"})
	router.DeliverTimeoutResult(context.Background(), stranger, &proto.Event{Id: "orphan"})
	router.DeliverTimeoutResult(context.Background(), paused, &proto.Event{Id: "paused"})
	router.DeliverTimeoutResult(context.Background(), owned, nil)

	calls := dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "late", calls[0].event.Id)
	assert.Equal(t, []string{"rpc", "stream"}, calls[0].recipients)
}

type valueRule struct{ tags []string }

func (v valueRule) Type() string { return "value" }
func (v valueRule) Valid() bool  { return true }
func (v valueRule) Handle(ctx context.Context, event *proto.Event) (*proto.Event, error) {
	return nil, nil
}

func TestSameRuleNonComparable(t *testing.T) {
	a := valueRule{tags: []string{"x"}}
	assert.NotPanics(t, func() {
		assert.False(t, sameRule(a, a))
	})
	r := newFakeRule(nil, nil)
	assert.True(t, sameRule(r, r))
	assert.False(t, sameRule(r, newFakeRule(nil, nil)))
	assert.False(t, sameRule(nil, r))
}
