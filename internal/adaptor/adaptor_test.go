package adaptor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/internal/rpc"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// outcomes collects callback invocations
type outcomes struct {
	mu  sync.Mutex
	got []domain.Outcome
	ch  chan domain.Outcome
}

func newOutcomes() *outcomes {
	return &outcomes{ch: make(chan domain.Outcome, 16)}
}

func (o *outcomes) callback(out domain.Outcome) {
	o.mu.Lock()
	o.got = append(o.got, out)
	o.mu.Unlock()
	o.ch <- out
}

func (o *outcomes) wait(t *testing.T, timeout time.Duration) domain.Outcome {
	t.Helper()
	select {
	case out := <-o.ch:
		return out
	case <-time.After(timeout):
		t.Fatal("no outcome delivered")
		return domain.Outcome{}
	}
}

func (o *outcomes) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

// fakeCaller stands in for the rpc client
type fakeCaller struct {
	err    error
	result *rpc.ExecuteResult
	calls  atomic.Int32
}

func (c *fakeCaller) Execute(ctx context.Context, command string) (*rpc.ExecuteResult, error) {
	c.calls.Add(1)
	return c.result, c.err
}

func (c *fakeCaller) Alert(ctx context.Context, code, message string) error {
	c.calls.Add(1)
	return c.err
}

func (c *fakeCaller) Generate(ctx context.Context, algorithm string, files, args []string) error {
	c.calls.Add(1)
	return c.err
}

// fakeAdaptor reports a fixed outcome
type fakeAdaptor struct {
	name   string
	err    error
	status domain.OutcomeStatus
	calls  atomic.Int32
}

func (a *fakeAdaptor) Name() string { return a.name }
func (a *fakeAdaptor) Type() string { return "fake" }

func (a *fakeAdaptor) Handle(ctx context.Context, event *proto.Event, cb domain.Callback) error {
	a.calls.Add(1)
	if a.err != nil {
		return a.err
	}
	go cb(domain.Outcome{Status: a.status, Adaptor: a.name, Event: event})
	return nil
}

// fakePublisher records notifications
type fakePublisher struct {
	mu    sync.Mutex
	items []*proto.Notification
	err   error
}

func (p *fakePublisher) Publish(n *proto.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.items = append(p.items, n)
	return nil
}

func (p *fakePublisher) Items() []*proto.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*proto.Notification(nil), p.items...)
}

func generateEvent() *proto.Event {
	return &proto.Event{
		Id:       "ev-1",
		Type:     proto.EventType_GENERATE,
		Generate: &proto.GenerateRequest{Algorithm: "composite", Files: []string{"/d/a.h5"}},
	}
}

func TestOnceDeliversFirstOutcomeOnly(t *testing.T) {
	var calls atomic.Int32
	cb := once(func(domain.Outcome) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb(domain.Outcome{Status: domain.OutcomeSuccess})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestRPCAdaptorOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status domain.OutcomeStatus
	}{
		{"success", nil, domain.OutcomeSuccess},
		{"remote error", &rpc.Error{Code: rpc.CodeServerError, Message: "boom"}, domain.OutcomeError},
		{"transport error", errors.New("connection refused"), domain.OutcomeError},
		{"timeout", rpc.ErrTimeout, domain.OutcomeTimeout},
		{"deadline", context.DeadlineExceeded, domain.OutcomeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewRPCAdaptor("generator", &fakeCaller{err: tt.err})
			o := newOutcomes()

			require.NoError(t, a.Handle(context.Background(), generateEvent(), o.callback))
			out := o.wait(t, time.Second)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, "generator", out.Adaptor)
			assert.Equal(t, "ev-1", out.Event.Id)
			if tt.err != nil {
				assert.ErrorIs(t, out.Err, tt.err)
			}
		})
	}
}

func TestRPCAdaptorExecuteResult(t *testing.T) {
	a := NewRPCAdaptor("shell", &fakeCaller{result: &rpc.ExecuteResult{ExitCode: 0, Stdout: "ok"}})
	o := newOutcomes()

	event := &proto.Event{Id: "c1", Type: proto.EventType_COMMAND, Command: &proto.Command{Command: "ls"}}
	require.NoError(t, a.Handle(context.Background(), event, o.callback))

	out := o.wait(t, time.Second)
	assert.Equal(t, domain.OutcomeSuccess, out.Status)
	assert.Equal(t, rpc.ExecuteResult{ExitCode: 0, Stdout: "ok"}, out.Result)
}

func TestRPCAdaptorUnsupported(t *testing.T) {
	caller := &fakeCaller{}
	a := NewRPCAdaptor("generator", caller)
	o := newOutcomes()

	for _, event := range []*proto.Event{
		{Type: proto.EventType_DATA_ARRIVED, File: &proto.FileArrival{Path: "/x"}},
		{Type: proto.EventType_GENERATE},
		{Type: proto.EventType(99)},
		nil,
	} {
		err := a.Handle(context.Background(), event, o.callback)
		assert.ErrorIs(t, err, ErrUnsupported)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, o.count(), "refused dispatches never call back")
	assert.Equal(t, int32(0), caller.calls.Load())
}

func TestRPCAdaptorUnreachableEndpointTimesOut(t *testing.T) {
	// Accepts connections but never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client := rpc.NewClient(rpc.ClientConfig{URL: "http://" + ln.Addr().String() + "/RPC2", Timeout: time.Second})
	a := NewRPCAdaptor("generator", client)
	o := newOutcomes()

	start := time.Now()
	require.NoError(t, a.Handle(context.Background(), generateEvent(), o.callback))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Handle returns immediately")

	out := o.wait(t, 5*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, domain.OutcomeTimeout, out.Status)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, o.count(), "exactly one outcome")
}

func TestFanout(t *testing.T) {
	north := &fakeAdaptor{name: "north"}
	south := &fakeAdaptor{name: "south"}
	f := NewFanout("partners", north, south)
	o := newOutcomes()

	event := generateEvent()
	event.Destination = "south"
	require.NoError(t, f.Handle(context.Background(), event, o.callback))
	out := o.wait(t, time.Second)
	assert.Equal(t, "south", out.Adaptor)
	assert.Equal(t, int32(0), north.calls.Load())

	event.Destination = ""
	assert.ErrorIs(t, f.Handle(context.Background(), event, o.callback), ErrUnsupported)

	event.Destination = "west"
	assert.ErrorIs(t, f.Handle(context.Background(), event, o.callback), ErrUnknownAdaptor)
}

func TestNotifierAdaptor(t *testing.T) {
	pub := &fakePublisher{}
	a := NewNotifierAdaptor("stream", pub)
	o := newOutcomes()

	require.NoError(t, a.Handle(context.Background(), generateEvent(), o.callback))
	out := o.wait(t, time.Second)
	assert.Equal(t, domain.OutcomeSuccess, out.Status)

	items := pub.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "event", items[0].Kind)
	assert.Equal(t, "ev-1", items[0].Event.Id)

	pub.mu.Lock()
	pub.err = errors.New("closed")
	pub.mu.Unlock()
	require.NoError(t, a.Handle(context.Background(), generateEvent(), o.callback))
	assert.Equal(t, domain.OutcomeError, o.wait(t, time.Second).Status)
}

func TestDirectory(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register(&fakeAdaptor{name: "b"}))
	require.NoError(t, d.Register(&fakeAdaptor{name: "a"}))
	assert.ErrorIs(t, d.Register(&fakeAdaptor{name: "a"}), ErrDuplicateAdaptor)
	assert.Equal(t, []string{"a", "b"}, d.Names())

	_, err := d.Get("c")
	assert.ErrorIs(t, err, ErrUnknownAdaptor)
}

func TestBuild(t *testing.T) {
	d, err := Build([]Config{
		{Name: "partners", Type: TypeFanout, Targets: []string{"north", "stream"}},
		{Name: "north", Type: TypeRPC, URL: "http://north:8090/RPC2", Timeout: time.Second},
		{Name: "stream", Type: TypeNotifier},
	}, &fakePublisher{})
	require.NoError(t, err)
	assert.Equal(t, []string{"north", "partners", "stream"}, d.Names())

	a, err := d.Get("partners")
	require.NoError(t, err)
	assert.Equal(t, TypeFanout, a.Type())

	_, err = Build([]Config{{Name: "x", Type: "carrier-pigeon"}}, nil)
	assert.Error(t, err)

	_, err = Build([]Config{{Name: "x", Type: TypeRPC}}, nil)
	assert.Error(t, err, "rpc needs a url")

	_, err = Build([]Config{{Name: "s", Type: TypeNotifier}}, nil)
	assert.Error(t, err, "notifier needs a publisher")

	_, err = Build([]Config{{Name: "f", Type: TypeFanout, Targets: []string{"missing"}}}, nil)
	assert.ErrorIs(t, err, ErrUnknownAdaptor)
}

func TestDispatcherResolvesAllRecipientsFirst(t *testing.T) {
	d := NewDirectory()
	known := &fakeAdaptor{name: "known"}
	require.NoError(t, d.Register(known))

	dispatcher := NewDispatcher(d, nil)
	err := dispatcher.Dispatch(context.Background(), generateEvent(), []string{"known", "unknown"})
	assert.ErrorIs(t, err, ErrUnknownAdaptor)
	assert.Equal(t, int32(0), known.calls.Load(), "nothing dispatched")
}

func TestDispatcherReportsOutcomes(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register(&fakeAdaptor{name: "ok", status: domain.OutcomeSuccess}))
	require.NoError(t, d.Register(&fakeAdaptor{name: "slow", status: domain.OutcomeTimeout}))
	require.NoError(t, d.Register(&fakeAdaptor{name: "picky", err: ErrUnsupported}))

	pub := &fakePublisher{}
	dispatcher := NewDispatcher(d, pub)
	o := newOutcomes()
	dispatcher.OnOutcome(o.callback)

	err := dispatcher.Dispatch(context.Background(), generateEvent(), []string{"ok", "slow", "picky"})
	assert.ErrorIs(t, err, ErrUnsupported, "refusals are reported")

	seen := map[string]domain.OutcomeStatus{}
	for i := 0; i < 2; i++ {
		out := o.wait(t, time.Second)
		seen[out.Adaptor] = out.Status
	}
	assert.Equal(t, map[string]domain.OutcomeStatus{
		"ok":   domain.OutcomeSuccess,
		"slow": domain.OutcomeTimeout,
	}, seen)

	require.Eventually(t, func() bool { return len(pub.Items()) == 2 }, time.Second, 5*time.Millisecond)
	for _, n := range pub.Items() {
		assert.Equal(t, "outcome", n.Kind)
		assert.Equal(t, "ev-1", n.EventId)
		assert.Equal(t, proto.EventType_GENERATE, n.EventType)
	}
}

func TestDispatcherOnOutcomeWhileDispatching(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register(&fakeAdaptor{name: "ok", status: domain.OutcomeSuccess}))
	dispatcher := NewDispatcher(d, nil)

	var first, second atomic.Int32
	dispatcher.OnOutcome(func(domain.Outcome) { first.Add(1) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, dispatcher.Dispatch(context.Background(), generateEvent(), []string{"ok"}))
		}
	}()
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			dispatcher.OnOutcome(func(domain.Outcome) { second.Add(1) })
		} else {
			dispatcher.OnOutcome(nil)
		}
	}
	wg.Wait()

	dispatcher.OnOutcome(func(domain.Outcome) { second.Add(1) })
	before := second.Load()
	require.NoError(t, dispatcher.Dispatch(context.Background(), generateEvent(), []string{"ok"}))
	assert.Eventually(t, func() bool { return second.Load() > before }, time.Second, 5*time.Millisecond)
}
