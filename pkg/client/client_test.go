package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/ruleflow/internal/api"
	"github.com/nkkko/ruleflow/internal/api/models"
	"github.com/nkkko/ruleflow/internal/notifier"
	"github.com/nkkko/ruleflow/internal/router"
	"github.com/nkkko/ruleflow/internal/rules"
	"github.com/nkkko/ruleflow/internal/storage/memory"
	"github.com/nkkko/ruleflow/pkg/proto"
)

type testServer struct {
	client   *Client
	inbox    *router.Inbox
	notifier *notifier.Notifier
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.NewStore()
	r := router.NewRouter(nil)
	manager := router.NewManager(store, rules.NewRegistry(rules.Dependencies{}), r)
	inbox := router.NewInbox(4)

	n := notifier.NewNotifier(notifier.Config{BroadcastFlushInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))

	handler := api.NewAPI(api.Config{}, api.Dependencies{
		Events:  inbox,
		Routes:  store,
		Manager: manager,
		Loaded:  r,
		Stream:  n,
		Status: func() models.StatusResponse {
			return models.StatusResponse{Routes: len(r.Definitions()), Inbox: inbox.Len()}
		},
	}).Handler()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		n.Shutdown(context.Background())
		cancel()
	})

	return &testServer{client: New(server.URL + "/"), inbox: inbox, notifier: n}
}

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	require.NoError(t, ts.client.Health(context.Background()))
}

func TestSubmitEvent(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	accepted, err := ts.client.SubmitEvent(ctx, &proto.Event{
		Type: proto.EventType_DATA_ARRIVED,
		File: &proto.FileArrival{Path: "/data/a.h5"},
	})
	require.NoError(t, err)
	assert.True(t, accepted.Accepted)
	assert.NotEmpty(t, accepted.Id)
	assert.Equal(t, 1, ts.inbox.Len())

	_, err = ts.client.SubmitEvent(ctx, &proto.Event{Type: proto.EventType_DATA_ARRIVED})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "missing_file", apiErr.Code)
}

func TestRouteLifecycle(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	created, err := ts.client.CreateRoute(ctx, &models.CreateRouteRequest{
		Name:       "alerts",
		Recipients: []string{"north"},
		Rule: proto.RuleSpec{
			Type:       "forward",
			Properties: map[string]any{"event_types": []string{"ALERT"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "alerts", created.Name)
	assert.True(t, created.Active)
	assert.True(t, created.Loaded)

	routes, err := ts.client.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	replaced, err := ts.client.UpdateRoute(ctx, "alerts", &models.UpdateRouteRequest{
		Description: "arrivals",
		Recipients:  []string{"south"},
		Rule: proto.RuleSpec{
			Type:       "forward",
			Properties: map[string]any{"event_types": []string{"DATA_ARRIVED"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "arrivals", replaced.Description)
	assert.Equal(t, []string{"south"}, replaced.Recipients)

	updated, err := ts.client.SetActive(ctx, "alerts", false)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.False(t, updated.Loaded)

	status, err := ts.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Routes)

	require.NoError(t, ts.client.DeleteRoute(ctx, "alerts"))

	_, err = ts.client.GetRoute(ctx, "alerts")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSubscribe(t *testing.T) {
	ts := setupServer(t)

	sub, err := ts.client.Subscribe(context.Background(), "outcome")
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return ts.notifier.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ts.notifier.Publish(&proto.Notification{
		Kind:    "outcome",
		Adaptor: "north",
		EventId: "ev-1",
		Status:  "success",
	}))

	select {
	case n := <-sub.Notifications:
		require.NotNil(t, n)
		assert.Equal(t, "north", n.Adaptor)
		assert.Equal(t, "ev-1", n.EventId)
		assert.Equal(t, "success", n.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}
