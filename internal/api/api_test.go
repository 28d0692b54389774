package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/ruleflow/internal/api/models"
	"github.com/nkkko/ruleflow/internal/notifier"
	"github.com/nkkko/ruleflow/internal/router"
	"github.com/nkkko/ruleflow/internal/rules"
	"github.com/nkkko/ruleflow/internal/storage/memory"
	"github.com/nkkko/ruleflow/pkg/proto"
)

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

type testAPI struct {
	server   *httptest.Server
	inbox    *router.Inbox
	router   *router.Router
	manager  *router.Manager
	notifier *notifier.Notifier
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := memory.NewStore()
	r := router.NewRouter(nil)
	manager := router.NewManager(store, rules.NewRegistry(rules.Dependencies{}), r)
	inbox := router.NewInbox(2)

	n := notifier.NewNotifier(notifier.Config{BroadcastFlushInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))

	api := NewAPI(Config{}, Dependencies{
		Events:  inbox,
		Routes:  store,
		Manager: manager,
		Loaded:  r,
		Stream:  n,
		Status: func() models.StatusResponse {
			return models.StatusResponse{Routes: len(r.Definitions()), Inbox: inbox.Len()}
		},
	})

	server := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		server.Close()
		n.Shutdown(context.Background())
		cancel()
	})

	return &testAPI{server: server, inbox: inbox, router: r, manager: manager, notifier: n}
}

func (ta *testAPI) do(t *testing.T, method, path, body string) (*http.Response, envelope) {
	t.Helper()

	req, err := http.NewRequest(method, ta.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func forwardRoute(name string) string {
	return `{"name":"` + name + `","recipients":["north"],"rule":{"type":"forward","properties":{"event_types":["ALERT"]}}}`
}

func TestHealthAndMetrics(t *testing.T) {
	ta := setupTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ta.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestSubmitEvent(t *testing.T) {
	ta := setupTestAPI(t)

	body := `{"event":{"type":"DATA_ARRIVED","file":{"path":"/data/a.h5"},"meta":{"site":"north"}}}`
	resp, env := ta.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)

	var accepted proto.SubmitEventResponse
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.True(t, accepted.Accepted)
	assert.NotEmpty(t, accepted.Id)

	event := <-ta.inbox.Events()
	assert.Equal(t, accepted.Id, event.Id)
	assert.Equal(t, "/data/a.h5", event.File.Path)
	assert.Equal(t, "north", event.MetaValue("site"))
}

func TestSubmitEventValidation(t *testing.T) {
	ta := setupTestAPI(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty body", ``, "empty_request_body"},
		{"bad json", `{"event":`, "invalid_json"},
		{"unknown field", `{"evnt":{}}`, "invalid_json"},
		{"missing event", `{}`, "missing_event"},
		{"arrival without file", `{"event":{"type":"DATA_ARRIVED"}}`, "missing_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := ta.do(t, http.MethodPost, "/api/v1/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
	assert.Equal(t, 0, ta.inbox.Len())
}

func TestSubmitEventAcceptsUnrecognizedType(t *testing.T) {
	ta := setupTestAPI(t)

	resp, env := ta.do(t, http.MethodPost, "/api/v1/events", `{"event":{"type":"RADAR_QC_DONE"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, env.Success)
	require.Equal(t, 1, ta.inbox.Len())

	event := <-ta.inbox.Events()
	assert.Equal(t, proto.EventType_UNKNOWN, event.Type)
	assert.NotEmpty(t, event.Id)
}

func TestSubmitEventInboxFull(t *testing.T) {
	ta := setupTestAPI(t)

	body := `{"event":{"type":"ALERT","alert":{"code":"disk","message":"full"}}}`
	for i := 0; i < 2; i++ {
		resp, _ := ta.do(t, http.MethodPost, "/api/v1/events", body)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, env := ta.do(t, http.MethodPost, "/api/v1/events", body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "inbox_full", env.Error.Code)
}

func TestSubmitEventBodyLimit(t *testing.T) {
	store := memory.NewStore()
	api := NewAPI(Config{MaxBodyBytes: 64}, Dependencies{Events: router.NewInbox(1), Routes: store})

	body := `{"event":{"type":"ALERT","alert":{"code":"disk","message":"` + strings.Repeat("x", 128) + `"}}}`
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request_too_large")
}

func TestRouteLifecycle(t *testing.T) {
	ta := setupTestAPI(t)

	resp, env := ta.do(t, http.MethodPost, "/api/v1/routes", forwardRoute("alerts"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(env.Data))

	var created models.RouteResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "alerts", created.Name)
	assert.True(t, created.Active)
	assert.True(t, created.Loaded)

	resp, env = ta.do(t, http.MethodPost, "/api/v1/routes", forwardRoute("alerts"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_route", env.Error.Code)

	resp, env = ta.do(t, http.MethodGet, "/api/v1/routes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.RoutesResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 1, list.Count)

	resp, env = ta.do(t, http.MethodPut, "/api/v1/routes/alerts/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var toggled models.RouteResponse
	require.NoError(t, json.Unmarshal(env.Data, &toggled))
	assert.False(t, toggled.Active)

	def, ok := ta.router.Definition("alerts")
	require.True(t, ok)
	assert.False(t, def.Active)

	resp, _ = ta.do(t, http.MethodDelete, "/api/v1/routes/alerts", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, env = ta.do(t, http.MethodGet, "/api/v1/routes/alerts", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "route_not_found", env.Error.Code)
}

func TestUpdateRoute(t *testing.T) {
	ta := setupTestAPI(t)

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/routes", forwardRoute("alerts"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := `{"description":"arrivals","recipients":["south"],"rule":{"type":"forward","properties":{"event_types":["DATA_ARRIVED"]}}}`
	resp, env := ta.do(t, http.MethodPut, "/api/v1/routes/alerts", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(env.Data))

	var updated models.RouteResponse
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "alerts", updated.Name)
	assert.Equal(t, "arrivals", updated.Description)
	assert.True(t, updated.Active)
	assert.Equal(t, []any{"DATA_ARRIVED"}, updated.Rule.Properties["event_types"])

	def, ok := ta.router.Definition("alerts")
	require.True(t, ok)
	assert.Equal(t, []string{"south"}, def.Recipients)

	resp, env = ta.do(t, http.MethodPut, "/api/v1/routes/alerts", `{"rule":{"type":"forward"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_route", env.Error.Code)

	def, ok = ta.router.Definition("alerts")
	require.True(t, ok)
	assert.Equal(t, []string{"south"}, def.Recipients)

	resp, env = ta.do(t, http.MethodPut, "/api/v1/routes/missing", body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "route_not_found", env.Error.Code)
}

func TestCreateRouteRejectsInvalidRule(t *testing.T) {
	ta := setupTestAPI(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing name", `{"rule":{"type":"forward"}}`, "required_field_missing"},
		{"missing rule type", `{"name":"x"}`, "required_field_missing"},
		{"unknown rule type", `{"name":"x","rule":{"type":"teleport"}}`, "invalid_route"},
		{"invalid rule", `{"name":"x","rule":{"type":"forward"}}`, "invalid_route"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := ta.do(t, http.MethodPost, "/api/v1/routes", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
	assert.Empty(t, ta.router.Definitions())
}

func TestStatus(t *testing.T) {
	ta := setupTestAPI(t)

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/routes", forwardRoute("alerts"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := ta.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, 1, status.Routes)
}

func TestOutcomeStreamOverWebSocket(t *testing.T) {
	ta := setupTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws?kind=outcome"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ta.notifier.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ta.notifier.Publish(&proto.Notification{Kind: "outcome", Adaptor: "north", Status: "success"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var n struct {
			Kind    string `json:"kind"`
			Adaptor string `json:"adaptor"`
		}
		require.NoError(t, json.Unmarshal(data, &n))
		if n.Kind == "heartbeat" {
			continue
		}
		assert.Equal(t, "outcome", n.Kind)
		assert.Equal(t, "north", n.Adaptor)
		return
	}
}
