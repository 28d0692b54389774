// Package client is a Go client for the ruleflow HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nkkko/ruleflow/internal/api/models"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Error is an error reported by the API
type Error struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

// Client is an HTTP client for the ruleflow API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a client for the API at baseURL, e.g. http://localhost:8080
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// SubmitEvent queues an event for evaluation. The returned id is the one
// the engine assigned when the event had none.
func (c *Client) SubmitEvent(ctx context.Context, event *proto.Event) (*proto.SubmitEventResponse, error) {
	var out proto.SubmitEventResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", &proto.SubmitEventRequest{Event: event}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRoutes returns the stored routes
func (c *Client) ListRoutes(ctx context.Context) ([]*models.RouteResponse, error) {
	var out models.RoutesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/routes", nil, &out); err != nil {
		return nil, err
	}
	return out.Routes, nil
}

// GetRoute returns the route called name
func (c *Client) GetRoute(ctx context.Context, name string) (*models.RouteResponse, error) {
	var out models.RouteResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/routes/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRoute stores a new route and loads it when active
func (c *Client) CreateRoute(ctx context.Context, req *models.CreateRouteRequest) (*models.RouteResponse, error) {
	var out models.RouteResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/routes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRoute replaces the rule, recipients and description of the route
// called name
func (c *Client) UpdateRoute(ctx context.Context, name string, req *models.UpdateRouteRequest) (*models.RouteResponse, error) {
	var out models.RouteResponse
	if err := c.do(ctx, http.MethodPut, "/api/v1/routes/"+url.PathEscape(name), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetActive activates or deactivates the route called name
func (c *Client) SetActive(ctx context.Context, name string, active bool) (*models.RouteResponse, error) {
	var out models.RouteResponse
	path := "/api/v1/routes/" + url.PathEscape(name) + "/active"
	if err := c.do(ctx, http.MethodPut, path, &models.SetActiveRequest{Active: active}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRoute removes the route called name
func (c *Client) DeleteRoute(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/routes/"+url.PathEscape(name), nil, nil)
}

// Status returns a summary of the running engine
func (c *Client) Status(ctx context.Context) (*models.StatusResponse, error) {
	var out models.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Code: "unhealthy", Message: resp.Status}
	}
	return nil
}

// do sends body as JSON and decodes the envelope's data into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{StatusCode: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(data))}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		if env.Error == nil {
			env.Error = &Error{Code: "http_error", Message: resp.Status}
		}
		env.Error.StatusCode = resp.StatusCode
		return env.Error
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// Subscribe opens the outcome stream over WebSocket. kinds restricts the
// notifications delivered; none means all of them.
func (c *Client) Subscribe(ctx context.Context, kinds ...string) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	for _, kind := range kinds {
		q.Add("kind", kind)
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	sub := &Subscription{
		conn:          conn,
		Notifications: make(chan *proto.Notification, 100),
		done:          make(chan struct{}),
	}
	go sub.receive()
	return sub, nil
}

// Subscription delivers notifications from the outcome stream. The
// Notifications channel is closed when the connection ends.
type Subscription struct {
	Notifications chan *proto.Notification

	conn *websocket.Conn
	done chan struct{}
}

func (s *Subscription) receive() {
	defer func() {
		close(s.Notifications)
		close(s.done)
		s.conn.Close()
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var head struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(message, &head); err != nil || head.Kind == "heartbeat" {
			continue
		}

		var n proto.Notification
		if err := json.Unmarshal(message, &n); err != nil {
			continue
		}

		select {
		case s.Notifications <- &n:
		default:
			// Slow reader, drop
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.conn.Close()
	}
	return err
}
