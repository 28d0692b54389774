package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nkkko/ruleflow/internal/telemetry"
)

// ErrTimeout is returned when the call deadline passes before a response
var ErrTimeout = errors.New("rpc call timed out")

// ClientConfig contains client configuration
type ClientConfig struct {
	URL string

	// Deadline for one call, connect included
	Timeout time.Duration

	MaxConnsPerHost int
}

// DefaultClientConfig returns a default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		MaxConnsPerHost: 16,
	}
}

// Client calls remote procedures over HTTP POST
type Client struct {
	config ClientConfig
	http   *fasthttp.Client
	nextID atomic.Uint64
}

// NewClient creates a client for config.URL
func NewClient(config ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = defaults.MaxConnsPerHost
	}

	return &Client{
		config: config,
		http: &fasthttp.Client{
			Name:                "ruleflow-rpc",
			MaxConnsPerHost:     config.MaxConnsPerHost,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

// URL returns the endpoint the client calls
func (c *Client) URL() string {
	return c.config.URL
}

// Call invokes method with positional params and decodes the result into
// out, which may be nil. A call that outlives its deadline returns an error
// wrapping ErrTimeout.
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	req, err := NewRequest(c.nextID.Add(1), method, params...)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(c.config.URL)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)
	telemetry.Inject(ctx, httpReq.Header.Set)

	if err := c.http.DoDeadline(httpReq, httpResp, deadline); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.config.Timeout)
		}
		return fmt.Errorf("%s failed: %w", method, err)
	}

	if status := httpResp.StatusCode(); status != fasthttp.StatusOK {
		return fmt.Errorf("%s failed: http status %d", method, status)
	}

	var resp Response
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Execute runs a shell command on the remote side
func (c *Client) Execute(ctx context.Context, command string) (*ExecuteResult, error) {
	var result ExecuteResult
	if err := c.Call(ctx, MethodExecute, &result, command); err != nil {
		return nil, err
	}
	return &result, nil
}

// Alert raises an alert on the remote side
func (c *Client) Alert(ctx context.Context, code, message string) error {
	var ok bool
	if err := c.Call(ctx, MethodAlert, &ok, code, message); err != nil {
		return err
	}
	if !ok {
		return errors.New("alert rejected by remote")
	}
	return nil
}

// Generate asks the remote side to generate a product from files
func (c *Client) Generate(ctx context.Context, algorithm string, files, args []string) error {
	if files == nil {
		files = []string{}
	}
	if args == nil {
		args = []string{}
	}
	var ok bool
	if err := c.Call(ctx, MethodGenerate, &ok, algorithm, files, args); err != nil {
		return err
	}
	if !ok {
		return errors.New("generate rejected by remote")
	}
	return nil
}
