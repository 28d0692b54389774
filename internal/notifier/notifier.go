// Package notifier streams dispatch outcomes and published events to
// websocket and server-sent-event clients.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Notification kinds
const (
	KindOutcome = "outcome"
	KindEvent   = "event"
)

// ErrClosed is returned by Publish after Shutdown
var ErrClosed = errors.New("notifier closed")

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Broadcast buffer size for batching notifications
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration

	// Per-client channel capacity
	ClientBufferSize int

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:            5 * time.Minute,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 50 * time.Millisecond,
		ClientBufferSize:       100,
		HeartbeatInterval:      15 * time.Second,
		WriteTimeout:           10 * time.Second,
	}
}

// Client is a connected stream subscriber
type Client struct {
	ID         string
	LastActive time.Time

	kinds  map[string]struct{}
	conn   *websocket.Conn
	events <-chan *proto.Notification
	mu     sync.Mutex
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) wants(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.kinds) == 0 {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

func (c *Client) setKinds(kinds []string) {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			set[k] = struct{}{}
		}
	}
	c.mu.Lock()
	c.kinds = set
	c.mu.Unlock()
}

// clientRequest is a control message sent by a websocket client
type clientRequest struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds,omitempty"`
}

// Notifier fans notifications out to connected clients
type Notifier struct {
	config          Config
	clients         map[string]*Client
	mu              sync.RWMutex
	closed          bool
	upgrader        websocket.Upgrader
	broadcastBuffer *BroadcastBuffer
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// NewNotifier creates a notifier
func NewNotifier(config Config) *Notifier {
	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = defaults.BroadcastFlushInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Notifier{
		config:  config,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcastBuffer: NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		metrics:         metrics.GetMetrics(),
		logger:          log.With().Str("component", "notifier").Logger(),
	}
}

// Start begins idle client cleanup
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting notifier")
	go n.cleanupIdleClients(ctx)
	return nil
}

// Publish queues a notification for every interested client. It never
// blocks on slow clients.
func (n *Notifier) Publish(notification *proto.Notification) error {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if notification.Ts == nil {
		notification.Ts = timestamppb.Now()
	}
	n.broadcastBuffer.Publish(notification)
	return nil
}

// Clients returns the number of connected clients
func (n *Notifier) Clients() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

func (n *Notifier) register(conn *websocket.Conn, kinds []string) (*Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}

	id := generateID()
	client := &Client{
		ID:         id,
		LastActive: time.Now(),
		conn:       conn,
		events:     n.broadcastBuffer.Subscribe(id, n.config.ClientBufferSize),
	}
	client.setKinds(kinds)
	n.clients[id] = client
	return client, nil
}

// ServeWebSocket upgrades the request and streams notifications as JSON
// text messages. The optional "kind" query parameter restricts the stream,
// e.g. ?kind=outcome.
func (n *Notifier) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	// The hijacked conn keeps the server's request deadlines
	_ = conn.SetReadDeadline(time.Time{})

	client, err := n.register(conn, r.URL.Query()["kind"])
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	n.logger.Debug().Str("client_id", client.ID).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	go n.readLoop(client)
	go n.writeLoop(client)
}

func (n *Notifier) readLoop(client *Client) {
	defer func() {
		n.removeClient(client.ID)
		client.conn.Close()
	}()

	for {
		messageType, message, err := client.conn.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}
		client.touch()

		if messageType == websocket.TextMessage {
			n.processClientMessage(client, message)
		}
	}
}

// writeLoop is the only writer of the connection
func (n *Notifier) writeLoop(client *Client) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case notification, ok := <-client.events:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(n.config.WriteTimeout))
				return
			}
			if !client.wants(notification.Kind) {
				continue
			}

			data, err := json.Marshal(notification)
			if err != nil {
				n.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal notification")
				continue
			}

			_ = client.conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				client.conn.Close()
				return
			}
			n.metrics.NotifierEventsPublished.WithLabelValues("websocket").Inc()

		case <-ticker.C:
			heartbeat := fmt.Sprintf(`{"kind":"heartbeat","ts":%q}`, time.Now().UTC().Format(time.RFC3339))
			_ = client.conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, []byte(heartbeat)); err != nil {
				client.conn.Close()
				return
			}
		}
	}
}

// processClientMessage handles control messages from clients
func (n *Notifier) processClientMessage(client *Client, message []byte) {
	var request clientRequest
	if err := json.Unmarshal(message, &request); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		return
	}

	switch request.Action {
	case "subscribe":
		client.setKinds(request.Kinds)
		n.logger.Debug().
			Str("client_id", client.ID).
			Strs("kinds", request.Kinds).
			Msg("Client updated subscription")

	case "ping":

	default:
		n.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

// ServeSSE streams notifications as server-sent events
func (n *Notifier) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	client, err := n.register(nil, r.URL.Query()["kind"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer n.removeClient(client.ID)

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", client.ID)
	flusher.Flush()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case notification, ok := <-client.events:
			if !ok {
				return
			}
			if !client.wants(notification.Kind) {
				continue
			}
			data, err := json.Marshal(notification)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", notification.Kind, data)
			flusher.Flush()
			client.touch()
			n.metrics.NotifierEventsPublished.WithLabelValues("sse").Inc()

		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			client.touch()

		case <-r.Context().Done():
			return
		}
	}
}

// removeClient drops a client and closes its connection
func (n *Notifier) removeClient(clientID string) {
	n.mu.Lock()
	client, exists := n.clients[clientID]
	if exists {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	n.broadcastBuffer.Unsubscribe(clientID)
	if client.conn != nil {
		client.conn.Close()
	}

	n.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

func (n *Notifier) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients idle for longer than MaxIdleTime
func (n *Notifier) performClientCleanup() {
	now := time.Now()
	var idle []string

	n.mu.RLock()
	for id, client := range n.clients {
		client.mu.Lock()
		lastActive := client.LastActive
		client.mu.Unlock()

		if now.Sub(lastActive) > n.config.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range idle {
		n.removeClient(id)
		n.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// Shutdown closes every client and stops the broadcast buffer
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	n.mu.Lock()
	n.closed = true
	clients := make([]*Client, 0, len(n.clients))
	for id, client := range n.clients {
		clients = append(clients, client)
		delete(n.clients, id)
	}
	n.mu.Unlock()

	// Closing the buffer closes every subscriber channel, which ends the
	// write loops with a close frame
	if err := n.broadcastBuffer.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing broadcast buffer")
	}

	n.logger.Info().Int("closed_clients", len(clients)).Msg("All client connections closed")
	return nil
}

var generateID = func() string {
	return uuid.NewString()
}
