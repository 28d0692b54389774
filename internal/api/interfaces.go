package api

import (
	"context"
	"net/http"

	"github.com/nkkko/ruleflow/internal/api/models"
	"github.com/nkkko/ruleflow/internal/router"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// EventSubmitter queues inbound events for the router
type EventSubmitter interface {
	Submit(ctx context.Context, event *proto.Event) error
}

// RouteReader reads stored route records
type RouteReader interface {
	List(ctx context.Context) ([]*proto.RouteRecord, error)
	GetByName(ctx context.Context, name string) (*proto.RouteRecord, error)
}

// RouteManager changes stored routes and reloads the router
type RouteManager interface {
	Create(ctx context.Context, rec *proto.RouteRecord) (*proto.RouteRecord, error)
	Update(ctx context.Context, rec *proto.RouteRecord) error
	SetActive(ctx context.Context, name string, active bool) error
	Delete(ctx context.Context, name string) error
}

// LoadedRoutes reports which definitions the router is evaluating
type LoadedRoutes interface {
	Definition(name string) (*router.Definition, bool)
}

// Stream serves the outcome stream
type Stream interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
	ServeSSE(w http.ResponseWriter, r *http.Request)
}

// Dependencies are the collaborators of the API. Stream and Status may be
// nil.
type Dependencies struct {
	Events  EventSubmitter
	Routes  RouteReader
	Manager RouteManager
	Loaded  LoadedRoutes
	Stream  Stream
	Status  func() models.StatusResponse
}
