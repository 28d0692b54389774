package models

import (
	"github.com/nkkko/ruleflow/pkg/proto"
)

// RouteResponse describes a stored route and whether the router has it
// loaded
type RouteResponse struct {
	*proto.RouteRecord
	Loaded bool `json:"loaded"`
}

// RouteFromProto converts a stored record to the response
func RouteFromProto(rec *proto.RouteRecord, loaded bool) *RouteResponse {
	if rec == nil {
		return nil
	}
	return &RouteResponse{RouteRecord: rec, Loaded: loaded}
}

// RoutesResponse lists stored routes
type RoutesResponse struct {
	Routes []*RouteResponse `json:"routes"`
	Count  int              `json:"count"`
}

// EventAcceptedResponse acknowledges a queued event
type EventAcceptedResponse = proto.SubmitEventResponse

// StatusResponse summarizes the running engine
type StatusResponse struct {
	Routes       int      `json:"routes"`
	SystemRules  int      `json:"system_rules"`
	Adaptors     []string `json:"adaptors"`
	Schemes      []string `json:"schemes"`
	LiveTimeouts int      `json:"live_timeouts"`
	Inbox        int      `json:"inbox"`
	Clients      int      `json:"clients"`
}
