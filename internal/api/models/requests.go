package models

import (
	"github.com/nkkko/ruleflow/internal/api/errors"
	"github.com/nkkko/ruleflow/internal/api/validation"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// SubmitEventRequest is the body of POST /api/v1/events
type SubmitEventRequest struct {
	Event *proto.Event `json:"event"`
}

// Validate validates the request. Unrecognized types decode as UNKNOWN and
// are accepted; no rule matches them.
func (r *SubmitEventRequest) Validate() error {
	if r.Event == nil {
		return errors.ValidationError("missing_event", "Event is required")
	}
	if r.Event.Type == proto.EventType_DATA_ARRIVED && (r.Event.File == nil || r.Event.File.Path == "") {
		return errors.ValidationError("missing_file", "DATA_ARRIVED events need a file path")
	}
	return validation.MaxLength("event.id", r.Event.Id, 128)
}

// CreateRouteRequest is the body of POST /api/v1/routes
type CreateRouteRequest struct {
	Name        string         `json:"name"`
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	Active      *bool          `json:"active,omitempty"`
	Recipients  []string       `json:"recipients,omitempty"`
	Rule        proto.RuleSpec `json:"rule"`
}

// Validate validates the request
func (r *CreateRouteRequest) Validate() error {
	if err := validation.Required("name", r.Name); err != nil {
		return err
	}
	if err := validation.MaxLength("name", r.Name, 128); err != nil {
		return err
	}
	if err := validation.Required("rule.type", r.Rule.Type); err != nil {
		return err
	}
	for _, name := range r.Recipients {
		if name == "" {
			return errors.ValidationError("invalid_recipient", "Recipient names must not be empty")
		}
	}
	return nil
}

// ToProto converts the request to a route record. Routes are active
// unless the request says otherwise.
func (r *CreateRouteRequest) ToProto() *proto.RouteRecord {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &proto.RouteRecord{
		Name:        r.Name,
		Author:      r.Author,
		Description: r.Description,
		Active:      active,
		Recipients:  r.Recipients,
		Rule:        r.Rule,
	}
}

// UpdateRouteRequest is the body of PUT /api/v1/routes/{name}. The name
// comes from the path; a missing active flag keeps the stored one.
type UpdateRouteRequest struct {
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	Active      *bool          `json:"active,omitempty"`
	Recipients  []string       `json:"recipients,omitempty"`
	Rule        proto.RuleSpec `json:"rule"`
}

// Validate validates the request
func (r *UpdateRouteRequest) Validate() error {
	if err := validation.Required("rule.type", r.Rule.Type); err != nil {
		return err
	}
	for _, name := range r.Recipients {
		if name == "" {
			return errors.ValidationError("invalid_recipient", "Recipient names must not be empty")
		}
	}
	return nil
}

// Apply returns stored with the request's fields replaced
func (r *UpdateRouteRequest) Apply(stored *proto.RouteRecord) *proto.RouteRecord {
	active := stored.Active
	if r.Active != nil {
		active = *r.Active
	}
	return &proto.RouteRecord{
		Id:          stored.Id,
		Name:        stored.Name,
		Author:      r.Author,
		Description: r.Description,
		Active:      active,
		Recipients:  r.Recipients,
		Rule:        r.Rule,
	}
}

// SetActiveRequest is the body of PUT /api/v1/routes/{name}/active
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// Validate validates the request
func (r *SetActiveRequest) Validate() error {
	return nil
}
