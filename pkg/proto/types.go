package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// EventType tags an event. Values outside the known catalog are legal and
// are ignored by every built-in rule.
type EventType int32

const (
	EventType_UNKNOWN           EventType = 0
	EventType_DATA_ARRIVED      EventType = 1
	EventType_TRIGGER_JOB       EventType = 2
	EventType_GENERATE          EventType = 3
	EventType_GENERATION_RESULT EventType = 4
	EventType_ALERT             EventType = 5
	EventType_COMMAND           EventType = 6
	EventType_EXCHANGE_MESSAGE  EventType = 7
)

var eventTypeNames = map[EventType]string{
	EventType_UNKNOWN:           "UNKNOWN",
	EventType_DATA_ARRIVED:      "DATA_ARRIVED",
	EventType_TRIGGER_JOB:       "TRIGGER_JOB",
	EventType_GENERATE:          "GENERATE",
	EventType_GENERATION_RESULT: "GENERATION_RESULT",
	EventType_ALERT:             "ALERT",
	EventType_COMMAND:           "COMMAND",
	EventType_EXCHANGE_MESSAGE:  "EXCHANGE_MESSAGE",
}

// String returns the tag name, or a numeric form for unknown tags
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int32(t))
}

// ParseEventType converts a tag name (case-insensitive) into an EventType
func ParseEventType(name string) (EventType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for t, n := range eventTypeNames {
		if n == upper {
			return t, nil
		}
	}
	return EventType_UNKNOWN, fmt.Errorf("unknown event type: %q", name)
}

// MarshalJSON encodes the tag by name
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the tag name or its numeric value
func (t *EventType) UnmarshalJSON(data []byte) error {
	var n int32
	if err := json.Unmarshal(data, &n); err == nil {
		*t = EventType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event type must be a string or number: %w", err)
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		// Unrecognized tags are carried through as UNKNOWN so producers can
		// introduce new tags without breaking ingest.
		*t = EventType_UNKNOWN
		return nil
	}
	*t = parsed
	return nil
}

// FileArrival describes a newly stored data file
type FileArrival struct {
	Path       string `json:"path"`
	ObjectType string `json:"object_type,omitempty"`
	Source     string `json:"source,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// TriggerJob is a periodic or manual trigger for a named job
type TriggerJob struct {
	JobId string   `json:"job_id"`
	Args  []string `json:"args,omitempty"`
}

// GenerateRequest asks a remote process to generate a product
type GenerateRequest struct {
	Algorithm string   `json:"algorithm"`
	Files     []string `json:"files"`
	Arguments []string `json:"arguments,omitempty"`
}

// GenerationResult reports the outcome of a product generation
type GenerationResult struct {
	Algorithm string `json:"algorithm"`
	Status    int32  `json:"status"`
	Output    string `json:"output,omitempty"`
}

// Alert carries an operator-facing alert
type Alert struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Command asks a remote process to execute a shell command
type Command struct {
	Command string `json:"command"`
}

// ExchangeMessage is an opaque message received from a partner node
type ExchangeMessage struct {
	Node    string `json:"node"`
	Channel string `json:"channel,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Event is the unit flowing through the router. Exactly one body field is
// normally set, matching Type.
type Event struct {
	Id          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Ts          *timestamppb.Timestamp `json:"ts,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Destination string                 `json:"destination,omitempty"`
	Meta        map[string]string      `json:"meta,omitempty"`

	File     *FileArrival      `json:"file,omitempty"`
	Trigger  *TriggerJob       `json:"trigger,omitempty"`
	Generate *GenerateRequest  `json:"generate,omitempty"`
	Result   *GenerationResult `json:"result,omitempty"`
	Alert    *Alert            `json:"alert,omitempty"`
	Command  *Command          `json:"command,omitempty"`
	Exchange *ExchangeMessage  `json:"exchange,omitempty"`
}

// MetaValue returns a meta entry or the empty string
func (e *Event) MetaValue(key string) string {
	if e == nil || e.Meta == nil {
		return ""
	}
	return e.Meta[key]
}

// RuleSpec is the persisted form of a rule: its registered type and the
// properties handed to the type's factory.
type RuleSpec struct {
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// RouteRecord is the persisted form of a route definition
type RouteRecord struct {
	Id          int64    `json:"id" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Active      bool     `json:"active" yaml:"active"`
	Recipients  []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Rule        RuleSpec `json:"rule" yaml:"rule"`
}

// SubmitEventRequest is the body of POST /api/v1/events
type SubmitEventRequest struct {
	Event *Event `json:"event"`
}

// SubmitEventResponse acknowledges an accepted event
type SubmitEventResponse struct {
	Id       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// ListRoutesResponse returns the stored route definitions
type ListRoutesResponse struct {
	Routes []*RouteRecord `json:"routes"`
}

// Notification is pushed to outcome stream subscribers
type Notification struct {
	Kind      string                 `json:"kind"`
	Adaptor   string                 `json:"adaptor,omitempty"`
	EventId   string                 `json:"event_id,omitempty"`
	EventType EventType              `json:"event_type"`
	Status    string                 `json:"status,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Ts        *timestamppb.Timestamp `json:"ts,omitempty"`
	Event     *Event                 `json:"event,omitempty"`
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("ruleflow: %s", e.Message)
}
