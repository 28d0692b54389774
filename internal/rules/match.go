package rules

import (
	"github.com/bmatcuk/doublestar"

	"github.com/nkkko/ruleflow/pkg/proto"
)

// fileFilter selects data arrivals by path glob and object type
type fileFilter struct {
	Pattern    string `json:"pattern"`
	ObjectType string `json:"object_type"`
}

func (f fileFilter) validate(ruleType string) error {
	if f.Pattern == "" {
		return nil
	}
	if _, err := doublestar.Match(f.Pattern, ""); err != nil {
		return &ConfigError{RuleType: ruleType, Field: "pattern", Reason: err.Error()}
	}
	return nil
}

// matches reports whether event is a data arrival accepted by the filter
func (f fileFilter) matches(event *proto.Event) bool {
	if event == nil || event.Type != proto.EventType_DATA_ARRIVED || event.File == nil {
		return false
	}
	if f.ObjectType != "" && f.ObjectType != event.File.ObjectType {
		return false
	}
	if f.Pattern == "" {
		return true
	}
	ok, err := doublestar.Match(f.Pattern, event.File.Path)
	return err == nil && ok
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
