package rules

import (
	"context"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nkkko/ruleflow/internal/domain"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// GenerateType is the registered name of the generate rule
const GenerateType = "generate"

// GenerateConfig turns single data arrivals into generate requests
type GenerateConfig struct {
	fileFilter

	Algorithm   string   `json:"algorithm"`
	Arguments   []string `json:"arguments"`
	Destination string   `json:"destination"`
}

// Generate emits one generate request per matching data arrival
type Generate struct {
	config GenerateConfig
}

var _ domain.Rule = (*Generate)(nil)

// NewGenerate creates a generate rule
func NewGenerate(properties map[string]any, deps Dependencies) (domain.Rule, error) {
	var config GenerateConfig
	if err := decodeProperties(GenerateType, properties, &config); err != nil {
		return nil, err
	}
	if err := config.validate(GenerateType); err != nil {
		return nil, err
	}
	return &Generate{config: config}, nil
}

func (g *Generate) Type() string { return GenerateType }

func (g *Generate) Valid() bool { return g.config.Algorithm != "" }

func (g *Generate) Handle(ctx context.Context, event *proto.Event) (*proto.Event, error) {
	if !g.config.matches(event) {
		return nil, nil
	}

	return newGenerateEvent(g.config.Algorithm, []string{event.File.Path}, g.config.Arguments,
		g.config.Destination, copyMeta(event.Meta)), nil
}

func newGenerateEvent(algorithm string, files, args []string, destination string, meta map[string]string) *proto.Event {
	return &proto.Event{
		Type:        proto.EventType_GENERATE,
		Ts:          timestamppb.Now(),
		Source:      GenerateType,
		Destination: destination,
		Meta:        meta,
		Generate: &proto.GenerateRequest{
			Algorithm: algorithm,
			Files:     files,
			Arguments: append([]string(nil), args...),
		},
	}
}
