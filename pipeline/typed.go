package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-triage/core"
	"github.com/kaptinlin/jsonschema"
)

// StageInput is the decoded form of Input for typed stages.
type StageInput[In any] struct {
	RunID          string
	UserID         string
	Value          In
	Degraded       bool
	DegradedReason string
}

type TypedFunc[In any, Out any] func(ctx context.Context, in StageInput[In]) (Out, error)

type typedStage[In any, Out any] struct {
	name        string
	predecessor string
	schema      *jsonschema.Schema
	fn          TypedFunc[In, Out]
}

// Typed adapts fn into a Stage. When schema is set the predecessor payload is
// validated against it before decoding; a payload that fails either step is
// rejected with PAYLOAD_INVALID and fn is not called.
func Typed[In any, Out any](name string, predecessor string, schema []byte, fn TypedFunc[In, Out]) (Stage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("pipeline: stage name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("pipeline: stage %q function is required", name)
	}
	stage := &typedStage[In, Out]{
		name:        name,
		predecessor: strings.TrimSpace(predecessor),
		fn:          fn,
	}
	if len(schema) > 0 {
		compiled, err := jsonschema.NewCompiler().Compile(schema)
		if err != nil {
			return nil, fmt.Errorf("pipeline: compile schema for stage %q: %w", name, err)
		}
		stage.schema = compiled
	}
	return stage, nil
}

// MustTyped is Typed for stage tables built at init time.
func MustTyped[In any, Out any](name string, predecessor string, schema []byte, fn TypedFunc[In, Out]) Stage {
	stage, err := Typed(name, predecessor, schema, fn)
	if err != nil {
		panic(err)
	}
	return stage
}

func (s *typedStage[In, Out]) Name() string        { return s.name }
func (s *typedStage[In, Out]) Predecessor() string { return s.predecessor }

func (s *typedStage[In, Out]) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	typed := StageInput[In]{
		RunID:          in.RunID,
		UserID:         in.UserID,
		Degraded:       in.Degraded,
		DegradedReason: in.DegradedReason,
	}
	if !in.Degraded && len(in.Payload) > 0 {
		value, err := s.decode(in.Payload)
		if err != nil {
			return nil, core.PayloadInvalidError(s.name, err)
		}
		typed.Value = value
	}

	out, err := s.fn(ctx, typed)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode %s output: %w", s.name, err)
	}
	return encoded, nil
}

func (s *typedStage[In, Out]) decode(payload json.RawMessage) (In, error) {
	var value In
	if s.schema != nil {
		result := s.schema.ValidateJSON(payload)
		if !result.IsValid() {
			return value, fmt.Errorf("schema validation failed: %v", result.Errors)
		}
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, fmt.Errorf("decode payload: %w", err)
	}
	return value, nil
}
