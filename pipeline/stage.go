// Package pipeline runs named stages in a fixed order over a durable
// artifact store. A run can be repeated with the same run id: stages whose
// latest artifact is complete are skipped, so a re-run resumes at the first
// stage that has not finished.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Input is what a stage receives. Payload is the predecessor's complete
// artifact payload, or nil when the stage runs degraded.
type Input struct {
	RunID          string
	UserID         string
	Predecessor    string
	Payload        json.RawMessage
	Degraded       bool
	DegradedReason string
}

// Stage is one step of a run. Run must be safe to repeat: a failed stage is
// executed again on the next run.
type Stage interface {
	Name() string
	// Predecessor names the stage whose artifact feeds this one, or "".
	Predecessor() string
	Run(ctx context.Context, in Input) (json.RawMessage, error)
}

type StageFunc func(ctx context.Context, in Input) (json.RawMessage, error)

type funcStage struct {
	name        string
	predecessor string
	fn          StageFunc
}

// NewStage adapts fn into a Stage with untyped payloads.
func NewStage(name string, predecessor string, fn StageFunc) Stage {
	return funcStage{
		name:        strings.TrimSpace(name),
		predecessor: strings.TrimSpace(predecessor),
		fn:          fn,
	}
}

func (s funcStage) Name() string        { return s.name }
func (s funcStage) Predecessor() string { return s.predecessor }

func (s funcStage) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	if s.fn == nil {
		return nil, fmt.Errorf("pipeline: stage %q has no function", s.name)
	}
	return s.fn(ctx, in)
}

// Canonicalize returns the RFC 8785 form of payload and its sha256 digest.
// An empty payload canonicalizes to JSON null.
func Canonicalize(payload []byte) (json.RawMessage, string, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		payload = []byte("null")
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// NewRunID returns a fresh random run id.
func NewRunID() string {
	return uuid.NewString()
}
