package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-triage/core"
	memstore "github.com/goliatone/go-triage/store/memory"
)

type countingStage struct {
	name        string
	predecessor string
	calls       atomic.Int32
	fail        atomic.Bool
	output      string
	lastInput   Input
	mu          sync.Mutex
	onRun       func(ctx context.Context)
}

func (s *countingStage) Name() string        { return s.name }
func (s *countingStage) Predecessor() string { return s.predecessor }

func (s *countingStage) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastInput = in
	s.mu.Unlock()
	if s.onRun != nil {
		s.onRun(ctx)
	}
	if s.fail.Load() {
		return nil, errors.New("boom in " + s.name)
	}
	return json.RawMessage(s.output), nil
}

func (s *countingStage) input() Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInput
}

func newTestCoordinator(t *testing.T, store core.ArtifactStore, stages ...Stage) *Coordinator {
	t.Helper()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	coordinator, err := NewCoordinator(store, stages, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func TestCoordinator_RerunExecutesOnlyFailedStage(t *testing.T) {
	store := memstore.NewArtifactStore()
	a := &countingStage{name: "a", output: `{"z":1,"a":[1,2]}`}
	b := &countingStage{name: "b", predecessor: "a", output: `{"count":2}`}
	c := &countingStage{name: "c", predecessor: "b", output: `{"done":true}`}
	c.fail.Store(true)
	coordinator := newTestCoordinator(t, store, a, b, c)
	ctx := context.Background()

	report, err := coordinator.Run(ctx, RunRequest{RunID: "run-1", UserID: "alice"})
	if !core.IsStageFailure(err) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if report.Status != RunStatusFailed {
		t.Fatalf("expected failed status, got %s", report.Status)
	}
	failed, err := store.Latest(ctx, "run-1", "c")
	if err != nil {
		t.Fatalf("latest c: %v", err)
	}
	if failed.Status != core.ArtifactStatusFailed || !strings.Contains(failed.Error, "boom in c") {
		t.Fatalf("expected failed artifact with error detail, got %+v", failed)
	}

	before := map[string][]byte{}
	for _, stage := range []string{"a", "b"} {
		artifact, err := store.Latest(ctx, "run-1", stage)
		if err != nil {
			t.Fatalf("latest %s: %v", stage, err)
		}
		before[stage] = append([]byte(nil), artifact.Payload...)
	}

	c.fail.Store(false)
	report, err = coordinator.Run(ctx, RunRequest{RunID: "run-1", UserID: "alice"})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Fatalf("expected completed status, got %s", report.Status)
	}
	if executed := report.Executed(); len(executed) != 1 || executed[0] != "c" {
		t.Fatalf("expected only c to execute, got %v", executed)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 || c.calls.Load() != 2 {
		t.Fatalf("unexpected call counts a=%d b=%d c=%d", a.calls.Load(), b.calls.Load(), c.calls.Load())
	}
	for _, stage := range []string{"a", "b"} {
		history, err := store.History(ctx, "run-1", stage)
		if err != nil {
			t.Fatalf("history %s: %v", stage, err)
		}
		if len(history) != 1 {
			t.Fatalf("expected a single %s version, got %d", stage, len(history))
		}
		if !bytes.Equal(history[0].Payload, before[stage]) {
			t.Fatalf("expected %s payload to be byte-identical", stage)
		}
	}
	history, err := store.History(ctx, "run-1", "c")
	if err != nil {
		t.Fatalf("history c: %v", err)
	}
	if len(history) != 2 || history[0].Status != core.ArtifactStatusFailed || history[1].Status != core.ArtifactStatusComplete {
		t.Fatalf("expected failed then complete versions of c, got %+v", history)
	}
	if got := string(c.input().Payload); got != `{"count":2}` {
		t.Fatalf("expected c to receive b's payload, got %s", got)
	}
}

func TestCoordinator_StoresCanonicalPayloadAndDigest(t *testing.T) {
	store := memstore.NewArtifactStore()
	a := &countingStage{name: "a", output: `{ "b": 2, "a": 1 }`}
	coordinator := newTestCoordinator(t, store, a)

	report, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	artifact, err := store.Latest(context.Background(), "run", "a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(artifact.Payload) != `{"a":1,"b":2}` {
		t.Fatalf("expected canonical payload, got %s", artifact.Payload)
	}
	_, digest, err := Canonicalize([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if artifact.Digest != digest || report.Stages[0].Digest != digest {
		t.Fatalf("expected digest %s, got artifact=%s report=%s", digest, artifact.Digest, report.Stages[0].Digest)
	}
	if artifact.UserID != "alice" {
		t.Fatalf("expected user id on artifact, got %q", artifact.UserID)
	}
}

func TestCoordinator_CancellationStopsAtStageBoundary(t *testing.T) {
	store := memstore.NewArtifactStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stageCtxErr error
	a := &countingStage{name: "a", output: `{}`}
	a.onRun = func(stageCtx context.Context) {
		cancel()
		stageCtxErr = stageCtx.Err()
	}
	b := &countingStage{name: "b", predecessor: "a", output: `{}`}
	coordinator := newTestCoordinator(t, store, a, b)

	report, err := coordinator.Run(ctx, RunRequest{RunID: "run", UserID: "alice"})
	if core.KindOf(err) != core.KindCancelled {
		t.Fatalf("expected cancelled kind, got %v", err)
	}
	if report.Status != RunStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", report.Status)
	}
	if stageCtxErr != nil {
		t.Fatalf("expected in-flight stage to keep an uncancelled context, got %v", stageCtxErr)
	}
	if b.calls.Load() != 0 {
		t.Fatalf("expected b not to run after cancellation")
	}
	artifact, err := store.Latest(context.Background(), "run", "a")
	if err != nil || !artifact.Complete() {
		t.Fatalf("expected a to be recorded complete, got %+v err=%v", artifact, err)
	}

	report, err = coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if executed := report.Executed(); len(executed) != 1 || executed[0] != "b" {
		t.Fatalf("expected resume to run only b, got %v", executed)
	}
}

func TestCoordinator_DegradedWhenPredecessorUnavailable(t *testing.T) {
	tests := []struct {
		name       string
		seed       *core.Artifact
		wantReason string
	}{
		{name: "missing", wantReason: `predecessor "a" has no artifact`},
		{
			name:       "failed",
			seed:       &core.Artifact{RunID: "run", Stage: "a", Status: core.ArtifactStatusFailed, Error: "earlier failure"},
			wantReason: `predecessor "a" is failed`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.NewArtifactStore()
			if tt.seed != nil {
				if _, err := store.Put(context.Background(), *tt.seed); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			a := &countingStage{name: "a", output: `{}`}
			b := &countingStage{name: "b", predecessor: "a", output: `{"items":[]}`}
			coordinator := newTestCoordinator(t, store, a, b)

			report, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice", Stages: []string{"b"}})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if a.calls.Load() != 0 {
				t.Fatalf("expected a to be excluded")
			}
			in := b.input()
			if !in.Degraded || in.Payload != nil || in.DegradedReason != tt.wantReason {
				t.Fatalf("expected degraded input with reason %q, got %+v", tt.wantReason, in)
			}
			artifact, err := store.Latest(context.Background(), "run", "b")
			if err != nil {
				t.Fatalf("latest b: %v", err)
			}
			if !artifact.Complete() || !artifact.Degraded || artifact.DegradedReason != tt.wantReason {
				t.Fatalf("expected degraded complete artifact, got %+v", artifact)
			}
			if degraded := report.Degraded(); len(degraded) != 1 || degraded[0] != "b" {
				t.Fatalf("expected report to list b as degraded, got %v", degraded)
			}
		})
	}
}

type fetchPayload struct {
	Messages []string `json:"messages"`
}

type countPayload struct {
	Count int `json:"count"`
}

var fetchSchema = []byte(`{
	"type": "object",
	"required": ["messages"],
	"properties": {"messages": {"type": "array", "items": {"type": "string"}}}
}`)

func TestTyped_DecodesValidatedPayload(t *testing.T) {
	store := memstore.NewArtifactStore()
	fetch := MustTyped("fetch", "", nil, func(_ context.Context, _ StageInput[struct{}]) (fetchPayload, error) {
		return fetchPayload{Messages: []string{"m1", "m2"}}, nil
	})
	var seen StageInput[fetchPayload]
	count := MustTyped("count", "fetch", fetchSchema, func(_ context.Context, in StageInput[fetchPayload]) (countPayload, error) {
		seen = in
		return countPayload{Count: len(in.Value.Messages)}, nil
	})
	coordinator := newTestCoordinator(t, store, fetch, count)

	if _, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen.UserID != "alice" || len(seen.Value.Messages) != 2 {
		t.Fatalf("unexpected typed input %+v", seen)
	}
	artifact, err := store.Latest(context.Background(), "run", "count")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(artifact.Payload) != `{"count":2}` {
		t.Fatalf("unexpected payload %s", artifact.Payload)
	}
}

func TestTyped_RejectsMalformedPayload(t *testing.T) {
	store := memstore.NewArtifactStore()
	fetch := NewStage("fetch", "", func(context.Context, Input) (json.RawMessage, error) {
		return json.RawMessage(`{"messages":"not-a-list"}`), nil
	})
	called := false
	count := MustTyped("count", "fetch", fetchSchema, func(_ context.Context, in StageInput[fetchPayload]) (countPayload, error) {
		called = true
		return countPayload{}, nil
	})
	coordinator := newTestCoordinator(t, store, fetch, count)

	_, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"})
	if !core.IsStageFailure(err) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata["cause_code"] != core.ErrorPayloadInvalid {
		t.Fatalf("expected payload invalid cause, got %v", err)
	}
	if called {
		t.Fatalf("expected stage function not to run on a malformed payload")
	}
	artifact, err := store.Latest(context.Background(), "run", "count")
	if err != nil || artifact.Status != core.ArtifactStatusFailed {
		t.Fatalf("expected failed artifact, got %+v err=%v", artifact, err)
	}
}

func TestTyped_RequiresValidSchema(t *testing.T) {
	_, err := Typed("bad", "", []byte(`{"type": 12}`), func(context.Context, StageInput[struct{}]) (struct{}, error) {
		return struct{}{}, nil
	})
	if err == nil {
		t.Fatalf("expected schema compile error")
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	a := &countingStage{name: "a"}
	tests := []struct {
		name   string
		store  core.ArtifactStore
		stages []Stage
	}{
		{name: "nil store", stages: []Stage{a}},
		{name: "no stages", store: memstore.NewArtifactStore()},
		{name: "duplicate", store: memstore.NewArtifactStore(), stages: []Stage{a, &countingStage{name: "a"}}},
		{name: "later predecessor", store: memstore.NewArtifactStore(), stages: []Stage{&countingStage{name: "b", predecessor: "a"}, a}},
		{name: "unknown predecessor", store: memstore.NewArtifactStore(), stages: []Stage{a, &countingStage{name: "b", predecessor: "x"}}},
		{name: "blank name", store: memstore.NewArtifactStore(), stages: []Stage{&countingStage{name: " "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCoordinator(tt.store, tt.stages); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCoordinator_RejectsConcurrentRunOfSameID(t *testing.T) {
	store := memstore.NewArtifactStore()
	release := make(chan struct{})
	started := make(chan struct{})
	a := &countingStage{name: "a", output: `{}`}
	a.onRun = func(context.Context) {
		close(started)
		<-release
	}
	coordinator := newTestCoordinator(t, store, a)

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"})
		done <- err
	}()
	<-started
	if _, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected run in progress error, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestCoordinator_UnknownStageFilter(t *testing.T) {
	coordinator := newTestCoordinator(t, memstore.NewArtifactStore(), &countingStage{name: "a", output: `{}`})
	if _, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", Stages: []string{"nope"}}); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func TestCoordinator_StatusListsLatestPerStage(t *testing.T) {
	store := memstore.NewArtifactStore()
	coordinator := newTestCoordinator(t, store,
		&countingStage{name: "a", output: `{}`},
		&countingStage{name: "b", predecessor: "a", output: `{}`},
	)
	if _, err := coordinator.Run(context.Background(), RunRequest{RunID: "run", UserID: "alice"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	artifacts, err := coordinator.Status(context.Background(), "run")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(artifacts) != 2 || artifacts[0].Stage != "a" || artifacts[1].Stage != "b" {
		t.Fatalf("unexpected status %+v", artifacts)
	}
	if _, err := coordinator.Status(context.Background(), " "); err == nil {
		t.Fatalf("expected run id validation")
	}
}

func TestRunIDs(t *testing.T) {
	if NewRunID() == NewRunID() {
		t.Fatalf("expected unique run ids")
	}
}
