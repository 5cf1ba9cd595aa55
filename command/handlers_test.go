package command

import (
	"context"
	"errors"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/pipeline"
)

type stubMutatingService struct {
	beginFn    func(ctx context.Context, userID string, scopes []string) (core.AuthorizationStart, error)
	completeFn func(ctx context.Context, state string, code string) (core.Credential, error)
	runFn      func(ctx context.Context, req core.RunRequest) ([]pipeline.RunReport, error)
	revokeFn   func(ctx context.Context, userID string) error
	purgeFn    func(ctx context.Context) (int, error)
	refreshFn  func(ctx context.Context) ([]core.RefreshOutcome, error)
	resetFn    func(ctx context.Context, userID string) error
}

func (s stubMutatingService) BeginAuthorization(ctx context.Context, userID string, scopes []string) (core.AuthorizationStart, error) {
	if s.beginFn == nil {
		return core.AuthorizationStart{}, nil
	}
	return s.beginFn(ctx, userID, scopes)
}

func (s stubMutatingService) CompleteAuthorization(ctx context.Context, state string, code string) (core.Credential, error) {
	if s.completeFn == nil {
		return core.Credential{}, nil
	}
	return s.completeFn(ctx, state, code)
}

func (s stubMutatingService) Run(ctx context.Context, req core.RunRequest) ([]pipeline.RunReport, error) {
	if s.runFn == nil {
		return nil, nil
	}
	return s.runFn(ctx, req)
}

func (s stubMutatingService) Revoke(ctx context.Context, userID string) error {
	if s.revokeFn == nil {
		return nil
	}
	return s.revokeFn(ctx, userID)
}

func (s stubMutatingService) PurgeCorrupted(ctx context.Context) (int, error) {
	if s.purgeFn == nil {
		return 0, nil
	}
	return s.purgeFn(ctx)
}

func (s stubMutatingService) RefreshAll(ctx context.Context) ([]core.RefreshOutcome, error) {
	if s.refreshFn == nil {
		return nil, nil
	}
	return s.refreshFn(ctx)
}

func (s stubMutatingService) ResetProcessed(ctx context.Context, userID string) error {
	if s.resetFn == nil {
		return nil
	}
	return s.resetFn(ctx, userID)
}

func TestBeginAuthorizationCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	expected := core.AuthorizationStart{UserID: "alice@example.com", URL: "https://accounts.example.com/auth", State: "st"}
	called := false
	svc := stubMutatingService{
		beginFn: func(_ context.Context, userID string, scopes []string) (core.AuthorizationStart, error) {
			called = true
			if userID != "alice@example.com" || len(scopes) != 1 {
				t.Fatalf("unexpected begin payload %q %v", userID, scopes)
			}
			return expected, nil
		},
	}

	cmd := NewBeginAuthorizationCommand(svc)
	collector := gocmd.NewResult[core.AuthorizationStart]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, BeginAuthorizationMessage{UserID: "alice@example.com", Scopes: []string{"gmail.modify"}}); err != nil {
		t.Fatalf("execute begin authorization: %v", err)
	}
	if !called {
		t.Fatalf("expected service invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.URL != expected.URL || result.State != expected.State {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestMutationCommands_DelegateToService(t *testing.T) {
	t.Run("complete authorization redacts tokens", func(t *testing.T) {
		svc := stubMutatingService{
			completeFn: func(_ context.Context, state string, code string) (core.Credential, error) {
				if state != "st" || code != "4/abc" {
					t.Fatalf("unexpected complete payload %q %q", state, code)
				}
				return core.Credential{UserID: "alice@example.com", AccessToken: "at", RefreshToken: "rt"}, nil
			},
		}
		collector := gocmd.NewResult[core.Credential]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewCompleteAuthorizationCommand(svc).Execute(ctx, CompleteAuthorizationMessage{State: "st", Code: "4/abc"}); err != nil {
			t.Fatalf("execute complete authorization: %v", err)
		}
		stored, ok := collector.Load()
		if !ok {
			t.Fatalf("expected credential result")
		}
		if stored.UserID != "alice@example.com" || stored.AccessToken != core.RedactedValue || stored.RefreshToken != core.RedactedValue {
			t.Fatalf("expected redacted credential, got %#v", stored)
		}
	})

	t.Run("run stores reports on failure", func(t *testing.T) {
		failure := errors.New("stage failed")
		svc := stubMutatingService{
			runFn: func(_ context.Context, req core.RunRequest) ([]pipeline.RunReport, error) {
				if !req.All || len(req.Stages) != 1 {
					t.Fatalf("unexpected run request %#v", req)
				}
				return []pipeline.RunReport{{RunID: "r1", Status: pipeline.RunStatusFailed}}, failure
			},
		}
		collector := gocmd.NewResult[[]pipeline.RunReport]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewRunPipelineCommand(svc).Execute(ctx, RunPipelineMessage{Request: core.RunRequest{All: true, Stages: []string{"summary"}}})
		if !errors.Is(err, failure) {
			t.Fatalf("expected run failure, got %v", err)
		}
		reports, ok := collector.Load()
		if !ok || len(reports) != 1 || reports[0].Status != pipeline.RunStatusFailed {
			t.Fatalf("expected failed report to be stored, got %#v", reports)
		}
	})

	t.Run("revoke", func(t *testing.T) {
		called := false
		svc := stubMutatingService{
			revokeFn: func(_ context.Context, userID string) error {
				called = true
				if userID != "alice@example.com" {
					t.Fatalf("unexpected revoke user %q", userID)
				}
				return nil
			},
		}
		if err := NewRevokeCommand(svc).Execute(context.Background(), RevokeMessage{UserID: "alice@example.com"}); err != nil {
			t.Fatalf("execute revoke: %v", err)
		}
		if !called {
			t.Fatalf("expected revoke invocation")
		}
	})

	t.Run("purge and refresh", func(t *testing.T) {
		svc := stubMutatingService{
			purgeFn: func(context.Context) (int, error) { return 2, nil },
			refreshFn: func(context.Context) ([]core.RefreshOutcome, error) {
				return []core.RefreshOutcome{{UserID: "alice@example.com", State: core.CredentialStateValid}}, nil
			},
		}
		purged := gocmd.NewResult[int]()
		if err := NewPurgeCorruptedCommand(svc).Execute(gocmd.ContextWithResult(context.Background(), purged), PurgeCorruptedMessage{}); err != nil {
			t.Fatalf("execute purge: %v", err)
		}
		if count, ok := purged.Load(); !ok || count != 2 {
			t.Fatalf("expected purge count 2, got %d", count)
		}
		refreshed := gocmd.NewResult[[]core.RefreshOutcome]()
		if err := NewRefreshAllCommand(svc).Execute(gocmd.ContextWithResult(context.Background(), refreshed), RefreshAllMessage{}); err != nil {
			t.Fatalf("execute refresh all: %v", err)
		}
		if outcomes, ok := refreshed.Load(); !ok || len(outcomes) != 1 {
			t.Fatalf("expected one refresh outcome, got %#v", outcomes)
		}
	})

	t.Run("reset processed", func(t *testing.T) {
		var reset string
		svc := stubMutatingService{resetFn: func(_ context.Context, userID string) error {
			reset = userID
			return nil
		}}
		if err := NewResetProcessedCommand(svc).Execute(context.Background(), ResetProcessedMessage{UserID: "bob@example.com"}); err != nil {
			t.Fatalf("execute reset: %v", err)
		}
		if reset != "bob@example.com" {
			t.Fatalf("unexpected reset user %q", reset)
		}
	})
}

func TestCommands_RejectInvalidMessagesBeforeDelegating(t *testing.T) {
	svc := stubMutatingService{
		revokeFn: func(context.Context, string) error {
			t.Fatalf("service must not be called for invalid messages")
			return nil
		},
	}
	if err := NewRevokeCommand(svc).Execute(context.Background(), RevokeMessage{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{name: "begin valid", msg: BeginAuthorizationMessage{UserID: "alice@example.com"}},
		{name: "begin missing user", msg: BeginAuthorizationMessage{}, wantErr: true},
		{name: "begin empty scope", msg: BeginAuthorizationMessage{UserID: "a", Scopes: []string{" "}}, wantErr: true},
		{name: "complete valid", msg: CompleteAuthorizationMessage{State: "st", Code: "c"}},
		{name: "complete missing code", msg: CompleteAuthorizationMessage{State: "st"}, wantErr: true},
		{name: "run implicit identity", msg: RunPipelineMessage{}},
		{name: "run all with user", msg: RunPipelineMessage{Request: core.RunRequest{All: true, UserID: "a"}}, wantErr: true},
		{name: "run all with run id", msg: RunPipelineMessage{Request: core.RunRequest{All: true, RunID: "r1"}}, wantErr: true},
		{name: "run empty stage", msg: RunPipelineMessage{Request: core.RunRequest{Stages: []string{""}}}, wantErr: true},
		{name: "revoke missing user", msg: RevokeMessage{}, wantErr: true},
		{name: "reset missing user", msg: ResetProcessedMessage{}, wantErr: true},
		{name: "purge", msg: PurgeCorruptedMessage{}},
		{name: "refresh all", msg: RefreshAllMessage{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
