package triage

import (
	"context"
	"testing"

	gocmd "github.com/goliatone/go-command"
	triagecommand "github.com/goliatone/go-triage/command"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/pipeline"
	triagequery "github.com/goliatone/go-triage/query"
)

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	h := newServiceHarness(t, "alice@example.com")
	facade, err := NewFacade(h.service)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	commands := facade.Commands()
	if commands.RunPipeline == nil || commands.Revoke == nil || commands.BeginAuthorization == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.RunStatus == nil || queries.Usage == nil || queries.ListUsers == nil {
		t.Fatalf("expected query handlers to be wired")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	h := newServiceHarness(t, "alice@example.com")
	facade, err := NewFacade(h.service)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	collector := gocmd.NewResult[[]pipeline.RunReport]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().RunPipeline.Execute(ctx, triagecommand.RunPipelineMessage{
		Request: core.RunRequest{UserID: "alice@example.com", RunID: "manual-1"},
	}); err != nil {
		t.Fatalf("execute run command: %v", err)
	}
	reports, ok := collector.Load()
	if !ok || len(reports) != 1 || reports[0].RunID != "manual-1" {
		t.Fatalf("unexpected run reports %#v", reports)
	}

	artifacts, err := facade.Queries().RunStatus.Query(context.Background(), triagequery.RunStatusMessage{RunID: "manual-1"})
	if err != nil {
		t.Fatalf("query run status: %v", err)
	}
	if len(artifacts) != 6 {
		t.Fatalf("expected six artifacts, got %d", len(artifacts))
	}

	users, err := facade.Queries().ListUsers.Query(context.Background(), triagequery.ListUsersMessage{})
	if err != nil || len(users) != 1 {
		t.Fatalf("unexpected users %v %v", users, err)
	}
}

func TestFacade_AuthorizationRequiresAuthorizer(t *testing.T) {
	h := newServiceHarness(t)
	facade, err := NewFacade(h.service)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	err = facade.Commands().BeginAuthorization.Execute(context.Background(), triagecommand.BeginAuthorizationMessage{UserID: "alice@example.com"})
	if err == nil {
		t.Fatalf("expected missing authorizer error")
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}
