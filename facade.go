package triage

import (
	"fmt"

	triagecommand "github.com/goliatone/go-triage/command"
	triagequery "github.com/goliatone/go-triage/query"
)

type CommandQueryService interface {
	triagecommand.MutatingService
	triagequery.UserLister
	triagequery.RunStatusReader
	triagequery.UsageReader
	triagequery.ProcessedStatsReader
}

type Commands struct {
	BeginAuthorization    *triagecommand.BeginAuthorizationCommand
	CompleteAuthorization *triagecommand.CompleteAuthorizationCommand
	RunPipeline           *triagecommand.RunPipelineCommand
	Revoke                *triagecommand.RevokeCommand
	PurgeCorrupted        *triagecommand.PurgeCorruptedCommand
	RefreshAll            *triagecommand.RefreshAllCommand
	ResetProcessed        *triagecommand.ResetProcessedCommand
}

type Queries struct {
	ListUsers      *triagequery.ListUsersQuery
	RunStatus      *triagequery.RunStatusQuery
	Usage          *triagequery.UsageQuery
	ProcessedStats *triagequery.ProcessedStatsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("triage: command/query service is required")
	}
	facade := &Facade{service: service}
	facade.commands = Commands{
		BeginAuthorization:    triagecommand.NewBeginAuthorizationCommand(service),
		CompleteAuthorization: triagecommand.NewCompleteAuthorizationCommand(service),
		RunPipeline:           triagecommand.NewRunPipelineCommand(service),
		Revoke:                triagecommand.NewRevokeCommand(service),
		PurgeCorrupted:        triagecommand.NewPurgeCorruptedCommand(service),
		RefreshAll:            triagecommand.NewRefreshAllCommand(service),
		ResetProcessed:        triagecommand.NewResetProcessedCommand(service),
	}
	facade.queries = Queries{
		ListUsers:      triagequery.NewListUsersQuery(service),
		RunStatus:      triagequery.NewRunStatusQuery(service),
		Usage:          triagequery.NewUsageQuery(service),
		ProcessedStats: triagequery.NewProcessedStatsQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Service)(nil)
