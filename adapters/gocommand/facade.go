package gocommand

import (
	"errors"
	"fmt"

	triage "github.com/goliatone/go-triage"
	triagecommand "github.com/goliatone/go-triage/command"
	"github.com/goliatone/go-triage/core"
	triagequery "github.com/goliatone/go-triage/query"
	"github.com/goliatone/go-triage/ratelimit"
)

// Mount puts every triage command and query on the bus. When any of them
// fails the bus is closed, so a failed mount leaves nothing subscribed.
func Mount(bus *Bus, facade *triage.Facade) error {
	if bus == nil || bus.registry == nil {
		return ErrBusNotConfigured
	}
	if facade == nil {
		return fmt.Errorf("gocommand: facade is required")
	}
	commands := facade.Commands()
	queries := facade.Queries()

	err := errors.Join(
		Handle[triagecommand.BeginAuthorizationMessage](bus, commands.BeginAuthorization),
		Handle[triagecommand.CompleteAuthorizationMessage](bus, commands.CompleteAuthorization),
		Handle[triagecommand.RunPipelineMessage](bus, commands.RunPipeline),
		Handle[triagecommand.RevokeMessage](bus, commands.Revoke),
		Handle[triagecommand.PurgeCorruptedMessage](bus, commands.PurgeCorrupted),
		Handle[triagecommand.RefreshAllMessage](bus, commands.RefreshAll),
		Handle[triagecommand.ResetProcessedMessage](bus, commands.ResetProcessed),
		Answer[triagequery.ListUsersMessage, []string](bus, queries.ListUsers),
		Answer[triagequery.RunStatusMessage, []core.Artifact](bus, queries.RunStatus),
		Answer[triagequery.UsageMessage, ratelimit.Usage](bus, queries.Usage),
		Answer[triagequery.ProcessedStatsMessage, core.ProcessedStats](bus, queries.ProcessedStats),
	)
	if err != nil {
		bus.Close()
		return err
	}
	return nil
}
