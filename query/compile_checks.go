package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/ratelimit"
)

var (
	_ gocmd.Querier[ListUsersMessage, []string]                 = (*ListUsersQuery)(nil)
	_ gocmd.Querier[RunStatusMessage, []core.Artifact]          = (*RunStatusQuery)(nil)
	_ gocmd.Querier[UsageMessage, ratelimit.Usage]              = (*UsageQuery)(nil)
	_ gocmd.Querier[ProcessedStatsMessage, core.ProcessedStats] = (*ProcessedStatsQuery)(nil)
)
