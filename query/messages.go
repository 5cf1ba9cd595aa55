package query

import (
	"strings"

	"github.com/goliatone/go-triage/core"
)

const (
	TypeListUsers      = "triage.query.users.list"
	TypeRunStatus      = "triage.query.run.status"
	TypeUsage          = "triage.query.rate.usage"
	TypeProcessedStats = "triage.query.processed.stats"
)

type ListUsersMessage struct{}

func (ListUsersMessage) Type() string { return TypeListUsers }

func (ListUsersMessage) Validate() error { return nil }

type RunStatusMessage struct {
	RunID string
}

func (RunStatusMessage) Type() string { return TypeRunStatus }

func (m RunStatusMessage) Validate() error {
	if strings.TrimSpace(m.RunID) == "" {
		return core.FieldValidationError("query", "run_id", "run id is required")
	}
	return nil
}

// UsageMessage reads the global window when UserID is empty.
type UsageMessage struct {
	UserID string
}

func (UsageMessage) Type() string { return TypeUsage }

func (UsageMessage) Validate() error { return nil }

type ProcessedStatsMessage struct {
	UserID string
}

func (ProcessedStatsMessage) Type() string { return TypeProcessedStats }

func (m ProcessedStatsMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return core.FieldValidationError("query", "user_id", "user id is required")
	}
	return nil
}
