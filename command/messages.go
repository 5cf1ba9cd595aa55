package command

import (
	"slices"
	"strings"

	"github.com/goliatone/go-triage/core"
)

const (
	TypeBeginAuthorization    = "triage.command.authorization.begin"
	TypeCompleteAuthorization = "triage.command.authorization.complete"
	TypeRunPipeline           = "triage.command.pipeline.run"
	TypeRevoke                = "triage.command.credential.revoke"
	TypePurgeCorrupted        = "triage.command.credential.purge"
	TypeRefreshAll            = "triage.command.credential.refresh_all"
	TypeResetProcessed        = "triage.command.processed.reset"
)

type BeginAuthorizationMessage struct {
	UserID string
	Scopes []string
}

func (BeginAuthorizationMessage) Type() string { return TypeBeginAuthorization }

func (m BeginAuthorizationMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return core.FieldValidationError("command", "user_id", "user id is required")
	}
	if slices.ContainsFunc(m.Scopes, func(scope string) bool { return strings.TrimSpace(scope) == "" }) {
		return core.FieldValidationError("command", "scopes", "scopes must not contain empty values")
	}
	return nil
}

type CompleteAuthorizationMessage struct {
	State string
	Code  string
}

func (CompleteAuthorizationMessage) Type() string { return TypeCompleteAuthorization }

func (m CompleteAuthorizationMessage) Validate() error {
	if strings.TrimSpace(m.State) == "" {
		return core.FieldValidationError("command", "state", "authorization state is required")
	}
	if strings.TrimSpace(m.Code) == "" {
		return core.FieldValidationError("command", "code", "authorization code is required")
	}
	return nil
}

type RunPipelineMessage struct {
	Request core.RunRequest
}

func (RunPipelineMessage) Type() string { return TypeRunPipeline }

func (m RunPipelineMessage) Validate() error {
	if m.Request.All && strings.TrimSpace(m.Request.UserID) != "" {
		return core.BadInputError("command: user id and all are mutually exclusive")
	}
	if m.Request.All && strings.TrimSpace(m.Request.RunID) != "" {
		return core.BadInputError("command: an explicit run id applies to a single user")
	}
	for _, stage := range m.Request.Stages {
		if strings.TrimSpace(stage) == "" {
			return core.FieldValidationError("command", "stages", "stage names must not be empty")
		}
	}
	return nil
}

type RevokeMessage struct {
	UserID string
}

func (RevokeMessage) Type() string { return TypeRevoke }

func (m RevokeMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return core.FieldValidationError("command", "user_id", "user id is required")
	}
	return nil
}

type PurgeCorruptedMessage struct{}

func (PurgeCorruptedMessage) Type() string { return TypePurgeCorrupted }

func (PurgeCorruptedMessage) Validate() error { return nil }

type RefreshAllMessage struct{}

func (RefreshAllMessage) Type() string { return TypeRefreshAll }

func (RefreshAllMessage) Validate() error { return nil }

type ResetProcessedMessage struct {
	UserID string
}

func (ResetProcessedMessage) Type() string { return TypeResetProcessed }

func (m ResetProcessedMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return core.FieldValidationError("command", "user_id", "user id is required")
	}
	return nil
}
