package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/pipeline"
)

type MutatingService interface {
	BeginAuthorization(ctx context.Context, userID string, scopes []string) (core.AuthorizationStart, error)
	CompleteAuthorization(ctx context.Context, state string, code string) (core.Credential, error)
	Run(ctx context.Context, req core.RunRequest) ([]pipeline.RunReport, error)
	Revoke(ctx context.Context, userID string) error
	PurgeCorrupted(ctx context.Context) (int, error)
	RefreshAll(ctx context.Context) ([]core.RefreshOutcome, error)
	ResetProcessed(ctx context.Context, userID string) error
}

type BeginAuthorizationCommand struct {
	service MutatingService
}

func NewBeginAuthorizationCommand(service MutatingService) *BeginAuthorizationCommand {
	return &BeginAuthorizationCommand{service: service}
}

func (c *BeginAuthorizationCommand) Execute(ctx context.Context, msg BeginAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: authorization service is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "command: invalid begin authorization message"); err != nil {
		return err
	}
	out, err := c.service.BeginAuthorization(ctx, msg.UserID, msg.Scopes)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteAuthorizationCommand struct {
	service MutatingService
}

func NewCompleteAuthorizationCommand(service MutatingService) *CompleteAuthorizationCommand {
	return &CompleteAuthorizationCommand{service: service}
}

// Execute stores the credential with its token material redacted.
func (c *CompleteAuthorizationCommand) Execute(ctx context.Context, msg CompleteAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: authorization service is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "command: invalid complete authorization message"); err != nil {
		return err
	}
	out, err := c.service.CompleteAuthorization(ctx, msg.State, msg.Code)
	if err != nil {
		return err
	}
	storeResult(ctx, core.RedactCredential(out))
	return nil
}

type RunPipelineCommand struct {
	service MutatingService
}

func NewRunPipelineCommand(service MutatingService) *RunPipelineCommand {
	return &RunPipelineCommand{service: service}
}

// Execute stores the reports even when a run fails so callers can show
// which step stopped.
func (c *RunPipelineCommand) Execute(ctx context.Context, msg RunPipelineMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: pipeline service is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "command: invalid run message"); err != nil {
		return err
	}
	out, err := c.service.Run(ctx, msg.Request)
	if out != nil {
		storeResult(ctx, out)
	}
	return err
}

type RevokeCommand struct {
	service MutatingService
}

func NewRevokeCommand(service MutatingService) *RevokeCommand {
	return &RevokeCommand{service: service}
}

func (c *RevokeCommand) Execute(ctx context.Context, msg RevokeMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: revoke service is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "command: invalid revoke message"); err != nil {
		return err
	}
	return c.service.Revoke(ctx, msg.UserID)
}

type PurgeCorruptedCommand struct {
	service MutatingService
}

func NewPurgeCorruptedCommand(service MutatingService) *PurgeCorruptedCommand {
	return &PurgeCorruptedCommand{service: service}
}

func (c *PurgeCorruptedCommand) Execute(ctx context.Context, _ PurgeCorruptedMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: purge service is required")
	}
	removed, err := c.service.PurgeCorrupted(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, removed)
	return nil
}

type RefreshAllCommand struct {
	service MutatingService
}

func NewRefreshAllCommand(service MutatingService) *RefreshAllCommand {
	return &RefreshAllCommand{service: service}
}

func (c *RefreshAllCommand) Execute(ctx context.Context, _ RefreshAllMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: refresh service is required")
	}
	out, err := c.service.RefreshAll(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ResetProcessedCommand struct {
	service MutatingService
}

func NewResetProcessedCommand(service MutatingService) *ResetProcessedCommand {
	return &ResetProcessedCommand{service: service}
}

func (c *ResetProcessedCommand) Execute(ctx context.Context, msg ResetProcessedMessage) error {
	if c == nil || c.service == nil {
		return core.MissingDependencyError("command: processed store service is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "command: invalid reset message"); err != nil {
		return err
	}
	return c.service.ResetProcessed(ctx, msg.UserID)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
