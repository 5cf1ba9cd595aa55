package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[BeginAuthorizationMessage]    = (*BeginAuthorizationCommand)(nil)
	_ gocmd.Commander[CompleteAuthorizationMessage] = (*CompleteAuthorizationCommand)(nil)
	_ gocmd.Commander[RunPipelineMessage]           = (*RunPipelineCommand)(nil)
	_ gocmd.Commander[RevokeMessage]                = (*RevokeCommand)(nil)
	_ gocmd.Commander[PurgeCorruptedMessage]        = (*PurgeCorruptedCommand)(nil)
	_ gocmd.Commander[RefreshAllMessage]            = (*RefreshAllCommand)(nil)
	_ gocmd.Commander[ResetProcessedMessage]        = (*ResetProcessedCommand)(nil)
)
