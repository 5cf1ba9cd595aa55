package query

import (
	"context"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/ratelimit"
)

type UserLister interface {
	Users(ctx context.Context) ([]string, error)
}

type RunStatusReader interface {
	RunStatus(ctx context.Context, runID string) ([]core.Artifact, error)
}

type UsageReader interface {
	Usage(ctx context.Context, userID string) (ratelimit.Usage, error)
}

type ProcessedStatsReader interface {
	ProcessedStats(ctx context.Context, userID string) (core.ProcessedStats, error)
}

type ListUsersQuery struct {
	reader UserLister
}

func NewListUsersQuery(reader UserLister) *ListUsersQuery {
	return &ListUsersQuery{reader: reader}
}

func (q *ListUsersQuery) Query(ctx context.Context, _ ListUsersMessage) ([]string, error) {
	if q == nil || q.reader == nil {
		return nil, core.MissingDependencyError("query: user lister is required")
	}
	return q.reader.Users(ctx)
}

type RunStatusQuery struct {
	reader RunStatusReader
}

func NewRunStatusQuery(reader RunStatusReader) *RunStatusQuery {
	return &RunStatusQuery{reader: reader}
}

// Query returns the latest artifact of every step recorded for the run.
func (q *RunStatusQuery) Query(ctx context.Context, msg RunStatusMessage) ([]core.Artifact, error) {
	if q == nil || q.reader == nil {
		return nil, core.MissingDependencyError("query: run status reader is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "query: invalid run status message"); err != nil {
		return nil, err
	}
	return q.reader.RunStatus(ctx, msg.RunID)
}

type UsageQuery struct {
	reader UsageReader
}

func NewUsageQuery(reader UsageReader) *UsageQuery {
	return &UsageQuery{reader: reader}
}

func (q *UsageQuery) Query(ctx context.Context, msg UsageMessage) (ratelimit.Usage, error) {
	if q == nil || q.reader == nil {
		return ratelimit.Usage{}, core.MissingDependencyError("query: usage reader is required")
	}
	return q.reader.Usage(ctx, msg.UserID)
}

type ProcessedStatsQuery struct {
	reader ProcessedStatsReader
}

func NewProcessedStatsQuery(reader ProcessedStatsReader) *ProcessedStatsQuery {
	return &ProcessedStatsQuery{reader: reader}
}

func (q *ProcessedStatsQuery) Query(ctx context.Context, msg ProcessedStatsMessage) (core.ProcessedStats, error) {
	if q == nil || q.reader == nil {
		return core.ProcessedStats{}, core.MissingDependencyError("query: processed stats reader is required")
	}
	if err := core.WrapBadInput(msg.Validate(), "query: invalid processed stats message"); err != nil {
		return core.ProcessedStats{}, err
	}
	return q.reader.ProcessedStats(ctx, msg.UserID)
}
