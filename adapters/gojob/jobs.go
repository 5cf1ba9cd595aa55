// Package gojob bridges the triage maintenance jobs to go-job queues and
// workers.
package gojob

import (
	"maps"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
)

// Maintenance job ids. The id doubles as the go-job script path.
const (
	JobIDPurgeCorrupted = "triage.credentials.purge"
	JobIDRefreshAll     = "triage.credentials.refresh_all"
	JobIDRunAll         = "triage.pipeline.run_all"
)

// NewJobMessage builds a maintenance job keyed to the window that contains
// at, so a scheduler firing twice in one window enqueues one job.
func NewJobMessage(jobID string, parameters map[string]any, at time.Time, window time.Duration) *job.ExecutionMessage {
	jobID = strings.TrimSpace(jobID)
	if window <= 0 {
		window = time.Minute
	}
	slot := at.UTC().Truncate(window).Format(time.RFC3339)
	return &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     cloneParams(parameters),
		IdempotencyKey: jobID + "@" + slot,
		DedupPolicy:    job.DedupPolicyDrop,
	}
}

func cloneParams(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	return maps.Clone(in)
}
