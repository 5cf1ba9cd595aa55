package maintenance

import (
	"context"

	"github.com/goliatone/go-triage/core"
)

// LogHook reports worker lifecycle events through an observer.
type LogHook struct {
	observer core.Observer
}

func NewLogHook(observer core.Observer) *LogHook {
	return &LogHook{observer: observer}
}

func (h *LogHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Log(ctx, "debug", "maintenance job started", eventFields(event))
}

func (h *LogHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Counter(ctx, "maintenance_worker.success", 1, map[string]string{"job_id": jobID(event)})
}

func (h *LogHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Counter(ctx, "maintenance_worker.dead_letter", 1, map[string]string{"job_id": jobID(event)})
	h.observer.Log(ctx, "error", "maintenance job dead-lettered", eventFields(event))
}

func (h *LogHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Counter(ctx, "maintenance_worker.retry", 1, map[string]string{"job_id": jobID(event)})
	h.observer.Log(ctx, "warn", "maintenance job will retry", eventFields(event))
}

func eventFields(event core.JobWorkerEvent) map[string]any {
	fields := map[string]any{
		"job_id":      jobID(event),
		"attempt":     event.Attempt,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Delay > 0 {
		fields["delay"] = event.Delay.String()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

func jobID(event core.JobWorkerEvent) string {
	if event.Message == nil {
		return ""
	}
	return event.Message.JobID
}

var _ core.JobWorkerHook = (*LogHook)(nil)
