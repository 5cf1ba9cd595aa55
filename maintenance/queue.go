package maintenance

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/google/uuid"
)

// DeadLetter is a job the queue gave up on.
type DeadLetter struct {
	DispatchID string
	Message    *job.ExecutionMessage
	Attempts   int
	Reason     string
	FailedAt   time.Time
}

type queuedJob struct {
	id          string
	msg         *job.ExecutionMessage
	attempts    int
	enqueuedAt  time.Time
	availableAt time.Time
}

// MemoryQueue is an in-process go-job queue. Messages sharing an idempotency
// key are collapsed while one is pending or in flight: the drop policy
// discards the newcomer, the merge policy folds its parameters into the
// pending copy.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []*queuedJob
	inFlight map[string]string
	dead     []DeadLetter
	notify   chan struct{}
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inFlight: map[string]string{},
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	if err := queue.ValidateRequiredMessage(msg); err != nil {
		return queue.EnqueueReceipt{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	key := strings.TrimSpace(msg.IdempotencyKey)
	if key != "" {
		if existing := q.pendingByKey(key); existing != nil {
			if msg.DedupPolicy == job.DedupPolicyMerge {
				if existing.msg.Parameters == nil {
					existing.msg.Parameters = map[string]any{}
				}
				maps.Copy(existing.msg.Parameters, msg.Parameters)
			}
			return queue.EnqueueReceipt{DispatchID: existing.id, EnqueuedAt: existing.enqueuedAt}, nil
		}
		if id, busy := q.inFlight[key]; busy {
			return queue.EnqueueReceipt{DispatchID: id, EnqueuedAt: now}, nil
		}
	}
	queued := &queuedJob{id: uuid.NewString(), msg: cloneMessage(msg), enqueuedAt: now, availableAt: now}
	q.pending = append(q.pending, queued)
	q.signal()
	return queue.EnqueueReceipt{DispatchID: queued.id, EnqueuedAt: now}, nil
}

// Dequeue blocks until a job is available or ctx ends.
func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		now := q.now()
		var wait time.Duration = -1
		for i, queued := range q.pending {
			if !queued.availableAt.After(now) {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				if key := queued.msg.IdempotencyKey; key != "" {
					q.inFlight[key] = queued.id
				}
				queued.attempts++
				q.mu.Unlock()
				return &memoryDelivery{queue: q, job: queued}, nil
			}
			if until := queued.availableAt.Sub(now); wait < 0 || until < wait {
				wait = until
			}
		}
		q.mu.Unlock()

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			expired = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.notify:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len reports jobs waiting to be delivered, delayed ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) pendingByKey(key string) *queuedJob {
	for _, queued := range q.pending {
		if queued.msg.IdempotencyKey == key {
			return queued
		}
	}
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// settle releases a delivery. A nil opts acks it. Retries go back on the
// queue after opts.Delay; every other disposition ends in the dead letters.
func (q *MemoryQueue) settle(queued *queuedJob, opts *queue.NackOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if opts != nil && opts.Disposition == queue.NackDispositionRetry {
		queued.availableAt = q.now().Add(max(opts.Delay, 0))
		q.pending = append(q.pending, queued)
		q.signal()
		return
	}
	delete(q.inFlight, queued.msg.IdempotencyKey)
	if opts != nil {
		q.dead = append(q.dead, DeadLetter{
			DispatchID: queued.id,
			Message:    queued.msg,
			Attempts:   queued.attempts,
			Reason:     opts.Reason,
			FailedAt:   q.now(),
		})
	}
}

type memoryDelivery struct {
	queue *MemoryQueue
	job   *queuedJob
	once  sync.Once
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.job.msg
}

// Attempts counts deliveries of this job, this one included.
func (d *memoryDelivery) Attempts() int {
	return d.job.attempts
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.once.Do(func() {
		d.queue.settle(d.job, nil)
	})
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := queue.ValidateNackOptions(opts); err != nil {
		return err
	}
	d.once.Do(func() {
		d.queue.settle(d.job, &opts)
	})
	return nil
}

func cloneMessage(msg *job.ExecutionMessage) *job.ExecutionMessage {
	out := *msg
	out.JobID = strings.TrimSpace(out.JobID)
	out.IdempotencyKey = strings.TrimSpace(out.IdempotencyKey)
	out.Parameters = maps.Clone(msg.Parameters)
	return &out
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
