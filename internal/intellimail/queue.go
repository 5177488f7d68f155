package intellimail

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueCapacity     = 1024
	defaultTerminalRetention = 4096
	defaultLeaseDuration     = 2 * time.Minute
	queuePollInterval        = 10 * time.Millisecond
)

// TaskQueue hands out leases on analysis tasks. A task is owned by at most
// one worker at a time; a lease that expires without Ack, Nack or Fail makes
// the task claimable again.
type TaskQueue interface {
	// Enqueue reports false when an active or completed task with the same ID
	// exists. A failed task is re-armed with a fresh attempt budget.
	Enqueue(ctx context.Context, task Task) (bool, error)
	// Dequeue blocks until a task can be leased or ctx ends.
	Dequeue(ctx context.Context, lease time.Duration) (Task, bool)
	Ack(ctx context.Context, taskID, leaseToken string) error
	Nack(ctx context.Context, taskID, leaseToken string, retry Retry) error
	Fail(ctx context.Context, taskID, leaseToken, reason string) error
	Get(ctx context.Context, taskID string) (Task, error)
	// Depth counts non-terminal tasks for ownerID, or for everyone when
	// ownerID is empty.
	Depth(ctx context.Context, ownerID string) (int, error)
	Capacity() int
	Close() error
}

type InMemoryTaskQueue struct {
	mu           sync.Mutex
	capacity     int
	retention    int
	pollInterval time.Duration
	now          func() time.Time
	tasks        map[string]*Task
	order        []string

	// persist runs under mu after every mutation. A non-nil error rolls the
	// mutation back.
	persist func(tasks []Task) error
}

func NewInMemoryTaskQueue(capacity int) *InMemoryTaskQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &InMemoryTaskQueue{
		capacity:     capacity,
		retention:    defaultTerminalRetention,
		pollInterval: queuePollInterval,
		now:          time.Now,
		tasks:        map[string]*Task{},
		order:        []string{},
	}
}

func (q *InMemoryTaskQueue) Enqueue(_ context.Context, task Task) (bool, error) {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.MessageID) == "" || strings.TrimSpace(task.OwnerID) == "" {
		return false, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()

	if existing, ok := q.tasks[task.ID]; ok {
		if existing.State != TaskFailed {
			return false, nil
		}
		prev := *existing
		existing.State = TaskPending
		existing.AttemptCount = 0
		existing.QuotaDeferrals = 0
		existing.AvailableAt = now
		existing.LastError = ""
		existing.LeaseToken = ""
		existing.LeaseExpiresAt = time.Time{}
		existing.UpdatedAt = now
		if err := q.saveLocked(); err != nil {
			*existing = prev
			return false, err
		}
		return true, nil
	}

	if q.activeLocked("") >= q.capacity {
		return false, ErrQueueFull
	}
	stored := task
	stored.State = TaskPending
	stored.AttemptCount = 0
	stored.QuotaDeferrals = 0
	stored.LeaseToken = ""
	stored.LeaseExpiresAt = time.Time{}
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = now
	}
	if stored.AvailableAt.IsZero() {
		stored.AvailableAt = now
	}
	stored.UpdatedAt = now
	q.tasks[stored.ID] = &stored
	q.order = append(q.order, stored.ID)
	if err := q.saveLocked(); err != nil {
		delete(q.tasks, stored.ID)
		q.order = q.order[:len(q.order)-1]
		return false, err
	}
	return true, nil
}

func (q *InMemoryTaskQueue) Dequeue(ctx context.Context, lease time.Duration) (Task, bool) {
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	for {
		if task, ok := q.tryDequeue(lease); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryTaskQueue) tryDequeue(lease time.Duration) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	for _, id := range q.order {
		task := q.tasks[id]
		if !claimable(task, now) {
			continue
		}
		prev := *task
		task.State = TaskInFlight
		task.AttemptCount++
		task.LeaseToken = uuid.NewString()
		task.LeaseExpiresAt = now.Add(lease)
		task.UpdatedAt = now
		if err := q.saveLocked(); err != nil {
			*task = prev
			return Task{}, false
		}
		return *task, true
	}
	return Task{}, false
}

func claimable(task *Task, now time.Time) bool {
	switch task.State {
	case TaskPending, TaskRetrying:
		return !task.AvailableAt.After(now)
	case TaskInFlight:
		return !task.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

func (q *InMemoryTaskQueue) Ack(_ context.Context, taskID, leaseToken string) error {
	return q.settle(taskID, leaseToken, func(task *Task, _ time.Time) {
		task.State = TaskCompleted
		task.LastError = ""
	})
}

func (q *InMemoryTaskQueue) Nack(_ context.Context, taskID, leaseToken string, retry Retry) error {
	return q.settle(taskID, leaseToken, func(task *Task, now time.Time) {
		task.State = TaskRetrying
		task.AvailableAt = now.Add(maxDuration(retry.After, 0))
		task.LastError = retry.Reason
		if retry.QuotaDeferral {
			task.QuotaDeferrals++
		}
		if (retry.QuotaDeferral || retry.Requeue) && task.AttemptCount > 0 {
			task.AttemptCount--
		}
	})
}

func (q *InMemoryTaskQueue) Fail(_ context.Context, taskID, leaseToken, reason string) error {
	return q.settle(taskID, leaseToken, func(task *Task, _ time.Time) {
		task.State = TaskFailed
		task.LastError = reason
	})
}

func (q *InMemoryTaskQueue) settle(taskID, leaseToken string, apply func(task *Task, now time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.State != TaskInFlight || task.LeaseToken == "" || task.LeaseToken != leaseToken {
		return ErrLeaseLost
	}
	now := q.now().UTC()
	prev := *task
	apply(task, now)
	task.LeaseToken = ""
	task.LeaseExpiresAt = time.Time{}
	task.UpdatedAt = now
	prevOrder := q.order
	var pruned []*Task
	if task.State.Terminal() {
		pruned = q.pruneLocked()
	}
	if err := q.saveLocked(); err != nil {
		*task = prev
		q.order = prevOrder
		for _, t := range pruned {
			q.tasks[t.ID] = t
		}
		return err
	}
	return nil
}

// pruneLocked drops the oldest terminal tasks beyond the retention limit and
// returns them.
func (q *InMemoryTaskQueue) pruneLocked() []*Task {
	terminal := 0
	for _, id := range q.order {
		if q.tasks[id].State.Terminal() {
			terminal++
		}
	}
	excess := terminal - q.retention
	if excess <= 0 {
		return nil
	}
	pruned := make([]*Task, 0, excess)
	kept := make([]string, 0, len(q.order)-excess)
	for _, id := range q.order {
		if len(pruned) < excess && q.tasks[id].State.Terminal() {
			pruned = append(pruned, q.tasks[id])
			delete(q.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return pruned
}

func (q *InMemoryTaskQueue) Get(_ context.Context, taskID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *task, nil
}

func (q *InMemoryTaskQueue) Depth(_ context.Context, ownerID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLocked(ownerID), nil
}

func (q *InMemoryTaskQueue) activeLocked(ownerID string) int {
	n := 0
	for _, id := range q.order {
		task := q.tasks[id]
		if task.State.Terminal() {
			continue
		}
		if ownerID != "" && task.OwnerID != ownerID {
			continue
		}
		n++
	}
	return n
}

func (q *InMemoryTaskQueue) Capacity() int {
	return q.capacity
}

func (q *InMemoryTaskQueue) Close() error {
	return nil
}

func (q *InMemoryTaskQueue) snapshotLocked() []Task {
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.tasks[id])
	}
	return out
}

func (q *InMemoryTaskQueue) saveLocked() error {
	if q.persist == nil {
		return nil
	}
	return q.persist(q.snapshotLocked())
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
