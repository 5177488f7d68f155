package intellimail

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTask(messageID string) Task {
	return NewTask(Message{ID: messageID, OwnerID: "owner_1", ContentHash: "hash_" + messageID}, StageSummarize)
}

func mustDequeue(t *testing.T, q TaskQueue, lease time.Duration) Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	task, ok := q.Dequeue(ctx, lease)
	if !ok {
		t.Fatalf("expected dequeue to lease a task")
	}
	return task
}

func expectNoDequeue(t *testing.T, q TaskQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if task, ok := q.Dequeue(ctx, time.Minute); ok {
		t.Fatalf("expected no claimable task, got %+v", task)
	}
}

func TestInMemoryTaskQueueLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue(4)

	task := testTask("msg_1")
	added, err := q.Enqueue(ctx, task)
	if err != nil || !added {
		t.Fatalf("expected enqueue to add task, got added=%v err=%v", added, err)
	}
	if added, _ := q.Enqueue(ctx, task); added {
		t.Fatalf("expected duplicate enqueue to be ignored")
	}

	leased := mustDequeue(t, q, time.Minute)
	if leased.State != TaskInFlight || leased.AttemptCount != 1 || leased.LeaseToken == "" {
		t.Fatalf("expected in-flight lease with attempt 1, got %+v", leased)
	}
	if err := q.Ack(ctx, leased.ID, "wrong-token"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost for wrong token, got %v", err)
	}
	if err := q.Ack(ctx, leased.ID, leased.LeaseToken); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := q.Ack(ctx, leased.ID, leased.LeaseToken); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected second ack to report lease lost, got %v", err)
	}
	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != TaskCompleted {
		t.Fatalf("expected completed state, got %s", got.State)
	}
	if added, _ := q.Enqueue(ctx, task); added {
		t.Fatalf("expected completed task to block re-enqueue")
	}
	if depth, _ := q.Depth(ctx, ""); depth != 0 {
		t.Fatalf("expected depth 0 after completion, got %d", depth)
	}
}

func TestInMemoryTaskQueueExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewInMemoryTaskQueue(4)
	q.now = clock.Now

	if _, err := q.Enqueue(ctx, testTask("msg_1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	first := mustDequeue(t, q, time.Minute)
	expectNoDequeue(t, q)

	clock.Advance(time.Minute)
	second := mustDequeue(t, q, time.Minute)
	if second.ID != first.ID || second.AttemptCount != 2 {
		t.Fatalf("expected reclaimed task with attempt 2, got %+v", second)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Fatalf("expected a fresh lease token on reclaim")
	}
	if err := q.Ack(ctx, first.ID, first.LeaseToken); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected stale lease ack to fail with lease lost, got %v", err)
	}
	if err := q.Ack(ctx, second.ID, second.LeaseToken); err != nil {
		t.Fatalf("ack with current lease failed: %v", err)
	}
}

func TestInMemoryTaskQueueNackDelaysAndQuotaRefunds(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewInMemoryTaskQueue(4)
	q.now = clock.Now

	if _, err := q.Enqueue(ctx, testTask("msg_1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	leased := mustDequeue(t, q, time.Minute)
	if err := q.Nack(ctx, leased.ID, leased.LeaseToken, Retry{After: 5 * time.Second, Reason: "timeout"}); err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	expectNoDequeue(t, q)
	clock.Advance(5 * time.Second)
	leased = mustDequeue(t, q, time.Minute)
	if leased.AttemptCount != 2 || leased.LastError != "timeout" {
		t.Fatalf("expected attempt 2 with last error timeout, got %+v", leased)
	}

	if err := q.Nack(ctx, leased.ID, leased.LeaseToken, Retry{After: time.Second, QuotaDeferral: true}); err != nil {
		t.Fatalf("quota nack failed: %v", err)
	}
	got, _ := q.Get(ctx, leased.ID)
	if got.AttemptCount != 1 || got.QuotaDeferrals != 1 || got.State != TaskRetrying {
		t.Fatalf("expected refunded attempt and one deferral, got %+v", got)
	}
}

func TestInMemoryTaskQueueFailedTaskIsRearmed(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue(4)
	task := testTask("msg_1")
	if _, err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	leased := mustDequeue(t, q, time.Minute)
	if err := q.Fail(ctx, leased.ID, leased.LeaseToken, "boom"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	added, err := q.Enqueue(ctx, task)
	if err != nil || !added {
		t.Fatalf("expected failed task to be re-armed, got added=%v err=%v", added, err)
	}
	got, _ := q.Get(ctx, task.ID)
	if got.State != TaskPending || got.AttemptCount != 0 || got.LastError != "" {
		t.Fatalf("expected fresh pending task, got %+v", got)
	}
}

func TestInMemoryTaskQueueCapacityCountsActiveTasks(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue(1)
	if _, err := q.Enqueue(ctx, testTask("msg_1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, testTask("msg_2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	leased := mustDequeue(t, q, time.Minute)
	if err := q.Ack(ctx, leased.ID, leased.LeaseToken); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if added, err := q.Enqueue(ctx, testTask("msg_2")); err != nil || !added {
		t.Fatalf("expected room after completion, got added=%v err=%v", added, err)
	}
}

func TestInMemoryTaskQueueDepthByOwner(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue(8)
	other := NewTask(Message{ID: "msg_other", OwnerID: "owner_2", ContentHash: "h"}, StageSummarize)
	for _, task := range []Task{testTask("msg_1"), testTask("msg_2"), other} {
		if _, err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if depth, _ := q.Depth(ctx, "owner_1"); depth != 2 {
		t.Fatalf("expected owner_1 depth 2, got %d", depth)
	}
	if depth, _ := q.Depth(ctx, ""); depth != 3 {
		t.Fatalf("expected total depth 3, got %d", depth)
	}
}

func TestInMemoryTaskQueueRetentionPrunesOldestTerminal(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue(8)
	q.retention = 1
	for _, id := range []string{"msg_1", "msg_2"} {
		if _, err := q.Enqueue(ctx, testTask(id)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		leased := mustDequeue(t, q, time.Minute)
		if err := q.Ack(ctx, leased.ID, leased.LeaseToken); err != nil {
			t.Fatalf("ack failed: %v", err)
		}
	}
	if _, err := q.Get(ctx, testTask("msg_1").ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest completed task pruned, got %v", err)
	}
	if _, err := q.Get(ctx, testTask("msg_2").ID); err != nil {
		t.Fatalf("expected newest completed task retained, got %v", err)
	}
}

func TestInMemoryTaskQueueSingleLeaseUnderContention(t *testing.T) {
	q := NewInMemoryTaskQueue(64)
	ctx := context.Background()
	const tasks = 20
	for i := 0; i < tasks; i++ {
		if _, err := q.Enqueue(ctx, testTask("msg_"+string(rune('a'+i)))); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var claimed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				task, ok := q.Dequeue(dctx, time.Minute)
				cancel()
				if !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
				claimed.Add(1)
				_ = q.Ack(ctx, task.ID, task.LeaseToken)
			}
		}()
	}
	wg.Wait()
	if claimed.Load() != tasks {
		t.Fatalf("expected %d claims, got %d", tasks, claimed.Load())
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("expected task %s leased once, got %d", id, n)
		}
	}
}

func TestFileTaskQueuePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "task-queue.json")
	q, err := NewFileTaskQueue(path, 4)
	if err != nil {
		t.Fatalf("new file task queue failed: %v", err)
	}
	for _, id := range []string{"msg_1", "msg_2"} {
		if _, err := q.Enqueue(ctx, testTask(id)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	leased := mustDequeue(t, q, time.Hour)

	reopened, err := NewFileTaskQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file task queue failed: %v", err)
	}
	got, err := reopened.Get(ctx, leased.ID)
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if got.State != TaskInFlight || got.LeaseToken != leased.LeaseToken || got.AttemptCount != 1 {
		t.Fatalf("expected lease to survive reopen, got %+v", got)
	}
	next := mustDequeue(t, reopened, time.Hour)
	if next.MessageID != "msg_2" {
		t.Fatalf("expected msg_2 to be next after reopen, got %s", next.MessageID)
	}
	if err := reopened.Ack(ctx, leased.ID, leased.LeaseToken); err != nil {
		t.Fatalf("ack of surviving lease failed: %v", err)
	}
	if depth, _ := reopened.Depth(ctx, ""); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestBuildTaskQueueFromDSN(t *testing.T) {
	memory, err := BuildTaskQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if memory.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", memory.Capacity())
	}
	path := filepath.Join(t.TempDir(), "queue.json")
	file, err := BuildTaskQueueFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if _, ok := file.(*FileTaskQueue); !ok || file.Capacity() != 9 {
		t.Fatalf("expected file queue with capacity 9, got %T", file)
	}
	pg, err := BuildTaskQueueFromDSN("postgres://localhost/intellimail?sslmode=disable", 3)
	if err != nil {
		t.Fatalf("expected postgres queue to be constructible without connecting, got %v", err)
	}
	if _, ok := pg.(*PostgresTaskQueue); !ok {
		t.Fatalf("expected postgres queue, got %T", pg)
	}
	if _, err := BuildTaskQueueFromDSN("kafka://broker:9092", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
	if q, err := BuildTaskQueueFromDSN("  ", 10); q != nil || err != nil {
		t.Fatalf("expected nil queue for empty dsn, got %v %v", q, err)
	}
}

func TestRegisterTaskQueueFactory(t *testing.T) {
	scheme := "taskqtestcustom"
	RegisterTaskQueueFactory(scheme, func(dsn string, capacity int) (TaskQueue, error) {
		return NewInMemoryTaskQueue(capacity), nil
	})
	q, err := BuildTaskQueueFromDSN(scheme+"://example", 17)
	if err != nil {
		t.Fatalf("build queue via registered factory failed: %v", err)
	}
	if q.Capacity() != 17 {
		t.Fatalf("expected capacity 17, got %d", q.Capacity())
	}
}
