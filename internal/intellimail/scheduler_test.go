package intellimail

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, backend *InMemoryStateBackend, mailbox Mailbox, queue TaskQueue, opts SchedulerOptions) *Scheduler {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}
	}
	return NewScheduler(backend, mailbox, queue, opts)
}

func TestSchedulerSweepEnqueuesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(16)
	mailbox := newFakeMailbox()
	m1 := mailbox.add("owner_1", "msg_1", sampleContent("One"))
	m2 := mailbox.add("owner_1", "msg_2", sampleContent("Two"))
	m3 := mailbox.add("owner_1", "msg_3", sampleContent("Three"))
	mailbox.page("", MessageBatch{Messages: []Message{m1, m2}, Next: "c1"})
	mailbox.page("c1", MessageBatch{Messages: []Message{m3}, Next: "c2", Done: true})

	done := NewAnalysisResult(m2, "m", DefaultStages)
	if _, err := backend.UpsertResult(ctx, done, 0); err != nil {
		t.Fatalf("seed result: %v", err)
	}

	s := newTestScheduler(t, backend, mailbox, queue, SchedulerOptions{Owners: []string{"owner_1"}})
	report, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Batches != 2 || report.Listed != 3 || report.Enqueued != 2 || report.Skipped != 1 || report.Paused {
		t.Fatalf("unexpected report %+v", report)
	}
	cursor, _ := backend.LoadCursor(ctx, "owner_1")
	if cursor != "c2" || report.Cursor != "c2" {
		t.Fatalf("expected cursor c2, got %q / %q", cursor, report.Cursor)
	}
	if _, err := backend.GetMessage(ctx, "msg_1"); err != nil {
		t.Fatalf("expected message recorded: %v", err)
	}
	if _, err := queue.Get(ctx, TaskID(m2.ID, m2.ContentHash)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no task for analysed message, got %v", err)
	}

	again, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Enqueued != 0 || again.Cursor != "c2" {
		t.Fatalf("expected nothing new from the saved cursor, got %+v", again)
	}
}

func TestSchedulerSweepIsIdempotentForQueuedVersions(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(16)
	mailbox := newFakeMailbox()
	m1 := mailbox.add("owner_1", "msg_1", sampleContent("One"))
	mailbox.page("", MessageBatch{Messages: []Message{m1}, Next: "c1", Done: true})
	s := newTestScheduler(t, backend, mailbox, queue, SchedulerOptions{})

	if _, err := s.Sweep(ctx, "owner_1"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := backend.SaveCursor(ctx, "owner_1", ""); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	report, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("resweep: %v", err)
	}
	if report.Enqueued != 0 || report.Skipped != 1 {
		t.Fatalf("expected the queued version to be skipped, got %+v", report)
	}
	if depth, _ := queue.Depth(ctx, "owner_1"); depth != 1 {
		t.Fatalf("expected a single task, got depth %d", depth)
	}
}

func TestSchedulerBackpressureLeavesCursorUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(16)
	for _, id := range []string{"a", "b"} {
		if _, err := queue.Enqueue(ctx, testTask(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	mailbox := newFakeMailbox()
	m1 := mailbox.add("owner_1", "msg_1", sampleContent("One"))
	mailbox.page("", MessageBatch{Messages: []Message{m1}, Next: "c1"})

	s := newTestScheduler(t, backend, mailbox, queue, SchedulerOptions{DepthCeiling: 2})
	report, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !report.Paused || report.Enqueued != 0 {
		t.Fatalf("expected a paused sweep with nothing enqueued, got %+v", report)
	}
	if mailbox.lists != 0 {
		t.Fatalf("expected the mailbox not to be listed, got %d lists", mailbox.lists)
	}
	if cursor, _ := backend.LoadCursor(ctx, "owner_1"); cursor != "" {
		t.Fatalf("expected cursor unchanged, got %q", cursor)
	}
}

func TestSchedulerQueueFullPausesWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(1)
	mailbox := newFakeMailbox()
	m1 := mailbox.add("owner_1", "msg_1", sampleContent("One"))
	m2 := mailbox.add("owner_1", "msg_2", sampleContent("Two"))
	mailbox.page("", MessageBatch{Messages: []Message{m1, m2}, Next: "c1"})

	s := newTestScheduler(t, backend, mailbox, queue, SchedulerOptions{})
	report, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !report.Paused || report.Enqueued != 1 {
		t.Fatalf("expected pause after one enqueue, got %+v", report)
	}
	if cursor, _ := backend.LoadCursor(ctx, "owner_1"); cursor != "" {
		t.Fatalf("expected cursor to stay before the unqueued batch, got %q", cursor)
	}
}

func TestSchedulerHashesMessagesWithoutContentHash(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(4)
	mailbox := newFakeMailbox()
	content := sampleContent("One")
	mailbox.add("owner_1", "msg_1", content)
	mailbox.page("", MessageBatch{Messages: []Message{{ID: "msg_1"}, {ID: "gone"}}, Next: "c1", Done: true})

	s := newTestScheduler(t, backend, mailbox, queue, SchedulerOptions{})
	report, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Enqueued != 1 || report.Skipped != 1 {
		t.Fatalf("expected one enqueued and the missing message skipped, got %+v", report)
	}
	msg, err := backend.GetMessage(ctx, "msg_1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.ContentHash != HashContent(content) || msg.OwnerID != "owner_1" {
		t.Fatalf("expected hashed message owned by owner_1, got %+v", msg)
	}
}

func TestSchedulerRetriesTransientListing(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(4)
	mailbox := newFakeMailbox()
	m1 := mailbox.add("owner_1", "msg_1", sampleContent("One"))
	mailbox.page("", MessageBatch{Messages: []Message{m1}, Next: "c1", Done: true})
	mailbox.listErr = []error{Transient(errors.New("imap reset"))}

	s := newTestScheduler(t, backend, mailbox, queue, SchedulerOptions{})
	report, err := s.Sweep(ctx, "owner_1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Enqueued != 1 || mailbox.lists != 2 {
		t.Fatalf("expected a retried listing, got %+v after %d lists", report, mailbox.lists)
	}

	mailbox.listErr = []error{Permanent(errors.New("auth revoked"))}
	if err := backend.SaveCursor(ctx, "owner_1", ""); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	if _, err := s.Sweep(ctx, "owner_1"); Classify(err) != KindPermanent {
		t.Fatalf("expected permanent listing error, got %v", err)
	}
}

// ownerMailboxes dispatches by owner so each owner sees its own pages.
type ownerMailboxes map[string]*fakeMailbox

func (m ownerMailboxes) ListNewMessages(ctx context.Context, ownerID, cursor string) (MessageBatch, error) {
	return m[ownerID].ListNewMessages(ctx, ownerID, cursor)
}

func (m ownerMailboxes) FetchContent(ctx context.Context, msg Message) (Content, error) {
	return m[msg.OwnerID].FetchContent(ctx, msg)
}

func TestSchedulerTickSweepsEveryOwner(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	queue := NewInMemoryTaskQueue(16)
	boxes := ownerMailboxes{}
	for _, owner := range []string{"owner_1", "owner_2"} {
		box := newFakeMailbox()
		msg := box.add(owner, owner+"_msg", sampleContent(owner))
		box.page("", MessageBatch{Messages: []Message{msg}, Next: "c1", Done: true})
		boxes[owner] = box
	}

	s := newTestScheduler(t, backend, boxes, queue, SchedulerOptions{Owners: []string{"owner_1", "owner_2", "owner_1", " "}})
	if got := s.Owners(); len(got) != 2 {
		t.Fatalf("expected owners deduplicated, got %v", got)
	}
	reports, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(reports) != 2 || reports[0].Enqueued != 1 || reports[1].Enqueued != 1 {
		t.Fatalf("unexpected reports %+v", reports)
	}
	for _, owner := range []string{"owner_1", "owner_2"} {
		if depth, _ := queue.Depth(ctx, owner); depth != 1 {
			t.Fatalf("expected one task for %s, got %d", owner, depth)
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	backend := NewInMemoryStateBackend()
	s := newTestScheduler(t, backend, newFakeMailbox(), NewInMemoryTaskQueue(4), SchedulerOptions{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	s.Stop()
	s.Stop()
}
