package intellimail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers             = 4
	defaultOwnerMaxConcurrency = 2
	defaultTaskDeadline        = 90 * time.Second
	ownerBusyRetryDelay        = 200 * time.Millisecond
	settleTimeout              = 5 * time.Second
)

type WorkerOptions struct {
	Workers             int
	OwnerMaxConcurrency int
	LeaseDuration       time.Duration
	TaskDeadline        time.Duration
	Retry               RetryPolicy
	Logger              *zap.Logger
}

type WorkerStats struct {
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Retried        int64 `json:"retried"`
	QuotaDeferrals int64 `json:"quotaDeferrals"`
	LeasesLost     int64 `json:"leasesLost"`
}

type workerStore interface {
	MessageStore
	ResultStore
}

// WorkerPool pulls leased tasks and drives them through the chain. Workers
// share nothing but the queue and the store.
type WorkerPool struct {
	queue      TaskQueue
	store      workerStore
	mailbox    Mailbox
	chain      *Chain
	aggregator *Aggregator
	events     *EventHub
	policy     RetryPolicy

	workers        int
	ownerMax       int
	lease          time.Duration
	deadline       time.Duration
	logger         *zap.Logger
	slotMu         sync.Mutex
	ownerSlots     map[string]chan struct{}
	completed      atomic.Int64
	failed         atomic.Int64
	retried        atomic.Int64
	quotaDeferrals atomic.Int64
	leasesLost     atomic.Int64
}

func NewWorkerPool(queue TaskQueue, store workerStore, mailbox Mailbox, chain *Chain, aggregator *Aggregator, events *EventHub, opts WorkerOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	ownerMax := opts.OwnerMaxConcurrency
	if ownerMax <= 0 {
		ownerMax = defaultOwnerMaxConcurrency
	}
	lease := opts.LeaseDuration
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	deadline := opts.TaskDeadline
	if deadline <= 0 {
		deadline = defaultTaskDeadline
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		queue:      queue,
		store:      store,
		mailbox:    mailbox,
		chain:      chain,
		aggregator: aggregator,
		events:     events,
		policy:     opts.Retry.Normalize(),
		workers:    workers,
		ownerMax:   ownerMax,
		lease:      lease,
		deadline:   deadline,
		logger:     logger.With(zap.String("component", "worker")),
		ownerSlots: map[string]chan struct{}{},
	}
}

// Run blocks until ctx ends and every worker has returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.loop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *WorkerPool) loop(ctx context.Context) {
	for {
		task, ok := p.queue.Dequeue(ctx, p.lease)
		if !ok {
			return
		}
		release, ok := p.tryAcquireOwnerSlot(task.OwnerID)
		if !ok {
			p.nack(ctx, task, Retry{After: ownerBusyRetryDelay, Reason: "owner concurrency limit", Requeue: true})
			continue
		}
		p.Process(ctx, task)
		release()
	}
}

func (p *WorkerPool) tryAcquireOwnerSlot(ownerID string) (func(), bool) {
	key := strings.TrimSpace(ownerID)
	p.slotMu.Lock()
	sem, exists := p.ownerSlots[key]
	if !exists {
		sem = make(chan struct{}, p.ownerMax)
		p.ownerSlots[key] = sem
	}
	p.slotMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() {
			select {
			case <-sem:
			default:
			}
		}, true
	default:
		return nil, false
	}
}

func (p *WorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		Retried:        p.retried.Load(),
		QuotaDeferrals: p.quotaDeferrals.Load(),
		LeasesLost:     p.leasesLost.Load(),
	}
}

// Process handles one leased task and settles it with Ack, Nack or Fail.
func (p *WorkerPool) Process(ctx context.Context, task Task) {
	log := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("owner_id", task.OwnerID),
		zap.String("message_id", task.MessageID),
		zap.Int("attempt", task.AttemptCount),
	)

	msg, err := p.store.GetMessage(ctx, task.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Error("message record missing")
			p.fail(ctx, task, "message not found")
			return
		}
		p.retryOrGiveUp(ctx, task, nil, err)
		return
	}
	if msg.ContentHash != task.ContentHash {
		// The message changed after this task was queued; analyse the new
		// version instead.
		if _, err := p.queue.Enqueue(ctx, NewTask(msg, task.Stage)); err != nil {
			p.retryOrGiveUp(ctx, task, &msg, err)
			return
		}
		log.Info("superseded by newer content", zap.String("content_hash", shortHash(msg.ContentHash)))
		p.ack(ctx, task)
		return
	}

	result, found, err := p.loadResult(ctx, msg)
	if err != nil {
		p.retryOrGiveUp(ctx, task, &msg, err)
		return
	}
	if found && result.Complete() {
		if err := p.complete(ctx, result); err != nil {
			p.retryOrGiveUp(ctx, task, &msg, err)
			return
		}
		p.settleComplete(ctx, task, result, nil)
		return
	}
	baseVersion := result.Version

	content, err := p.mailbox.FetchContent(ctx, msg)
	if err != nil {
		if Classify(err) == KindPermanent {
			log.Warn("content unavailable", zap.Error(err))
			p.settleTerminal(ctx, task, result, StageUnavailable, err.Error())
			return
		}
		p.retryOrGiveUp(ctx, task, &msg, err)
		return
	}

	final := p.policy.Exhausted(task.AttemptCount)
	runCtx, cancel := context.WithTimeout(ctx, p.deadline)
	updated, computed, runErr := p.chain.Run(runCtx, msg, content, result, final)
	cancel()

	if len(computed) > 0 {
		stored, err := WriteResult(ctx, p.store, baseVersion, updated, computed)
		if err != nil {
			log.Error("persisting result failed", zap.Error(err))
			p.retryOrGiveUp(ctx, task, &msg, err)
			return
		}
		updated = stored
	}

	var exhausted *ExhaustedError
	if runErr == nil || errors.As(runErr, &exhausted) {
		if err := p.complete(ctx, updated); err != nil {
			p.retryOrGiveUp(ctx, task, &msg, err)
			return
		}
		log.Info("analysis complete", zap.Bool("partial", updated.Partial()))
		p.settleComplete(ctx, task, updated, runErr)
		return
	}

	switch Classify(runErr) {
	case KindQuota:
		if p.policy.QuotaExhausted(task.QuotaDeferrals + 1) {
			log.Error("quota deferrals exhausted", zap.Error(runErr))
			p.settleTerminal(ctx, task, updated, StageFailed, runErr.Error())
			return
		}
		after := p.policy.Delay(0)
		var quotaErr *QuotaError
		if errors.As(runErr, &quotaErr) && quotaErr.RetryAfter > 0 {
			after = quotaErr.RetryAfter
		}
		p.quotaDeferrals.Add(1)
		log.Warn("quota exceeded, deferring", zap.Duration("retry_after", after))
		p.nack(ctx, task, Retry{After: after, Reason: runErr.Error(), QuotaDeferral: true})
	case KindCanceled:
		p.nack(ctx, task, Retry{Reason: "worker shutting down", Requeue: true})
	default:
		p.retry(ctx, task, runErr)
	}
}

// settleComplete ends the task for a complete result. A result carrying
// failed stages means attempts ran out, so the task fails and the partial
// result stays counted.
func (p *WorkerPool) settleComplete(ctx context.Context, task Task, result AnalysisResult, cause error) {
	failed := result.FailedStages()
	if len(failed) == 0 {
		p.ack(ctx, task)
		return
	}
	reason := fmt.Sprintf("stages failed after %d attempts: %s", task.AttemptCount, joinStages(failed))
	if cause != nil {
		reason = cause.Error()
	}
	p.fail(ctx, task, reason)
}

func joinStages(stages []Stage) string {
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		names = append(names, string(stage))
	}
	return strings.Join(names, ", ")
}

func (p *WorkerPool) loadResult(ctx context.Context, msg Message) (AnalysisResult, bool, error) {
	result, err := p.store.GetResult(ctx, msg.ID, msg.ContentHash)
	if err == nil {
		return result, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return AnalysisResult{}, false, err
	}
	return NewAnalysisResult(msg, p.chain.ModelVersion(), p.chain.Stages()), false, nil
}

// complete counts a finished result and tells feed subscribers. Duplicate
// completions are absorbed by the aggregator's markers.
func (p *WorkerPool) complete(ctx context.Context, result AnalysisResult) error {
	applied, err := p.aggregator.Apply(ctx, result)
	if err != nil {
		return err
	}
	if applied {
		p.events.Publish(NewCompletionEvent(result, p.aggregator.HighPriorityThreshold()))
	}
	return nil
}

func (p *WorkerPool) retryOrGiveUp(ctx context.Context, task Task, msg *Message, cause error) {
	if ctx.Err() != nil {
		p.nack(ctx, task, Retry{Reason: "worker shutting down", Requeue: true})
		return
	}
	if !p.policy.Exhausted(task.AttemptCount) {
		p.retry(ctx, task, cause)
		return
	}
	if msg == nil {
		p.fail(ctx, task, cause.Error())
		return
	}
	result, _, err := p.loadResult(ctx, *msg)
	if err != nil {
		p.fail(ctx, task, cause.Error())
		return
	}
	p.settleTerminal(ctx, task, result, StageFailed, cause.Error())
}

// settleTerminal gives every open stage the given status, stores and counts
// the result, and ends the task. Stages made unavailable complete the task;
// stages marked failed fail it.
func (p *WorkerPool) settleTerminal(ctx context.Context, task Task, result AnalysisResult, status StageStatus, reason string) {
	baseVersion := result.Version
	out := result.Clone()
	var computed []Stage
	for _, stage := range p.chain.Stages() {
		if !out.Status(stage).Terminal() {
			out.Stages[stage] = status
			computed = append(computed, stage)
		}
	}
	if out.ComputedAt.IsZero() {
		out.ComputedAt = time.Now().UTC()
	}
	if len(computed) > 0 {
		stored, err := WriteResult(ctx, p.store, baseVersion, out, computed)
		if err != nil {
			p.logger.Error("persisting terminal result failed", zap.String("task_id", task.ID), zap.Error(err))
			p.fail(ctx, task, fmt.Sprintf("%s; persist: %v", reason, err))
			return
		}
		out = stored
	}
	if err := p.complete(ctx, out); err != nil {
		p.logger.Error("counting terminal result failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	if status == StageUnavailable {
		p.ack(ctx, task)
		return
	}
	p.fail(ctx, task, reason)
}

func (p *WorkerPool) retry(ctx context.Context, task Task, cause error) {
	after := p.policy.Delay(task.AttemptCount - 1)
	p.retried.Add(1)
	p.logger.Warn("task will retry",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.AttemptCount),
		zap.Duration("retry_after", after),
		zap.Error(cause),
	)
	p.nack(ctx, task, Retry{After: after, Reason: cause.Error()})
}

// settleContext keeps Ack, Nack and Fail working while the pool shuts down.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (p *WorkerPool) ack(ctx context.Context, task Task) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.Ack(sctx, task.ID, task.LeaseToken); err != nil {
		p.settleError("ack", task, err)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) nack(ctx context.Context, task Task, retry Retry) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.Nack(sctx, task.ID, task.LeaseToken, retry); err != nil {
		p.settleError("nack", task, err)
	}
}

func (p *WorkerPool) fail(ctx context.Context, task Task, reason string) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.Fail(sctx, task.ID, task.LeaseToken, reason); err != nil {
		p.settleError("fail", task, err)
		return
	}
	p.failed.Add(1)
	p.logger.Error("task failed", zap.String("task_id", task.ID), zap.String("owner_id", task.OwnerID), zap.String("error", reason))
}

func (p *WorkerPool) settleError(op string, task Task, err error) {
	if errors.Is(err, ErrLeaseLost) {
		p.leasesLost.Add(1)
		p.logger.Warn("lease lost before "+op, zap.String("task_id", task.ID))
		return
	}
	p.logger.Error(op+" failed", zap.String("task_id", task.ID), zap.Error(err))
}
