package intellimail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PipelineOptions assembles a pipeline. Backend, Queue, Mailbox and
// Capability are required; everything else falls back to defaults.
type PipelineOptions struct {
	Backend    StateBackend
	Queue      TaskQueue
	Mailbox    Mailbox
	Capability Capability

	Chain       ChainOptions
	Workers     WorkerOptions
	Scheduler   SchedulerOptions
	Aggregator  AggregatorOptions
	RateLimit   RateLimitOptions
	Retry       RetryPolicy
	EventBuffer int
	Profile     string
	Logger      *zap.Logger

	DisableWorkers   bool
	DisableScheduler bool
}

type QueueStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

type PipelineStatus struct {
	Profile      string      `json:"profile"`
	StartedAt    time.Time   `json:"startedAt"`
	Queue        QueueStatus `json:"queue"`
	Cache        CacheStats  `json:"cache"`
	Chain        ChainStats  `json:"chain"`
	Workers      WorkerStats `json:"workers"`
	Owners       []string    `json:"owners"`
	FeedDropped  int64       `json:"feedDropped"`
	ModelVersion string      `json:"modelVersion"`
}

// Pipeline owns the running pieces: workers, scheduler, aggregator and event
// hub, all sharing one backend and one queue.
type Pipeline struct {
	backend    StateBackend
	queue      TaskQueue
	limiter    *RateLimiter
	chain      *Chain
	aggregator *Aggregator
	events     *EventHub
	workers    *WorkerPool
	scheduler  *Scheduler
	profile    string
	logger     *zap.Logger

	disableWorkers   bool
	disableScheduler bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	closed    bool
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	switch {
	case opts.Backend == nil:
		return nil, fmt.Errorf("%w: state backend is required", ErrInvalidInput)
	case opts.Queue == nil:
		return nil, fmt.Errorf("%w: task queue is required", ErrInvalidInput)
	case opts.Mailbox == nil:
		return nil, fmt.Errorf("%w: mailbox is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.Retry.Normalize()
	limiter := NewRateLimiter(opts.RateLimit)
	if q, ok := opts.Queue.(interface{ SetLogger(*zap.Logger) }); ok {
		q.SetLogger(logger)
	}

	chainOpts := opts.Chain
	if chainOpts.Logger == nil {
		chainOpts.Logger = logger
	}
	chain, err := NewChain(opts.Capability, opts.Backend, limiter, chainOpts)
	if err != nil {
		return nil, err
	}

	aggOpts := opts.Aggregator
	if aggOpts.Logger == nil {
		aggOpts.Logger = logger
	}
	aggregator := NewAggregator(opts.Backend, opts.Backend, aggOpts)
	events := NewEventHub(opts.EventBuffer, logger)

	workerOpts := opts.Workers
	workerOpts.Retry = policy
	if workerOpts.Logger == nil {
		workerOpts.Logger = logger
	}
	workers := NewWorkerPool(opts.Queue, opts.Backend, opts.Mailbox, chain, aggregator, events, workerOpts)

	schedOpts := opts.Scheduler
	schedOpts.Retry = policy
	if schedOpts.FirstStage == "" {
		schedOpts.FirstStage = chain.Stages()[0]
	}
	if schedOpts.Logger == nil {
		schedOpts.Logger = logger
	}
	scheduler := NewScheduler(opts.Backend, opts.Mailbox, opts.Queue, schedOpts)

	return &Pipeline{
		backend:          opts.Backend,
		queue:            opts.Queue,
		limiter:          limiter,
		chain:            chain,
		aggregator:       aggregator,
		events:           events,
		workers:          workers,
		scheduler:        scheduler,
		profile:          opts.Profile,
		logger:           logger.With(zap.String("component", "pipeline")),
		disableWorkers:   opts.DisableWorkers,
		disableScheduler: opts.DisableScheduler,
	}, nil
}

// Start launches the workers and the scheduler. It returns immediately.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pipeline closed")
	}
	if p.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.startedAt = time.Now().UTC()

	if !p.disableScheduler {
		if err := p.scheduler.Start(runCtx); err != nil {
			cancel()
			p.cancel = nil
			return err
		}
	}
	go func() {
		defer close(p.done)
		if p.disableWorkers {
			<-runCtx.Done()
			return
		}
		if err := p.workers.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("worker pool stopped", zap.Error(err))
		}
	}()
	p.logger.Info("pipeline started",
		zap.String("profile", p.profile),
		zap.Bool("workers", !p.disableWorkers),
		zap.Bool("scheduler", !p.disableScheduler),
	)
	return nil
}

// Close stops the scheduler, waits for in-flight tasks to settle and closes
// the queue and backend.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	p.scheduler.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
	return errors.Join(p.queue.Close(), p.backend.Close())
}

func (p *Pipeline) Status(ctx context.Context) (PipelineStatus, error) {
	depth, err := p.queue.Depth(ctx, "")
	if err != nil {
		return PipelineStatus{}, fmt.Errorf("reading queue depth: %w", err)
	}
	entries, err := p.backend.CacheLen(ctx)
	if err != nil {
		return PipelineStatus{}, fmt.Errorf("reading cache size: %w", err)
	}
	chainStats := p.chain.Stats()
	p.mu.Lock()
	startedAt := p.startedAt
	p.mu.Unlock()
	return PipelineStatus{
		Profile:   p.profile,
		StartedAt: startedAt,
		Queue:     QueueStatus{Depth: depth, Capacity: p.queue.Capacity()},
		Cache: CacheStats{
			Enabled: p.chain.CacheEnabled(),
			Entries: entries,
			Hits:    chainStats.CacheHits,
			Misses:  chainStats.CacheMisses,
		},
		Chain:        chainStats,
		Workers:      p.workers.Stats(),
		Owners:       p.scheduler.Owners(),
		FeedDropped:  p.events.Dropped(),
		ModelVersion: p.chain.ModelVersion(),
	}, nil
}

func (p *Pipeline) Task(ctx context.Context, taskID string) (Task, error) {
	return p.queue.Get(ctx, taskID)
}

// Replay re-arms a failed task so workers pick it up again with a fresh
// attempt budget.
func (p *Pipeline) Replay(ctx context.Context, taskID string) (Task, error) {
	task, err := p.queue.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State != TaskFailed {
		return task, fmt.Errorf("%w: task %s is %s, only failed tasks can be replayed", ErrInvalidInput, taskID, task.State)
	}
	if err := p.reopenFailedStages(ctx, task); err != nil {
		return task, err
	}
	if _, err := p.queue.Enqueue(ctx, task); err != nil {
		return task, err
	}
	p.logger.Info("task replayed", zap.String("task_id", taskID), zap.String("owner_id", task.OwnerID))
	return p.queue.Get(ctx, taskID)
}

// reopenFailedStages puts failed stages back to pending so the replayed task
// computes them again. ComputedAt is kept: the result was already counted in
// that bucket and must stay there when it completes again.
func (p *Pipeline) reopenFailedStages(ctx context.Context, task Task) error {
	result, err := p.backend.GetResult(ctx, task.MessageID, task.ContentHash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading result: %w", err)
	}
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		failed := result.FailedStages()
		if len(failed) == 0 {
			return nil
		}
		reopened := result.Clone()
		for _, stage := range failed {
			reopened.Stages[stage] = StagePending
		}
		_, err = p.backend.UpsertResult(ctx, reopened, result.Version)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if result, err = p.backend.GetResult(ctx, task.MessageID, task.ContentHash); err != nil {
			return err
		}
	}
	return fmt.Errorf("reopening result %s: %w", task.MessageID, ErrVersionConflict)
}

func (p *Pipeline) Recompute(ctx context.Context, ownerID string) (int, error) {
	return p.aggregator.Recompute(ctx, ownerID)
}

func (p *Pipeline) Sweep(ctx context.Context, ownerID string) (SweepReport, error) {
	return p.scheduler.Sweep(ctx, ownerID)
}

// UpdateRateLimit retunes the shared owner buckets without a restart.
func (p *Pipeline) UpdateRateLimit(opts RateLimitOptions) {
	p.limiter.Update(opts)
	p.logger.Info("rate limit updated",
		zap.Float64("requests_per_minute", opts.RequestsPerMinute),
		zap.Int("burst", opts.Burst),
	)
}

func (p *Pipeline) Backend() StateBackend   { return p.backend }
func (p *Pipeline) Queue() TaskQueue        { return p.queue }
func (p *Pipeline) Aggregator() *Aggregator { return p.aggregator }
func (p *Pipeline) Events() *EventHub       { return p.events }
func (p *Pipeline) Workers() *WorkerPool    { return p.workers }
func (p *Pipeline) Scheduler() *Scheduler   { return p.scheduler }
