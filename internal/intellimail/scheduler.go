package intellimail

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval       = 5 * time.Minute
	defaultDepthCeiling        = 500
	defaultMaxConcurrentSweeps = 4
	defaultCachePurgeInterval  = 15 * time.Minute
)

type SchedulerOptions struct {
	Owners              []string
	Interval            time.Duration
	DepthCeiling        int
	MaxConcurrentSweeps int
	CachePurgeInterval  time.Duration
	FirstStage          Stage
	Retry               RetryPolicy
	Logger              *zap.Logger
}

type schedulerStore interface {
	MessageStore
	ResultStore
	CursorStore
	AnalysisCache
}

// SweepReport describes one owner's pass over its mailbox.
type SweepReport struct {
	OwnerID  string `json:"ownerId"`
	Batches  int    `json:"batches"`
	Listed   int    `json:"listed"`
	Enqueued int    `json:"enqueued"`
	Skipped  int    `json:"skipped"`
	Paused   bool   `json:"paused"`
	Cursor   string `json:"cursor"`
}

// Scheduler turns new mailbox messages into queued tasks on a fixed cadence.
type Scheduler struct {
	store   schedulerStore
	mailbox Mailbox
	queue   TaskQueue
	policy  RetryPolicy

	interval     time.Duration
	purgeEvery   time.Duration
	depthCeiling int
	maxSweeps    int
	firstStage   Stage
	logger       *zap.Logger

	mu     sync.RWMutex
	owners []string
	cron   *cron.Cron
	// sweeping serialises sweeps of the same owner.
	sweeping sync.Map
}

func NewScheduler(store schedulerStore, mailbox Mailbox, queue TaskQueue, opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	purgeEvery := opts.CachePurgeInterval
	if purgeEvery <= 0 {
		purgeEvery = defaultCachePurgeInterval
	}
	ceiling := opts.DepthCeiling
	if ceiling <= 0 {
		ceiling = defaultDepthCeiling
	}
	maxSweeps := opts.MaxConcurrentSweeps
	if maxSweeps <= 0 {
		maxSweeps = defaultMaxConcurrentSweeps
	}
	firstStage := opts.FirstStage
	if firstStage == "" {
		firstStage = DefaultStages[0]
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:        store,
		mailbox:      mailbox,
		queue:        queue,
		policy:       opts.Retry.Normalize(),
		interval:     interval,
		purgeEvery:   purgeEvery,
		depthCeiling: ceiling,
		maxSweeps:    maxSweeps,
		firstStage:   firstStage,
		logger:       logger.With(zap.String("component", "scheduler")),
		owners:       normalizeOwners(opts.Owners),
	}
}

func normalizeOwners(owners []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(owners))
	for _, owner := range owners {
		owner = strings.TrimSpace(owner)
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		out = append(out, owner)
	}
	return out
}

func (s *Scheduler) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.owners...)
}

func (s *Scheduler) SetOwners(owners []string) {
	s.mu.Lock()
	s.owners = normalizeOwners(owners)
	s.mu.Unlock()
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Start registers the sweep and cache purge jobs. Overlapping runs of the
// same job are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	logger := cronLogger{sugar: s.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep tick failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.purgeEvery), func() {
		purged, err := s.store.PurgeExpired(ctx)
		if err != nil {
			s.logger.Warn("cache purge failed", zap.Error(err))
			return
		}
		if purged > 0 {
			s.logger.Info("expired cache entries purged", zap.Int("entries", purged))
		}
	}); err != nil {
		return fmt.Errorf("scheduling cache purge: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval), zap.Int("owners", len(s.owners)))
	return nil
}

// Stop halts the cron and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Tick sweeps every configured owner with bounded parallelism.
func (s *Scheduler) Tick(ctx context.Context) ([]SweepReport, error) {
	owners := s.Owners()
	reports := make([]SweepReport, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxSweeps)
	var mu sync.Mutex
	var errs []error
	for i, owner := range owners {
		g.Go(func() error {
			report, err := s.Sweep(gctx, owner)
			reports[i] = report
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// Batches walks the mailbox from cursor, retrying each page listing with the
// scheduler's policy. Iteration stops after the first error.
func (s *Scheduler) Batches(ctx context.Context, ownerID, cursor string) iter.Seq2[MessageBatch, error] {
	return func(yield func(MessageBatch, error) bool) {
		for {
			var batch MessageBatch
			err := s.policy.Do(ctx, func(ctx context.Context) error {
				var err error
				batch, err = s.mailbox.ListNewMessages(ctx, ownerID, cursor)
				return err
			})
			if err != nil {
				yield(MessageBatch{}, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
			if batch.Done || batch.Next == "" || batch.Next == cursor {
				return
			}
			cursor = batch.Next
		}
	}
}

// Sweep lists an owner's new messages and enqueues the ones that have no
// result yet. The cursor only advances past batches whose tasks are all
// queued, so a full queue pauses the sweep without losing messages.
func (s *Scheduler) Sweep(ctx context.Context, ownerID string) (SweepReport, error) {
	report := SweepReport{OwnerID: ownerID}
	if _, busy := s.sweeping.LoadOrStore(ownerID, struct{}{}); busy {
		s.logger.Debug("sweep already running", zap.String("owner_id", ownerID))
		return report, nil
	}
	defer s.sweeping.Delete(ownerID)

	log := s.logger.With(zap.String("owner_id", ownerID))
	if paused, err := s.overCeiling(ctx, ownerID); err != nil || paused {
		report.Paused = paused
		return report, err
	}

	cursor, err := s.store.LoadCursor(ctx, ownerID)
	if err != nil {
		return report, fmt.Errorf("loading cursor: %w", err)
	}
	report.Cursor = cursor

	for batch, err := range s.Batches(ctx, ownerID, cursor) {
		if err != nil {
			return report, fmt.Errorf("listing messages: %w", err)
		}
		report.Batches++
		report.Listed += len(batch.Messages)
		for _, msg := range batch.Messages {
			queued, err := s.admit(ctx, ownerID, msg)
			if errors.Is(err, ErrQueueFull) {
				log.Warn("queue full, sweep paused", zap.String("cursor", report.Cursor))
				report.Paused = true
				return report, nil
			}
			if err != nil {
				return report, err
			}
			if queued {
				report.Enqueued++
			} else {
				report.Skipped++
			}
		}
		if batch.Next != "" && batch.Next != report.Cursor {
			if err := s.store.SaveCursor(ctx, ownerID, batch.Next); err != nil {
				return report, fmt.Errorf("saving cursor: %w", err)
			}
			report.Cursor = batch.Next
		}
		if paused, err := s.overCeiling(ctx, ownerID); err != nil || paused {
			report.Paused = paused
			if paused {
				log.Info("queue depth ceiling reached", zap.Int("ceiling", s.depthCeiling))
			}
			return report, err
		}
	}

	if report.Enqueued > 0 {
		log.Info("sweep complete",
			zap.Int("listed", report.Listed),
			zap.Int("enqueued", report.Enqueued),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

func (s *Scheduler) overCeiling(ctx context.Context, ownerID string) (bool, error) {
	depth, err := s.queue.Depth(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("reading queue depth: %w", err)
	}
	return depth >= s.depthCeiling, nil
}

// admit records msg and enqueues its first task. It reports false when the
// message version already has a result or a live task.
func (s *Scheduler) admit(ctx context.Context, ownerID string, msg Message) (bool, error) {
	if msg.OwnerID == "" {
		msg.OwnerID = ownerID
	}
	if msg.FetchedAt.IsZero() {
		msg.FetchedAt = time.Now().UTC()
	}
	if msg.ContentHash == "" {
		var content Content
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			content, err = s.mailbox.FetchContent(ctx, msg)
			return err
		})
		if err != nil {
			if Classify(err) == KindPermanent {
				s.logger.Warn("message content unavailable, skipped",
					zap.String("owner_id", ownerID),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				return false, nil
			}
			return false, fmt.Errorf("fetching content for %s: %w", msg.ID, err)
		}
		msg.ContentHash = HashContent(content)
	}

	exists, err := s.store.ResultExists(ctx, msg.ID, msg.ContentHash)
	if err != nil {
		return false, fmt.Errorf("checking result: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := s.store.PutMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("recording message: %w", err)
	}
	return s.queue.Enqueue(ctx, NewTask(msg, s.firstStage))
}
