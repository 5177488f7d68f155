package intellimail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultStageTimeout = 30 * time.Second

type StageRequest struct {
	Stage     Stage
	OwnerID   string
	MessageID string
	Content   Content
	// Prior holds the fields earlier stages produced in this or a previous run.
	Prior AnalysisResult
}

// Capability is the external analysis service. Implementations classify their
// failures with Transient, Permanent or *QuotaError.
type Capability interface {
	Invoke(ctx context.Context, req StageRequest) (json.RawMessage, error)
}

type CapabilityFunc func(ctx context.Context, req StageRequest) (json.RawMessage, error)

func (f CapabilityFunc) Invoke(ctx context.Context, req StageRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

type ChainOptions struct {
	Stages       []Stage
	ModelVersion string
	StageTimeout time.Duration
	CacheTTL     time.Duration
	DisableCache bool
	Thresholds   SentimentThresholds
	Categories   []string
	Logger       *zap.Logger
}

type ChainStats struct {
	CacheHits       int64 `json:"cacheHits"`
	CacheMisses     int64 `json:"cacheMisses"`
	CapabilityCalls int64 `json:"capabilityCalls"`
}

// Chain runs the analysis stages for one message in order. It never writes
// results; the worker persists whatever the chain returns.
type Chain struct {
	stages       []Stage
	modelVersion string
	chainVersion string
	timeout      time.Duration
	cacheTTL     time.Duration
	cacheEnabled bool
	capability   Capability
	cache        AnalysisCache
	limiter      *RateLimiter
	decoder      *stageDecoder
	now          func() time.Time
	logger       *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	calls  atomic.Int64
}

func NewChain(capability Capability, cache AnalysisCache, limiter *RateLimiter, opts ChainOptions) (*Chain, error) {
	if capability == nil {
		return nil, fmt.Errorf("%w: capability is required", ErrInvalidInput)
	}
	stages := opts.Stages
	if len(stages) == 0 {
		stages = DefaultStages
	}
	modelVersion := strings.TrimSpace(opts.ModelVersion)
	if modelVersion == "" {
		modelVersion = "unversioned"
	}
	timeout := opts.StageTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	thresholds := opts.Thresholds
	if thresholds == (SentimentThresholds{}) {
		thresholds = DefaultSentimentThresholds()
	}
	decoder, err := newStageDecoder(thresholds, opts.Categories)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = noopCache{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		stages:       append([]Stage(nil), stages...),
		modelVersion: modelVersion,
		chainVersion: ChainVersion(stages, modelVersion),
		timeout:      timeout,
		cacheTTL:     ttl,
		cacheEnabled: !opts.DisableCache,
		capability:   capability,
		cache:        cache,
		limiter:      limiter,
		decoder:      decoder,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "chain")),
	}, nil
}

func (c *Chain) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

func (c *Chain) ModelVersion() string {
	return c.modelVersion
}

func (c *Chain) CacheEnabled() bool {
	return c.cacheEnabled
}

func (c *Chain) Stats() ChainStats {
	return ChainStats{
		CacheHits:       c.hits.Load(),
		CacheMisses:     c.misses.Load(),
		CapabilityCalls: c.calls.Load(),
	}
}

// Run advances every non-terminal stage of result. It returns the updated
// result, the stages this run moved to a terminal status, and the error that
// stopped the run early, if any.
//
// On a final run a transient stage error marks that stage failed and the
// chain moves on; the run then returns an *ExhaustedError naming those
// stages. Otherwise a transient error stops the run so the task can be
// retried. Quota errors always stop the run.
func (c *Chain) Run(ctx context.Context, msg Message, content Content, result AnalysisResult, final bool) (AnalysisResult, []Stage, error) {
	out := result.Clone()
	if out.Stages == nil {
		out.Stages = map[Stage]StageStatus{}
	}
	for _, stage := range c.stages {
		if _, ok := out.Stages[stage]; !ok {
			out.Stages[stage] = StagePending
		}
	}
	if out.ModelVersion == "" {
		out.ModelVersion = c.modelVersion
	}
	empty := strings.TrimSpace(content.Body) == ""

	var computed []Stage
	var exhausted []*StageError
	for _, stage := range c.stages {
		if out.Status(stage).Terminal() {
			continue
		}
		log := c.logger.With(
			zap.String("owner_id", msg.OwnerID),
			zap.String("message_id", msg.ID),
			zap.String("stage", string(stage)),
		)
		var err error
		if empty {
			err = c.decoder.apply(&out, stage, emptyContentPayload(stage))
		} else {
			err = c.runStage(ctx, msg, content, &out, stage)
		}
		if err == nil {
			out.Stages[stage] = StageDone
			computed = append(computed, stage)
			continue
		}

		switch Classify(err) {
		case KindPermanent:
			log.Warn("stage unavailable", zap.Error(err))
			out.Stages[stage] = StageUnavailable
			computed = append(computed, stage)
		case KindTransient, KindConflict:
			if !final {
				c.finish(&out)
				return out, computed, &StageError{Stage: stage, Err: err}
			}
			log.Warn("stage failed on final attempt", zap.Error(err))
			out.Stages[stage] = StageFailed
			computed = append(computed, stage)
			exhausted = append(exhausted, &StageError{Stage: stage, Err: err})
		default:
			c.finish(&out)
			return out, computed, &StageError{Stage: stage, Err: err}
		}
	}
	c.finish(&out)
	if len(exhausted) > 0 {
		return out, computed, &ExhaustedError{Failures: exhausted}
	}
	return out, computed, nil
}

func (c *Chain) finish(result *AnalysisResult) {
	if result.Complete() && result.ComputedAt.IsZero() {
		result.ComputedAt = c.now().UTC()
	}
}

func (c *Chain) runStage(ctx context.Context, msg Message, content Content, result *AnalysisResult, stage Stage) error {
	fingerprint := Fingerprint(msg.ContentHash, c.chainVersion, stage)
	if c.cacheEnabled {
		if c.applyCached(ctx, fingerprint, result, stage) {
			return nil
		}
		c.misses.Add(1)
	}

	if err := c.limiter.Acquire(ctx, msg.OwnerID); err != nil {
		return err
	}

	stageCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.calls.Add(1)
	payload, err := c.capability.Invoke(stageCtx, StageRequest{
		Stage:     stage,
		OwnerID:   msg.OwnerID,
		MessageID: msg.ID,
		Content:   content,
		Prior:     result.Clone(),
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return Transient(fmt.Errorf("stage timed out after %s: %w", c.timeout, err))
		}
		return err
	}
	if err := c.decoder.validate(stage, payload); err != nil {
		return Permanent(fmt.Errorf("malformed %s output: %w", stage, err))
	}
	if err := c.decoder.apply(result, stage, payload); err != nil {
		return Permanent(fmt.Errorf("decoding %s output: %w", stage, err))
	}

	if c.cacheEnabled {
		if err := c.cache.CachePut(ctx, fingerprint, payload, c.cacheTTL); err != nil {
			c.logger.Warn("cache put failed", zap.String("stage", string(stage)), zap.Error(err))
		}
	}
	return nil
}

func (c *Chain) applyCached(ctx context.Context, fingerprint string, result *AnalysisResult, stage Stage) bool {
	payload, ok, err := c.cache.CacheGet(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("stage", string(stage)), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := c.decoder.validate(stage, payload); err != nil {
		_ = c.cache.CacheInvalidate(ctx, fingerprint)
		return false
	}
	scratch := result.Clone()
	if err := c.decoder.apply(&scratch, stage, payload); err != nil {
		_ = c.cache.CacheInvalidate(ctx, fingerprint)
		return false
	}
	*result = scratch
	c.hits.Add(1)
	c.logger.Debug("cache hit", zap.String("stage", string(stage)), zap.String("content_hash", shortHash(result.ContentHash)))
	return true
}
