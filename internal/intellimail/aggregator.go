package intellimail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBucketWidth           = time.Hour
	defaultHighPriorityThreshold = 0.7
	recomputePageSize            = 500
)

type AggregatorOptions struct {
	BucketWidth           time.Duration
	HighPriorityThreshold float64
	Logger                *zap.Logger
}

// Aggregator folds completed results into per-owner time buckets. Every
// increment carries its (message, content hash) marker, so repeated delivery
// of the same completion counts once.
type Aggregator struct {
	aggregates AggregateStore
	results    ResultStore
	width      time.Duration
	threshold  float64
	logger     *zap.Logger
}

func NewAggregator(aggregates AggregateStore, results ResultStore, opts AggregatorOptions) *Aggregator {
	width := opts.BucketWidth
	if width <= 0 {
		width = defaultBucketWidth
	}
	threshold := opts.HighPriorityThreshold
	if threshold <= 0 {
		threshold = defaultHighPriorityThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		aggregates: aggregates,
		results:    results,
		width:      width,
		threshold:  threshold,
		logger:     logger.With(zap.String("component", "aggregator")),
	}
}

func (a *Aggregator) BucketWidth() time.Duration {
	return a.width
}

func (a *Aggregator) HighPriorityThreshold() float64 {
	return a.threshold
}

// Apply counts a completed result. It reports false for incomplete results
// and for completions that were already counted.
func (a *Aggregator) Apply(ctx context.Context, result AnalysisResult) (bool, error) {
	if !result.Complete() || result.ComputedAt.IsZero() {
		return false, nil
	}
	applied, err := a.aggregates.ApplyIncrement(ctx, a.increment(result))
	if err != nil {
		return false, fmt.Errorf("applying aggregate increment: %w", err)
	}
	if !applied {
		a.logger.Debug("duplicate completion ignored",
			zap.String("owner_id", result.OwnerID),
			zap.String("message_id", result.MessageID),
			zap.String("content_hash", shortHash(result.ContentHash)),
		)
	}
	return applied, nil
}

func (a *Aggregator) increment(result AnalysisResult) AggregateIncrement {
	dims := []AggregateDimension{{Dimension: DimensionTotal}}
	if result.Status(StageSentiment) == StageDone && result.Sentiment != "" {
		dims = append(dims, AggregateDimension{Dimension: DimensionSentiment, Key: string(result.Sentiment)})
	}
	if result.Status(StageCategorize) == StageDone {
		seen := map[string]bool{}
		for _, category := range result.Categories {
			if category == "" || seen[category] {
				continue
			}
			seen[category] = true
			dims = append(dims, AggregateDimension{Dimension: DimensionCategory, Key: category})
		}
	}
	if result.HighPriority(a.threshold) {
		dims = append(dims, AggregateDimension{Dimension: DimensionPriority, Key: priorityHigh})
	}
	return AggregateIncrement{
		OwnerID:     result.OwnerID,
		MessageID:   result.MessageID,
		ContentHash: result.ContentHash,
		BucketStart: result.ComputedAt.UTC().Truncate(a.width),
		Dimensions:  dims,
	}
}

// Recompute drops an owner's buckets and markers and replays every stored
// complete result. It returns how many results were counted.
func (a *Aggregator) Recompute(ctx context.Context, ownerID string) (int, error) {
	if strings.TrimSpace(ownerID) == "" {
		return 0, ErrInvalidInput
	}
	if err := a.aggregates.ResetAggregates(ctx, ownerID); err != nil {
		return 0, fmt.Errorf("resetting aggregates: %w", err)
	}
	counted := 0
	for offset := 0; ; offset += recomputePageSize {
		page, err := a.results.ListResults(ctx, ResultQuery{
			OwnerID:      ownerID,
			CompleteOnly: true,
			Limit:        recomputePageSize,
			Offset:       offset,
		})
		if err != nil {
			return counted, fmt.Errorf("listing results: %w", err)
		}
		for _, result := range page {
			applied, err := a.Apply(ctx, result)
			if err != nil {
				return counted, err
			}
			if applied {
				counted++
			}
		}
		if len(page) < recomputePageSize {
			break
		}
	}
	a.logger.Info("aggregates recomputed", zap.String("owner_id", ownerID), zap.Int("results", counted))
	return counted, nil
}

// Buckets returns an owner's buckets in [from, to) rolled up to width.
func (a *Aggregator) Buckets(ctx context.Context, ownerID string, from, to time.Time, width time.Duration) ([]AggregateBucket, error) {
	buckets, err := a.aggregates.ListBuckets(ctx, BucketQuery{OwnerID: ownerID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	if width <= a.width {
		return buckets, nil
	}
	return Rollup(buckets, width), nil
}

func (a *Aggregator) CategoryCounts(ctx context.Context, ownerID string, from, to time.Time) (map[string]int64, error) {
	buckets, err := a.aggregates.ListBuckets(ctx, BucketQuery{OwnerID: ownerID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, bucket := range buckets {
		for category, n := range bucket.CategoryCounts {
			out[category] += n
		}
	}
	return out, nil
}

// Rollup merges buckets into windows of width, aligned to UTC. Day windows
// start at midnight and week windows on Monday.
func Rollup(buckets []AggregateBucket, width time.Duration) []AggregateBucket {
	if width <= 0 {
		width = defaultBucketWidth
	}
	merged := map[string]map[int64]*AggregateBucket{}
	for _, bucket := range buckets {
		start := bucket.BucketStart.UTC().Truncate(width)
		owned, ok := merged[bucket.OwnerID]
		if !ok {
			owned = map[int64]*AggregateBucket{}
			merged[bucket.OwnerID] = owned
		}
		target, ok := owned[start.UnixMilli()]
		if !ok {
			target = newAggregateBucket(bucket.OwnerID, start)
			owned[start.UnixMilli()] = target
		}
		target.Total += bucket.Total
		target.HighPriorityCount += bucket.HighPriorityCount
		for k, v := range bucket.SentimentCounts {
			target.SentimentCounts[k] += v
		}
		for k, v := range bucket.CategoryCounts {
			target.CategoryCounts[k] += v
		}
	}
	out := make([]AggregateBucket, 0)
	for _, owned := range merged {
		for _, bucket := range owned {
			out = append(out, *bucket)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out
}

// ParseGranularity maps hour, day and week to a rollup width.
func ParseGranularity(raw string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "hour", "hourly":
		return time.Hour, nil
	case "day", "daily":
		return 24 * time.Hour, nil
	case "week", "weekly":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown granularity %q", ErrInvalidInput, raw)
	}
}
