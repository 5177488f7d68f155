package intellimail

import (
	"context"
	"sort"
	"strings"
	"time"
)

type MessageStore interface {
	PutMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, messageID string) (Message, error)
}

type ResultStore interface {
	GetResult(ctx context.Context, messageID, contentHash string) (AnalysisResult, error)
	LatestResult(ctx context.Context, messageID string) (AnalysisResult, error)
	// UpsertResult writes result if the stored version equals expectedVersion
	// (0 means the result must not exist yet) and returns the stored copy with
	// its new version.
	UpsertResult(ctx context.Context, result AnalysisResult, expectedVersion int64) (AnalysisResult, error)
	ResultExists(ctx context.Context, messageID, contentHash string) (bool, error)
	ListResults(ctx context.Context, query ResultQuery) ([]AnalysisResult, error)
}

type AggregateStore interface {
	// ApplyIncrement records the dedupe marker and bumps every dimension in one
	// step. It reports false when the marker already existed.
	ApplyIncrement(ctx context.Context, inc AggregateIncrement) (bool, error)
	ListBuckets(ctx context.Context, query BucketQuery) ([]AggregateBucket, error)
	ResetAggregates(ctx context.Context, ownerID string) error
}

type CursorStore interface {
	LoadCursor(ctx context.Context, ownerID string) (string, error)
	SaveCursor(ctx context.Context, ownerID, cursor string) error
}

type StateBackend interface {
	MessageStore
	ResultStore
	AnalysisCache
	AggregateStore
	CursorStore
	Close() error
}

type ResultQuery struct {
	OwnerID      string
	From         time.Time
	To           time.Time
	Sentiment    Sentiment
	Category     string
	// CompleteOnly keeps results that have a ComputedAt. A replayed result
	// keeps its ComputedAt while its reopened stages run.
	CompleteOnly bool
	Limit        int
	Offset       int
}

// Matches applies the filters that every backend evaluates in process.
func (q ResultQuery) Matches(r AnalysisResult) bool {
	if q.OwnerID != "" && r.OwnerID != q.OwnerID {
		return false
	}
	if q.CompleteOnly && r.ComputedAt.IsZero() {
		return false
	}
	if !q.From.IsZero() && (r.ComputedAt.IsZero() || r.ComputedAt.Before(q.From)) {
		return false
	}
	if !q.To.IsZero() && (r.ComputedAt.IsZero() || !r.ComputedAt.Before(q.To)) {
		return false
	}
	if q.Sentiment != "" && r.Sentiment != q.Sentiment {
		return false
	}
	if q.Category != "" && !containsFold(r.Categories, q.Category) {
		return false
	}
	return true
}

func sortResults(results []AnalysisResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.ComputedAt.Equal(b.ComputedAt) {
			return a.ComputedAt.After(b.ComputedAt)
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.MessageID != b.MessageID {
			return a.MessageID < b.MessageID
		}
		return a.ContentHash < b.ContentHash
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

const (
	DimensionTotal     = "total"
	DimensionSentiment = "sentiment"
	DimensionCategory  = "category"
	DimensionPriority  = "priority"

	priorityHigh = "high"
)

type AggregateDimension struct {
	Dimension string `json:"dimension"`
	Key       string `json:"key"`
}

type AggregateIncrement struct {
	OwnerID     string
	MessageID   string
	ContentHash string
	BucketStart time.Time
	Dimensions  []AggregateDimension
}

type AggregateBucket struct {
	OwnerID           string           `json:"ownerId"`
	BucketStart       time.Time        `json:"bucketStart"`
	Total             int64            `json:"total"`
	SentimentCounts   map[string]int64 `json:"sentimentCounts"`
	CategoryCounts    map[string]int64 `json:"categoryCounts"`
	HighPriorityCount int64            `json:"highPriorityCount"`
}

func newAggregateBucket(ownerID string, start time.Time) *AggregateBucket {
	return &AggregateBucket{
		OwnerID:         ownerID,
		BucketStart:     start.UTC(),
		SentimentCounts: map[string]int64{},
		CategoryCounts:  map[string]int64{},
	}
}

func (b *AggregateBucket) add(dim AggregateDimension, n int64) {
	switch dim.Dimension {
	case DimensionTotal:
		b.Total += n
	case DimensionSentiment:
		b.SentimentCounts[dim.Key] += n
	case DimensionCategory:
		b.CategoryCounts[dim.Key] += n
	case DimensionPriority:
		if dim.Key == priorityHigh {
			b.HighPriorityCount += n
		}
	}
}

func (b AggregateBucket) clone() AggregateBucket {
	out := b
	out.SentimentCounts = make(map[string]int64, len(b.SentimentCounts))
	for k, v := range b.SentimentCounts {
		out.SentimentCounts[k] = v
	}
	out.CategoryCounts = make(map[string]int64, len(b.CategoryCounts))
	for k, v := range b.CategoryCounts {
		out.CategoryCounts[k] = v
	}
	return out
}

type BucketQuery struct {
	OwnerID string
	From    time.Time
	To      time.Time
}

func (q BucketQuery) contains(start time.Time) bool {
	if !q.From.IsZero() && start.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !start.Before(q.To) {
		return false
	}
	return true
}

func containsFold(values []string, needle string) bool {
	for _, value := range values {
		if strings.EqualFold(value, needle) {
			return true
		}
	}
	return false
}
