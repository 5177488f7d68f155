package intellimail

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type resultKey struct {
	messageID   string
	contentHash string
}

type markerKey struct {
	ownerID     string
	messageID   string
	contentHash string
}

// InMemoryStateBackend keeps every collection in process. It is the default
// for tests and the memory profile.
type InMemoryStateBackend struct {
	mu       sync.RWMutex
	now      func() time.Time
	messages map[string]Message
	results  map[resultKey]AnalysisResult
	cache    map[string]CacheEntry
	markers  map[markerKey]struct{}
	buckets  map[string]map[int64]*AggregateBucket
	cursors  map[string]string
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{
		now:      time.Now,
		messages: map[string]Message{},
		results:  map[resultKey]AnalysisResult{},
		cache:    map[string]CacheEntry{},
		markers:  map[markerKey]struct{}{},
		buckets:  map[string]map[int64]*AggregateBucket{},
		cursors:  map[string]string{},
	}
}

func (b *InMemoryStateBackend) PutMessage(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[msg.ID] = msg
	return nil
}

func (b *InMemoryStateBackend) GetMessage(_ context.Context, messageID string) (Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (b *InMemoryStateBackend) GetResult(_ context.Context, messageID, contentHash string) (AnalysisResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result, ok := b.results[resultKey{messageID, contentHash}]
	if !ok {
		return AnalysisResult{}, ErrNotFound
	}
	return result.Clone(), nil
}

func (b *InMemoryStateBackend) LatestResult(_ context.Context, messageID string) (AnalysisResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var latest AnalysisResult
	found := false
	for key, result := range b.results {
		if key.messageID != messageID {
			continue
		}
		if !found || result.UpdatedAt.After(latest.UpdatedAt) {
			latest = result
			found = true
		}
	}
	if !found {
		return AnalysisResult{}, ErrNotFound
	}
	return latest.Clone(), nil
}

func (b *InMemoryStateBackend) UpsertResult(_ context.Context, result AnalysisResult, expectedVersion int64) (AnalysisResult, error) {
	if strings.TrimSpace(result.MessageID) == "" || strings.TrimSpace(result.ContentHash) == "" {
		return AnalysisResult{}, ErrInvalidInput
	}
	key := resultKey{result.MessageID, result.ContentHash}
	b.mu.Lock()
	defer b.mu.Unlock()
	var current int64
	if existing, ok := b.results[key]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return AnalysisResult{}, &VersionConflictError{
			MessageID:       result.MessageID,
			ContentHash:     result.ContentHash,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}
	}
	stored := result.Clone()
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = b.now().UTC()
	b.results[key] = stored
	return stored.Clone(), nil
}

func (b *InMemoryStateBackend) ResultExists(_ context.Context, messageID, contentHash string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.results[resultKey{messageID, contentHash}]
	return ok, nil
}

func (b *InMemoryStateBackend) ListResults(_ context.Context, query ResultQuery) ([]AnalysisResult, error) {
	b.mu.RLock()
	out := make([]AnalysisResult, 0)
	for _, result := range b.results {
		if query.Matches(result) {
			out = append(out, result.Clone())
		}
	}
	b.mu.RUnlock()
	sortResults(out)
	return paginate(out, query.Offset, query.Limit), nil
}

func (b *InMemoryStateBackend) CacheGet(_ context.Context, fingerprint string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if !entry.ExpiresAt.After(b.now()) {
		delete(b.cache, fingerprint)
		return nil, false, nil
	}
	return append([]byte(nil), entry.Payload...), true, nil
}

func (b *InMemoryStateBackend) CachePut(_ context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	if strings.TrimSpace(fingerprint) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[fingerprint] = CacheEntry{
		Fingerprint: fingerprint,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (b *InMemoryStateBackend) CacheInvalidate(_ context.Context, fingerprint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, fingerprint)
	return nil
}

func (b *InMemoryStateBackend) CacheLen(_ context.Context) (int, error) {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, entry := range b.cache {
		if entry.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (b *InMemoryStateBackend) PurgeExpired(_ context.Context) (int, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	purged := 0
	for fingerprint, entry := range b.cache {
		if !entry.ExpiresAt.After(now) {
			delete(b.cache, fingerprint)
			purged++
		}
	}
	return purged, nil
}

func (b *InMemoryStateBackend) ApplyIncrement(_ context.Context, inc AggregateIncrement) (bool, error) {
	if strings.TrimSpace(inc.OwnerID) == "" || strings.TrimSpace(inc.MessageID) == "" {
		return false, ErrInvalidInput
	}
	key := markerKey{inc.OwnerID, inc.MessageID, inc.ContentHash}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, seen := b.markers[key]; seen {
		return false, nil
	}
	b.markers[key] = struct{}{}
	owned, ok := b.buckets[inc.OwnerID]
	if !ok {
		owned = map[int64]*AggregateBucket{}
		b.buckets[inc.OwnerID] = owned
	}
	start := inc.BucketStart.UTC()
	bucket, ok := owned[start.UnixMilli()]
	if !ok {
		bucket = newAggregateBucket(inc.OwnerID, start)
		owned[start.UnixMilli()] = bucket
	}
	for _, dim := range inc.Dimensions {
		bucket.add(dim, 1)
	}
	return true, nil
}

func (b *InMemoryStateBackend) ListBuckets(_ context.Context, query BucketQuery) ([]AggregateBucket, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]AggregateBucket, 0)
	for _, bucket := range b.buckets[query.OwnerID] {
		if query.contains(bucket.BucketStart) {
			out = append(out, bucket.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out, nil
}

func (b *InMemoryStateBackend) ResetAggregates(_ context.Context, ownerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, ownerID)
	for key := range b.markers {
		if key.ownerID == ownerID {
			delete(b.markers, key)
		}
	}
	return nil
}

func (b *InMemoryStateBackend) LoadCursor(_ context.Context, ownerID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursors[ownerID], nil
}

func (b *InMemoryStateBackend) SaveCursor(_ context.Context, ownerID, cursor string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[ownerID] = cursor
	return nil
}

func (b *InMemoryStateBackend) Close() error {
	return nil
}
