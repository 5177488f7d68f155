package intellimail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const defaultCacheTTL = time.Hour

// AnalysisCache maps a stage fingerprint to the validated stage payload.
type AnalysisCache interface {
	CacheGet(ctx context.Context, fingerprint string) ([]byte, bool, error)
	CachePut(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error
	CacheInvalidate(ctx context.Context, fingerprint string) error
	CacheLen(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
}

type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type CacheStats struct {
	Enabled bool  `json:"enabled"`
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// ChainVersion identifies the stage chain configuration. Changing the model
// version or the stage list yields new fingerprints, so stale entries are
// never read again and simply age out.
func ChainVersion(stages []Stage, modelVersion string) string {
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		names = append(names, string(stage))
	}
	return strings.TrimSpace(modelVersion) + "/" + strings.Join(names, ",")
}

func Fingerprint(contentHash, chainVersion string, stage Stage) string {
	h := sha256.New()
	_, _ = h.Write([]byte(contentHash))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(chainVersion))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(stage))
	return hex.EncodeToString(h.Sum(nil))
}

type noopCache struct{}

func (noopCache) CacheGet(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (noopCache) CachePut(context.Context, string, []byte, time.Duration) error { return nil }

func (noopCache) CacheInvalidate(context.Context, string) error { return nil }

func (noopCache) CacheLen(context.Context) (int, error) { return 0, nil }

func (noopCache) PurgeExpired(context.Context) (int, error) { return 0, nil }
