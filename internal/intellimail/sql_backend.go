package intellimail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"

	defaultTablePrefix  = "intellimail"
	sqlOperationTimeout = 5 * time.Second
)

type sqlxOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

// SQLStateBackend stores every collection in its own table. The same SQL runs
// on Postgres and SQLite; placeholders are rebound per driver.
type SQLStateBackend struct {
	dialect     string
	dsn         string
	tablePrefix string
	now         func() time.Time
	openDB      sqlxOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func NewPostgresStateBackend(dsn string) (*SQLStateBackend, error) {
	return newSQLStateBackend(dialectPostgres, dsn)
}

func NewSQLiteStateBackend(path string) (*SQLStateBackend, error) {
	return newSQLStateBackend(dialectSQLite, path)
}

func newSQLStateBackend(dialect, dsn string) (*SQLStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dialect:     dialect,
		dsn:         dsn,
		tablePrefix: defaultTablePrefix,
		now:         time.Now,
		openDB:      sqlx.Open,
	}, nil
}

func (b *SQLStateBackend) table(name string) string {
	return postgresQuoteIdentifier(b.tablePrefix + "_" + name)
}

func (b *SQLStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if b.dialect == dialectSQLite {
			db.SetMaxOpenConns(1)
			for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
				if _, err := db.ExecContext(ctx, pragma); err != nil {
					_ = db.Close()
					b.initErr = fmt.Errorf("sqlite %s: %w", pragma, err)
					return
				}
			}
		}
		for _, stmt := range b.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("creating schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLStateBackend) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			raw_ref TEXT NOT NULL DEFAULT '',
			fetched_at BIGINT NOT NULL
		)`, b.table("messages")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			sentiment TEXT NOT NULL DEFAULT '',
			computed_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (message_id, content_hash)
		)`, b.table("results")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (owner_id, computed_at)",
			postgresQuoteIdentifier(b.tablePrefix+"_results_owner_idx"), b.table("results")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fingerprint TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, b.table("cache")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			owner_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			bucket_start BIGINT NOT NULL,
			applied_at BIGINT NOT NULL,
			PRIMARY KEY (owner_id, message_id, content_hash)
		)`, b.table("aggregate_markers")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			owner_id TEXT NOT NULL,
			bucket_start BIGINT NOT NULL,
			dimension TEXT NOT NULL,
			dim_key TEXT NOT NULL,
			tally BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, bucket_start, dimension, dim_key)
		)`, b.table("aggregate_counts")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			owner_id TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, b.table("cursors")),
	}
}

func (b *SQLStateBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

type messageRow struct {
	MessageID   string `db:"message_id"`
	ThreadID    string `db:"thread_id"`
	OwnerID     string `db:"owner_id"`
	ContentHash string `db:"content_hash"`
	RawRef      string `db:"raw_ref"`
	FetchedAt   int64  `db:"fetched_at"`
}

func (b *SQLStateBackend) PutMessage(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, thread_id, owner_id, content_hash, raw_ref, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			owner_id = excluded.owner_id,
			content_hash = excluded.content_hash,
			raw_ref = excluded.raw_ref,
			fetched_at = excluded.fetched_at`, b.table("messages"))
	_, err := b.db.ExecContext(ctx, b.db.Rebind(query),
		msg.ID, msg.ThreadID, msg.OwnerID, msg.ContentHash, msg.RawRef, unixMillis(msg.FetchedAt))
	return err
}

func (b *SQLStateBackend) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := b.ensureReady(); err != nil {
		return Message{}, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT message_id, thread_id, owner_id, content_hash, raw_ref, fetched_at FROM %s WHERE message_id = ?`, b.table("messages"))
	var row messageRow
	if err := b.db.GetContext(ctx, &row, b.db.Rebind(query), messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return Message{
		ID:          row.MessageID,
		ThreadID:    row.ThreadID,
		OwnerID:     row.OwnerID,
		ContentHash: row.ContentHash,
		RawRef:      row.RawRef,
		FetchedAt:   fromUnixMillis(row.FetchedAt),
	}, nil
}

type resultRow struct {
	Version int64  `db:"version"`
	Payload string `db:"payload"`
}

func (r resultRow) decode() (AnalysisResult, error) {
	var result AnalysisResult
	if err := json.Unmarshal([]byte(r.Payload), &result); err != nil {
		return AnalysisResult{}, fmt.Errorf("decoding stored result: %w", err)
	}
	result.Version = r.Version
	return result, nil
}

func (b *SQLStateBackend) GetResult(ctx context.Context, messageID, contentHash string) (AnalysisResult, error) {
	if err := b.ensureReady(); err != nil {
		return AnalysisResult{}, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT version, payload FROM %s WHERE message_id = ? AND content_hash = ?`, b.table("results"))
	var row resultRow
	if err := b.db.GetContext(ctx, &row, b.db.Rebind(query), messageID, contentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisResult{}, ErrNotFound
		}
		return AnalysisResult{}, err
	}
	return row.decode()
}

func (b *SQLStateBackend) LatestResult(ctx context.Context, messageID string) (AnalysisResult, error) {
	if err := b.ensureReady(); err != nil {
		return AnalysisResult{}, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT version, payload FROM %s WHERE message_id = ? ORDER BY updated_at DESC LIMIT 1`, b.table("results"))
	var row resultRow
	if err := b.db.GetContext(ctx, &row, b.db.Rebind(query), messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisResult{}, ErrNotFound
		}
		return AnalysisResult{}, err
	}
	return row.decode()
}

func (b *SQLStateBackend) UpsertResult(ctx context.Context, result AnalysisResult, expectedVersion int64) (AnalysisResult, error) {
	if strings.TrimSpace(result.MessageID) == "" || strings.TrimSpace(result.ContentHash) == "" {
		return AnalysisResult{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return AnalysisResult{}, err
	}
	stored := result.Clone()
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = b.now().UTC()
	payload, err := json.Marshal(stored)
	if err != nil {
		return AnalysisResult{}, err
	}

	ctx, cancel := b.opContext(ctx)
	defer cancel()
	var res sql.Result
	if expectedVersion == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (message_id, content_hash, owner_id, version, sentiment, computed_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id, content_hash) DO NOTHING`, b.table("results"))
		res, err = b.db.ExecContext(ctx, b.db.Rebind(query),
			stored.MessageID, stored.ContentHash, stored.OwnerID, stored.Version, string(stored.Sentiment),
			unixMillis(stored.ComputedAt), unixMillis(stored.UpdatedAt), string(payload))
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET owner_id = ?, version = ?, sentiment = ?, computed_at = ?, updated_at = ?, payload = ?
			WHERE message_id = ? AND content_hash = ? AND version = ?`, b.table("results"))
		res, err = b.db.ExecContext(ctx, b.db.Rebind(query),
			stored.OwnerID, stored.Version, string(stored.Sentiment), unixMillis(stored.ComputedAt),
			unixMillis(stored.UpdatedAt), string(payload), stored.MessageID, stored.ContentHash, expectedVersion)
	}
	if err != nil {
		return AnalysisResult{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AnalysisResult{}, err
	}
	if affected == 0 {
		current, _ := b.currentVersion(ctx, stored.MessageID, stored.ContentHash)
		return AnalysisResult{}, &VersionConflictError{
			MessageID:       stored.MessageID,
			ContentHash:     stored.ContentHash,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}
	}
	return stored, nil
}

func (b *SQLStateBackend) currentVersion(ctx context.Context, messageID, contentHash string) (int64, error) {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE message_id = ? AND content_hash = ?`, b.table("results"))
	var version int64
	err := b.db.GetContext(ctx, &version, b.db.Rebind(query), messageID, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func (b *SQLStateBackend) ResultExists(ctx context.Context, messageID, contentHash string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE message_id = ? AND content_hash = ?`, b.table("results"))
	var n int
	if err := b.db.GetContext(ctx, &n, b.db.Rebind(query), messageID, contentHash); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *SQLStateBackend) ListResults(ctx context.Context, query ResultQuery) ([]AnalysisResult, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	var where []string
	var args []any
	if query.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, query.OwnerID)
	}
	if query.CompleteOnly || !query.From.IsZero() || !query.To.IsZero() {
		where = append(where, "computed_at > 0")
	}
	if !query.From.IsZero() {
		where = append(where, "computed_at >= ?")
		args = append(args, query.From.UnixMilli())
	}
	if !query.To.IsZero() {
		where = append(where, "computed_at < ?")
		args = append(args, query.To.UnixMilli())
	}
	if query.Sentiment != "" {
		where = append(where, "sentiment = ?")
		args = append(args, string(query.Sentiment))
	}
	stmt := fmt.Sprintf("SELECT version, payload FROM %s", b.table("results"))
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY computed_at DESC, updated_at DESC, message_id ASC, content_hash ASC"
	// Category lives inside the payload, so pagination moves in process when it
	// is part of the filter.
	inSQLPaging := query.Category == "" && query.Limit > 0
	if inSQLPaging {
		stmt += " LIMIT ? OFFSET ?"
		args = append(args, query.Limit, maxInt(query.Offset, 0))
	}

	var rows []resultRow
	if err := b.db.SelectContext(ctx, &rows, b.db.Rebind(stmt), args...); err != nil {
		return nil, err
	}
	out := make([]AnalysisResult, 0, len(rows))
	for _, row := range rows {
		result, err := row.decode()
		if err != nil {
			return nil, err
		}
		if query.Matches(result) {
			out = append(out, result)
		}
	}
	if inSQLPaging {
		return out, nil
	}
	return paginate(out, query.Offset, query.Limit), nil
}

type cacheRow struct {
	Payload   string `db:"payload"`
	ExpiresAt int64  `db:"expires_at"`
}

func (b *SQLStateBackend) CacheGet(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT payload, expires_at FROM %s WHERE fingerprint = ?`, b.table("cache"))
	var row cacheRow
	if err := b.db.GetContext(ctx, &row, b.db.Rebind(query), fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if row.ExpiresAt <= b.now().UnixMilli() {
		del := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = ? AND expires_at = ?`, b.table("cache"))
		_, _ = b.db.ExecContext(ctx, b.db.Rebind(del), fingerprint, row.ExpiresAt)
		return nil, false, nil
	}
	return []byte(row.Payload), true, nil
}

func (b *SQLStateBackend) CachePut(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	if strings.TrimSpace(fingerprint) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	now := b.now()
	query := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`, b.table("cache"))
	_, err := b.db.ExecContext(ctx, b.db.Rebind(query), fingerprint, string(payload), now.UnixMilli(), now.Add(ttl).UnixMilli())
	return err
}

func (b *SQLStateBackend) CacheInvalidate(ctx context.Context, fingerprint string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = ?`, b.table("cache"))
	_, err := b.db.ExecContext(ctx, b.db.Rebind(query), fingerprint)
	return err
}

func (b *SQLStateBackend) CacheLen(ctx context.Context) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at > ?`, b.table("cache"))
	var n int
	err := b.db.GetContext(ctx, &n, b.db.Rebind(query), b.now().UnixMilli())
	return n, err
}

func (b *SQLStateBackend) PurgeExpired(ctx context.Context) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, b.table("cache"))
	res, err := b.db.ExecContext(ctx, b.db.Rebind(query), b.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *SQLStateBackend) ApplyIncrement(ctx context.Context, inc AggregateIncrement) (bool, error) {
	if strings.TrimSpace(inc.OwnerID) == "" || strings.TrimSpace(inc.MessageID) == "" {
		return false, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	markerQuery := fmt.Sprintf(`
		INSERT INTO %s (owner_id, message_id, content_hash, bucket_start, applied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, message_id, content_hash) DO NOTHING`, b.table("aggregate_markers"))
	res, err := tx.ExecContext(ctx, tx.Rebind(markerQuery),
		inc.OwnerID, inc.MessageID, inc.ContentHash, inc.BucketStart.UnixMilli(), b.now().UnixMilli())
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	countsTable := b.table("aggregate_counts")
	existing := "tally"
	if b.dialect == dialectPostgres {
		existing = countsTable + ".tally"
	}
	countQuery := tx.Rebind(fmt.Sprintf(`
		INSERT INTO %s (owner_id, bucket_start, dimension, dim_key, tally)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (owner_id, bucket_start, dimension, dim_key) DO UPDATE SET tally = %s + 1`, countsTable, existing))
	for _, dim := range inc.Dimensions {
		if _, err := tx.ExecContext(ctx, countQuery, inc.OwnerID, inc.BucketStart.UnixMilli(), dim.Dimension, dim.Key); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

type countRow struct {
	BucketStart int64  `db:"bucket_start"`
	Dimension   string `db:"dimension"`
	DimKey      string `db:"dim_key"`
	Tally       int64  `db:"tally"`
}

func (b *SQLStateBackend) ListBuckets(ctx context.Context, query BucketQuery) ([]AggregateBucket, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	where := []string{"owner_id = ?"}
	args := []any{query.OwnerID}
	if !query.From.IsZero() {
		where = append(where, "bucket_start >= ?")
		args = append(args, query.From.UnixMilli())
	}
	if !query.To.IsZero() {
		where = append(where, "bucket_start < ?")
		args = append(args, query.To.UnixMilli())
	}
	stmt := fmt.Sprintf("SELECT bucket_start, dimension, dim_key, tally FROM %s WHERE %s ORDER BY bucket_start ASC",
		b.table("aggregate_counts"), strings.Join(where, " AND "))
	var rows []countRow
	if err := b.db.SelectContext(ctx, &rows, b.db.Rebind(stmt), args...); err != nil {
		return nil, err
	}
	out := make([]AggregateBucket, 0)
	var current *AggregateBucket
	for _, row := range rows {
		start := fromUnixMillis(row.BucketStart)
		if current == nil || !current.BucketStart.Equal(start) {
			if current != nil {
				out = append(out, *current)
			}
			current = newAggregateBucket(query.OwnerID, start)
		}
		current.add(AggregateDimension{Dimension: row.Dimension, Key: row.DimKey}, row.Tally)
	}
	if current != nil {
		out = append(out, *current)
	}
	return out, nil
}

func (b *SQLStateBackend) ResetAggregates(ctx context.Context, ownerID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, name := range []string{"aggregate_counts", "aggregate_markers"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE owner_id = ?`, b.table(name))
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), ownerID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLStateBackend) LoadCursor(ctx context.Context, ownerID string) (string, error) {
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT cursor FROM %s WHERE owner_id = ?`, b.table("cursors"))
	var cursor string
	err := b.db.GetContext(ctx, &cursor, b.db.Rebind(query), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (b *SQLStateBackend) SaveCursor(ctx context.Context, ownerID, cursor string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := b.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`, b.table("cursors"))
	_, err := b.db.ExecContext(ctx, b.db.Rebind(query), ownerID, cursor, b.now().UnixMilli())
	return err
}

func (b *SQLStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
