package intellimail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	postgresTaskTableName = "intellimail_tasks"
	maxDequeueBackoff     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTaskQueue keeps tasks in one table. Claims use FOR UPDATE SKIP
// LOCKED so concurrent processes never lease the same row.
type PostgresTaskQueue struct {
	dsn          string
	tableName    string
	capacity     int
	retention    int
	pollInterval time.Duration
	now          func() time.Time
	openDB       sqlOpenFunc
	logger       *zap.Logger

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresTaskQueue(dsn string, capacity int) (*PostgresTaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresTaskQueue{
		dsn:          dsn,
		tableName:    postgresTaskTableName,
		capacity:     capacity,
		retention:    defaultTerminalRetention,
		pollInterval: queuePollInterval,
		now:          time.Now,
		openDB:       sql.Open,
		logger:       zap.NewNop(),
	}, nil
}

// SetLogger routes dequeue and pruning errors to logger.
func (q *PostgresTaskQueue) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q.logger = logger.With(zap.String("component", "postgres_queue"))
}

// ensureReady opens the pool and creates the table on first use. A failed
// attempt is retried on the next call so an outage at startup does not stick.
func (q *PostgresTaskQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db != nil {
		return nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			task_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			quota_deferrals INTEGER NOT NULL DEFAULT 0,
			enqueued_at BIGINT NOT NULL,
			available_at BIGINT NOT NULL,
			lease_token TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`, postgresQuoteIdentifier(q.tableName))
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating task table: %w", err)
	}
	indexName := q.tableName + "_state_seq_idx"
	createIndexQuery := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (state, seq)",
		postgresQuoteIdentifier(indexName),
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating task index: %w", err)
	}
	q.db = db
	return nil
}

const postgresTaskColumns = "task_id, message_id, owner_id, content_hash, stage, state, attempt_count, quota_deferrals, enqueued_at, available_at, lease_token, lease_expires_at, last_error, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var stage, state string
	var enqueuedAt, availableAt, leaseExpiresAt, updatedAt int64
	if err := row.Scan(&task.ID, &task.MessageID, &task.OwnerID, &task.ContentHash, &stage, &state,
		&task.AttemptCount, &task.QuotaDeferrals, &enqueuedAt, &availableAt, &task.LeaseToken,
		&leaseExpiresAt, &task.LastError, &updatedAt); err != nil {
		return Task{}, err
	}
	task.Stage = Stage(stage)
	task.State = TaskState(state)
	task.EnqueuedAt = fromUnixMillis(enqueuedAt)
	task.AvailableAt = fromUnixMillis(availableAt)
	task.LeaseExpiresAt = fromUnixMillis(leaseExpiresAt)
	task.UpdatedAt = fromUnixMillis(updatedAt)
	return task, nil
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, task Task) (bool, error) {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.MessageID) == "" || strings.TrimSpace(task.OwnerID) == "" {
		return false, ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName)); err != nil {
		return false, err
	}
	now := q.now().UnixMilli()

	var state string
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT state FROM %s WHERE task_id = $1", table), task.ID).Scan(&state)
	switch {
	case err == nil && TaskState(state) != TaskFailed:
		return false, nil
	case err == nil:
		rearm := fmt.Sprintf(`
			UPDATE %s SET state = $2, attempt_count = 0, quota_deferrals = 0, available_at = $3,
				lease_token = '', lease_expires_at = 0, last_error = '', updated_at = $3
			WHERE task_id = $1`, table)
		if _, err := tx.ExecContext(ctx, rearm, task.ID, string(TaskPending), now); err != nil {
			return false, err
		}
	case errors.Is(err, sql.ErrNoRows):
		var depth int
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE state NOT IN ($1, $2)", table)
		if err := tx.QueryRowContext(ctx, countQuery, string(TaskCompleted), string(TaskFailed)).Scan(&depth); err != nil {
			return false, err
		}
		if depth >= q.capacity {
			return false, ErrQueueFull
		}
		enqueuedAt := now
		if !task.EnqueuedAt.IsZero() {
			enqueuedAt = task.EnqueuedAt.UnixMilli()
		}
		availableAt := now
		if !task.AvailableAt.IsZero() {
			availableAt = task.AvailableAt.UnixMilli()
		}
		insert := fmt.Sprintf(`
			INSERT INTO %s (task_id, message_id, owner_id, content_hash, stage, state, enqueued_at, available_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, table)
		if _, err := tx.ExecContext(ctx, insert, task.ID, task.MessageID, task.OwnerID, task.ContentHash,
			string(task.Stage), string(TaskPending), enqueuedAt, availableAt, now); err != nil {
			return false, err
		}
	default:
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// Dequeue polls until a task is claimable or ctx ends. Database errors are
// logged and retried with a growing delay.
func (q *PostgresTaskQueue) Dequeue(ctx context.Context, lease time.Duration) (Task, bool) {
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	wait := q.pollInterval
	for {
		task, ok, err := q.tryDequeue(ctx, lease)
		if ok {
			return task, true
		}
		switch {
		case err != nil && ctx.Err() == nil:
			wait = minDuration(maxDuration(wait*2, q.pollInterval), maxDequeueBackoff)
			q.logger.Warn("dequeue failed", zap.Duration("retry_after", wait), zap.Error(err))
		default:
			wait = q.pollInterval
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(wait):
		}
	}
}

// tryDequeue reports ok=false with a nil error when nothing is claimable.
func (q *PostgresTaskQueue) tryDequeue(ctx context.Context, lease time.Duration) (Task, bool, error) {
	if err := q.ensureReady(); err != nil {
		return Task{}, false, err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(q.tableName)
	now := q.now()
	selectQuery := fmt.Sprintf(`
		SELECT task_id
		FROM %s
		WHERE (state IN ($1, $2) AND available_at <= $4)
			OR (state = $3 AND lease_expires_at <= $4)
		ORDER BY seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, table)
	var taskID string
	err = tx.QueryRowContext(ctx, selectQuery, string(TaskPending), string(TaskRetrying), string(TaskInFlight), now.UnixMilli()).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	claim := fmt.Sprintf(`
		UPDATE %s SET state = $2, attempt_count = attempt_count + 1, lease_token = $3,
			lease_expires_at = $4, updated_at = $5
		WHERE task_id = $1
		RETURNING %s`, table, postgresTaskColumns)
	task, err := scanTask(tx.QueryRowContext(ctx, claim, taskID, string(TaskInFlight), uuid.NewString(),
		now.Add(lease).UnixMilli(), now.UnixMilli()))
	if err != nil {
		return Task{}, false, fmt.Errorf("claiming task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, err
	}
	committed = true
	return task, true, nil
}

func (q *PostgresTaskQueue) Ack(ctx context.Context, taskID, leaseToken string) error {
	set := "state = $4, last_error = ''"
	if err := q.settle(ctx, taskID, leaseToken, set, string(TaskCompleted)); err != nil {
		return err
	}
	q.pruneAfterSettle(ctx)
	return nil
}

func (q *PostgresTaskQueue) Nack(ctx context.Context, taskID, leaseToken string, retry Retry) error {
	refund, deferral := 0, 0
	if retry.QuotaDeferral {
		refund, deferral = 1, 1
	}
	if retry.Requeue {
		refund = 1
	}
	availableAt := q.now().Add(maxDuration(retry.After, 0)).UnixMilli()
	set := "state = $4, last_error = $5, available_at = $6, attempt_count = GREATEST(attempt_count - $7, 0), quota_deferrals = quota_deferrals + $8"
	return q.settle(ctx, taskID, leaseToken, set, string(TaskRetrying), retry.Reason, availableAt, refund, deferral)
}

func (q *PostgresTaskQueue) Fail(ctx context.Context, taskID, leaseToken, reason string) error {
	set := "state = $4, last_error = $5"
	if err := q.settle(ctx, taskID, leaseToken, set, string(TaskFailed), reason); err != nil {
		return err
	}
	q.pruneAfterSettle(ctx)
	return nil
}

// settle applies set to a task still leased under leaseToken. Placeholders $1
// to $3 are reserved for the task ID, lease token and update time.
func (q *PostgresTaskQueue) settle(ctx context.Context, taskID, leaseToken, set string, args ...any) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET %s, lease_token = '', lease_expires_at = 0, updated_at = $3
		WHERE task_id = $1 AND state = '%s' AND lease_token = $2 AND lease_token <> ''`,
		postgresQuoteIdentifier(q.tableName), set, TaskInFlight)
	params := append([]any{taskID, leaseToken, q.now().UnixMilli()}, args...)
	res, err := q.db.ExecContext(ctx, query, params...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := q.Get(ctx, taskID); err != nil {
		return err
	}
	return ErrLeaseLost
}

// pruneAfterSettle trims terminal rows. The settle already committed, so a
// failure here is only logged.
func (q *PostgresTaskQueue) pruneAfterSettle(ctx context.Context) {
	if err := q.prune(ctx); err != nil {
		q.logger.Warn("pruning terminal tasks failed", zap.Error(err))
	}
}

func (q *PostgresTaskQueue) prune(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	table := postgresQuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE task_id IN (
			SELECT task_id FROM %s WHERE state IN ($1, $2)
			ORDER BY updated_at DESC OFFSET $3
		)`, table, table)
	_, err := q.db.ExecContext(ctx, query, string(TaskCompleted), string(TaskFailed), q.retention)
	return err
}

func (q *PostgresTaskQueue) Get(ctx context.Context, taskID string) (Task, error) {
	if err := q.ensureReady(); err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE task_id = $1", postgresTaskColumns, postgresQuoteIdentifier(q.tableName))
	task, err := scanTask(q.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (q *PostgresTaskQueue) Depth(ctx context.Context, ownerID string) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE state NOT IN ($1, $2) AND ($3 = '' OR owner_id = $3)",
		postgresQuoteIdentifier(q.tableName))
	var depth int
	err := q.db.QueryRowContext(ctx, query, string(TaskCompleted), string(TaskFailed), ownerID).Scan(&depth)
	return depth, err
}

func (q *PostgresTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresTaskQueue) Close() error {
	if q == nil {
		return nil
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
