package intellimail

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPostgresTaskQueueDequeueLogsDatabaseErrors(t *testing.T) {
	q, err := NewPostgresTaskQueue("postgres://localhost/intellimail?sslmode=disable", 4)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	opens := 0
	q.openDB = func(string, string) (*sql.DB, error) {
		opens++
		return nil, errors.New("connection refused")
	}
	core, logs := observer.New(zap.WarnLevel)
	q.SetLogger(zap.New(core))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx, time.Minute); ok {
		t.Fatalf("expected no task while the database is down")
	}
	failures := logs.FilterMessage("dequeue failed").All()
	if len(failures) == 0 {
		t.Fatalf("expected dequeue failures to be logged")
	}
	if got := failures[0].ContextMap()["error"]; got != "connection refused" {
		t.Fatalf("expected the database error in the log, got %v", got)
	}
	if opens < 2 {
		t.Fatalf("expected setup to be retried after a failure, got %d opens", opens)
	}
}

func TestPostgresTaskQueuePruneFailureIsLogged(t *testing.T) {
	q, err := NewPostgresTaskQueue("postgres://localhost/intellimail?sslmode=disable", 4)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = db.Close()
	q.db = db
	core, logs := observer.New(zap.WarnLevel)
	q.SetLogger(zap.New(core))

	q.pruneAfterSettle(context.Background())

	if logs.FilterMessage("pruning terminal tasks failed").Len() != 1 {
		t.Fatalf("expected prune failure logged once, got %v", logs.All())
	}
}
