package events_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"execstore/internal/db"
	"execstore/internal/events"
	"execstore/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Dialect: db.SQLite, DSN: filepath.Join(t.TempDir(), "outbox.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return events.Writer{DB: conn, Dialect: db.SQLite, Now: func() time.Time { return now }}
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t)

	first, err := w.Append(ctx, nil, "east", "cancel-intent", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := w.Append(ctx, nil, "west", "pause-intent", []byte(`{"b":2}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	pending, err := w.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first || pending[1].ID != second {
		t.Fatalf("expected both rows oldest first, got %+v", pending)
	}
	if string(pending[0].Payload) != `{"a":1}` || pending[0].TargetPartition != "east" {
		t.Fatalf("unexpected row %+v", pending[0])
	}

	if err := w.MarkFailed(ctx, first, errors.New("peer down")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := w.MarkDelivered(ctx, second); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	pending, err = w.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first {
		t.Fatalf("only the failed row should remain, got %+v", pending)
	}
	if pending[0].Attempts != 1 || pending[0].LastError != "peer down" {
		t.Fatalf("failure not recorded: %+v", pending[0])
	}
}

func TestAppendInsideTransaction(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t)
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(ctx, tx, "east", "delete-intent", []byte(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	pending, err := w.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("rolled back append should leave no row")
	}
	if _, err := w.Append(ctx, nil, "", "delete-intent", nil); err == nil {
		t.Fatalf("expected error for missing target")
	}
}
