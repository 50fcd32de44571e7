package repo_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"execstore/internal/codec"
	"execstore/internal/db"
	"execstore/internal/domain"
	"execstore/internal/ids"
	"execstore/internal/ledger"
	"execstore/internal/migrate"
	"execstore/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type readCall struct {
	kind, outcome string
	attempts      int
}

type recordingSink struct {
	mu    sync.Mutex
	reads []readCall
	txs   []string
}

func (s *recordingSink) ReadConsistency(kind, outcome string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, readCall{kind, outcome, attempts})
}

func (s *recordingSink) TransactionRetry(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, op)
}

func (s *recordingSink) Forwarded(string, string) {}
func (s *recordingSink) TombstonesPurged(int)     {}

func (s *recordingSink) lastRead(t *testing.T) readCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		t.Fatalf("no read consistency recorded")
	}
	return s.reads[len(s.reads)-1]
}

type testEnv struct {
	Ctx     context.Context
	Repo    repo.Repo
	Replica repo.Repo // writes straight into the replica database
	Primary *sql.DB
	Read    *sql.DB
	Ledger  *ledger.Memory
	Sink    *recordingSink
	Clock   *clock
}

func openMigrated(t *testing.T, path string) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Dialect: db.SQLite, DSN: path})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	primary := openMigrated(t, filepath.Join(dir, "primary.db"))
	read := openMigrated(t, filepath.Join(dir, "replica.db"))
	clk := newClock()
	gen := ids.NewGenerator()
	l := ledger.NewMemory()
	sink := &recordingSink{}
	retry := repo.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	r := repo.Repo{
		Pools:     db.Pools{Default: primary, Read: read, Dialect: db.SQLite},
		Codec:     codec.New(false, 0, ""),
		Ledger:    l,
		Metrics:   sink,
		IDs:       gen,
		Retry:     retry,
		ReadRetry: retry,
		Now:       clk.Now,
	}
	replica := repo.Repo{
		Pools: db.Pools{Default: read, Dialect: db.SQLite},
		Codec: r.Codec,
		IDs:   gen,
		Retry: retry,
		Now:   clk.Now,
	}
	return testEnv{
		Ctx:     context.Background(),
		Repo:    r,
		Replica: replica,
		Primary: primary,
		Read:    read,
		Ledger:  l,
		Sink:    sink,
		Clock:   clk,
	}
}

// replicate copies e into the replica as it is now.
func (env testEnv) replicate(t *testing.T, e *domain.Execution) {
	t.Helper()
	c := clone(t, e)
	if err := env.Replica.Store(env.Ctx, c); err != nil {
		t.Fatalf("replicate: %v", err)
	}
}

func clone(t *testing.T, e *domain.Execution) *domain.Execution {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var out domain.Execution
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	out.LegacyID = e.LegacyID
	for i, s := range e.Stages {
		out.Stages[i].LegacyID = s.LegacyID
	}
	return &out
}

func newExecution(app string, stages ...*domain.Stage) *domain.Execution {
	return &domain.Execution{
		ID:          ids.NewGenerator().New(),
		Type:        domain.Pipeline,
		Application: app,
		Name:        "deploy",
		Status:      domain.StatusNotStarted,
		BuildTime:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Trigger:     domain.Trigger{Type: "manual", User: "alice"},
		Stages:      stages,
	}
}

func newStage(refID string, requisites ...string) *domain.Stage {
	return &domain.Stage{
		ID:                   ids.NewGenerator().New(),
		RefID:                refID,
		Type:                 "wait",
		Name:                 "stage " + refID,
		Status:               domain.StatusNotStarted,
		RequisiteStageRefIDs: requisites,
	}
}

func countRows(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
