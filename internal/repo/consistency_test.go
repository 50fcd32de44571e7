package repo_test

import (
	"testing"
	"time"

	"execstore/internal/domain"
	"execstore/internal/errors"
	"execstore/internal/metrics"
)

func TestRequireLatestAcceptsFreshReplica(t *testing.T) {
	env := newTestEnv(t)
	e := newExecution("orca", newStage("1"))
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	env.replicate(t, e)

	got, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.ID != e.ID || len(got.Stages) != 1 {
		t.Fatalf("unexpected execution %+v", got)
	}
	if call := env.Sink.lastRead(t); call.outcome != metrics.OutcomeSuccess || call.attempts != 1 {
		t.Fatalf("expected success on first attempt, got %+v", call)
	}
}

func TestRequireLatestNeverReturnsStaleReplicaRow(t *testing.T) {
	env := newTestEnv(t)
	e := newExecution("orca", newStage("1"))
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	env.replicate(t, e)

	env.Clock.Advance(time.Second)
	if _, err := env.Repo.UpdateStatus(env.Ctx, domain.Pipeline, e.ID, domain.StatusRunning); err != nil {
		t.Fatalf("update: %v", err)
	}

	lagging, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, false)
	if err != nil {
		t.Fatalf("retrieve without freshness: %v", err)
	}
	if lagging.Status != domain.StatusNotStarted {
		t.Fatalf("a plain read is served by the replica, got %s", lagging.Status)
	}

	got, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Fatalf("requireLatest returned stale status %s", got.Status)
	}
	if call := env.Sink.lastRead(t); call.outcome != metrics.OutcomeFailover || call.attempts != 3 {
		t.Fatalf("expected failover after the retry budget, got %+v", call)
	}
}

func TestStageCountMismatchIsStale(t *testing.T) {
	env := newTestEnv(t)
	e := newExecution("orca", newStage("1"))
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	env.replicate(t, e)

	s := newStage("2", "1")
	s.ExecutionID = e.ID
	if err := env.Repo.StoreStage(env.Ctx, domain.Pipeline, s); err != nil {
		t.Fatalf("store stage: %v", err)
	}
	got, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("expected the primary copy with two stages, got %d", len(got.Stages))
	}
	if call := env.Sink.lastRead(t); call.outcome != metrics.OutcomeFailover {
		t.Fatalf("expected failover, got %+v", call)
	}
}

func TestMissingLedgerEntryIsRepopulated(t *testing.T) {
	env := newTestEnv(t)
	e := newExecution("orca", newStage("1"))
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	env.replicate(t, e)
	if err := env.Ledger.Forget(env.Ctx, e.ID, e.Stages[0].ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if call := env.Sink.lastRead(t); call.outcome != metrics.OutcomeFailover {
		t.Fatalf("missing ledger entries fall back to the default pool, got %+v", call)
	}
	if ts, ok, _ := env.Ledger.ExecutionUpdate(env.Ctx, e.ID); !ok || ts != e.UpdatedAt {
		t.Fatalf("ledger should be repopulated from the default pool, got %d %v", ts, ok)
	}
	if _, ok, _ := env.Ledger.StageUpdate(env.Ctx, e.Stages[0].ID); !ok {
		t.Fatalf("stage ledger entry should be repopulated")
	}

	if _, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true); err != nil {
		t.Fatalf("retrieve again: %v", err)
	}
	if call := env.Sink.lastRead(t); call.outcome != metrics.OutcomeSuccess || call.attempts != 1 {
		t.Fatalf("the replica should now verify, got %+v", call)
	}
}

// A row missing from the replica is treated like lag and retried. That
// holds for rows that were really deleted too: the caller only learns of
// the deletion once the retry budget is spent and the default pool answers.
func TestReplicaNotFoundIsRetried(t *testing.T) {
	env := newTestEnv(t)
	e := newExecution("orca")
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true)
	if err != nil || got.ID != e.ID {
		t.Fatalf("row only on the default pool should still be found: %v", err)
	}
	if call := env.Sink.lastRead(t); call.outcome != metrics.OutcomeFailover || call.attempts != 3 {
		t.Fatalf("expected every attempt to be spent, got %+v", call)
	}

	deleted := newExecution("orca")
	if err := env.Repo.Store(env.Ctx, deleted); err != nil {
		t.Fatalf("store: %v", err)
	}
	env.replicate(t, deleted)
	if err := env.Repo.Delete(env.Ctx, domain.Pipeline, deleted.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, deleted.ID, true); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("expected not found once the default pool answers, got %v", err)
	}
	if call := env.Sink.lastRead(t); call.attempts != 3 {
		t.Fatalf("deleted row should cost the full retry budget, got %+v", call)
	}
}

func TestPrimaryOlderThanLedgerIsExhausted(t *testing.T) {
	env := newTestEnv(t)
	e := newExecution("orca")
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	env.replicate(t, e)
	if err := env.Ledger.PutExecutionUpdate(env.Ctx, e.ID, e.UpdatedAt+time.Hour.Milliseconds()); err != nil {
		t.Fatal(err)
	}
	_, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true)
	if !errors.Is(err, errors.ErrConsistencyExhausted) {
		t.Fatalf("expected consistency exhausted, got %v", err)
	}
}

func TestRequireLatestWithoutLedgerReadsDefaultPool(t *testing.T) {
	env := newTestEnv(t)
	env.Repo.Ledger = nil
	e := newExecution("orca")
	if err := env.Repo.Store(env.Ctx, e); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := env.Repo.Retrieve(env.Ctx, domain.Pipeline, e.ID, true)
	if err != nil || got.ID != e.ID {
		t.Fatalf("retrieve: %v", err)
	}
	env.Sink.mu.Lock()
	defer env.Sink.mu.Unlock()
	if len(env.Sink.reads) != 0 {
		t.Fatalf("no consistency protocol should run without a ledger")
	}
}
