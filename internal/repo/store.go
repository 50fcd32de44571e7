package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"execstore/internal/codec"
	"execstore/internal/domain"
	"execstore/internal/errors"
)

// Store writes the whole execution: its row, every stage row and, when the
// trigger carries one, the correlation entry. Stage rows no longer present
// on e are removed. Ids are reconciled in place, so after Store e.ID and
// each stage ID are canonical and the supplied ids move to LegacyID.
func (r Repo) Store(ctx context.Context, e *domain.Execution) error {
	k, err := kindOf(e.Type)
	if err != nil {
		return err
	}
	now := r.now().UnixMilli()
	if err := r.withTx(ctx, "store", func(ctx context.Context, tx *sql.Tx) error {
		return r.storeTx(ctx, tx, k, e, now)
	}); err != nil {
		return err
	}
	r.recordExecution(ctx, e)
	return nil
}

func (r Repo) storeTx(ctx context.Context, tx *sql.Tx, k kind, e *domain.Execution, now int64) error {
	if e.Application == "" {
		return errors.New(errors.ErrInvalidArgument, "application is required")
	}
	for _, s := range e.Stages {
		if err := s.Validate(); err != nil {
			return errors.WithCode(err, errors.ErrInvalidArgument, "invalid stage")
		}
	}
	if e.Status == "" {
		e.Status = domain.StatusNotStarted
	}
	if e.BuildTime == 0 {
		e.BuildTime = now
	}

	id, legacy, err := r.reconciler().Resolve(ctx, tx, k.executions, e.ID, time.UnixMilli(e.BuildTime))
	if err != nil {
		return err
	}
	e.ID = id
	if legacy != "" {
		e.LegacyID = legacy
	}
	e.UpdatedAt = now

	if err := r.reconcileStages(ctx, tx, k, e, now); err != nil {
		return err
	}
	if err := r.writeExecution(ctx, tx, k, e); err != nil {
		return err
	}
	keep := make(map[string]bool, len(e.Stages))
	for _, s := range e.Stages {
		if err := r.writeStage(ctx, tx, k, s); err != nil {
			return err
		}
		keep[s.ID] = true
	}
	if err := r.pruneStages(ctx, tx, k, e.ID, keep); err != nil {
		return err
	}
	if e.Trigger.CorrelationID != "" && !e.Status.IsComplete() {
		if err := r.upsertCorrelation(ctx, tx, k, e.Trigger.CorrelationID, e.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// reconcileStages canonicalizes stage ids and rewrites parent references
// that used a supplied id.
func (r Repo) reconcileStages(ctx context.Context, tx *sql.Tx, k kind, e *domain.Execution, now int64) error {
	rename := map[string]string{}
	for _, s := range e.Stages {
		anchor := time.UnixMilli(e.BuildTime)
		if s.StartTime != nil {
			anchor = time.UnixMilli(*s.StartTime)
		}
		supplied := s.ID
		id, legacy, err := r.reconciler().ResolveStage(ctx, tx, k.stages, supplied, e.ID, anchor)
		if err != nil {
			return err
		}
		if id != supplied {
			rename[supplied] = id
		}
		s.ID = id
		if legacy != "" {
			s.LegacyID = legacy
		}
		s.ExecutionID = e.ID
		s.UpdatedAt = now
	}
	for _, s := range e.Stages {
		if to, ok := rename[s.ParentStageID]; ok {
			s.ParentStageID = to
		}
	}
	return nil
}

func (r Repo) writeExecution(ctx context.Context, tx *sql.Tx, k kind, e *domain.Execution) error {
	enc, err := r.Codec.Encode(e.Header())
	if err != nil {
		return err
	}
	e.Size = enc.Size
	fields := []field{
		{name: "legacy_id", value: nullable(e.LegacyID), insertOnly: true},
		{name: "partition_name", value: nullable(e.Partition)},
		{name: "status", value: string(e.Status)},
		{name: "application", value: e.Application},
		{name: "config_id", value: nullable(e.PipelineConfigID)},
		{name: "build_time", value: e.BuildTime},
		{name: "start_time", value: nullableInt(e.StartTime)},
		{name: "canceled", value: e.Canceled},
		{name: "updated_at", value: e.UpdatedAt},
		{name: "body", value: string(enc.Body)},
	}
	if err := r.upsert(ctx, tx, k.executions, fields, "id", e.ID); err != nil {
		return err
	}
	return r.writeCompressed(ctx, tx, k.executionsCompressed, e.ID, enc, e.UpdatedAt)
}

func (r Repo) writeStage(ctx context.Context, tx *sql.Tx, k kind, s *domain.Stage) error {
	enc, err := r.Codec.Encode(s)
	if err != nil {
		return err
	}
	s.Size = enc.Size
	fields := []field{
		{name: "legacy_id", value: nullable(s.LegacyID), insertOnly: true},
		{name: "execution_id", value: s.ExecutionID},
		{name: "status", value: string(s.Status)},
		{name: "updated_at", value: s.UpdatedAt},
		{name: "body", value: string(enc.Body)},
	}
	if err := r.upsert(ctx, tx, k.stages, fields, "id", s.ID); err != nil {
		return err
	}
	return r.writeCompressed(ctx, tx, k.stagesCompressed, s.ID, enc, s.UpdatedAt)
}

// writeCompressed keeps the side table in step with the primary row. A body
// that no longer needs compression drops its stale compressed row.
func (r Repo) writeCompressed(ctx context.Context, tx *sql.Tx, table, id string, enc codec.Encoded, updatedAt int64) error {
	if enc.Compressed == nil {
		if !r.Codec.Enabled {
			return nil
		}
		if _, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table)), id); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		return nil
	}
	fields := []field{
		{name: "compressed_body", value: enc.Compressed},
		{name: "compression_type", value: string(enc.Algorithm)},
		{name: "updated_at", value: updatedAt},
	}
	return r.upsert(ctx, tx, table, fields, "id", id)
}

func (r Repo) pruneStages(ctx context.Context, tx *sql.Tx, k kind, executionID string, keep map[string]bool) error {
	existing, err := scanIDs(ctx, tx, r.q(fmt.Sprintf(`SELECT id FROM %s WHERE execution_id=?`, k.stages)), executionID)
	if err != nil {
		return err
	}
	var drop []string
	for _, id := range existing {
		if !keep[id] {
			drop = append(drop, id)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	in, args := inClause(drop)
	for _, table := range []string{k.stagesCompressed, k.stages} {
		if _, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(`DELETE FROM %s WHERE id IN %s`, table, in)), args...); err != nil {
			return fmt.Errorf("prune %s: %w", table, err)
		}
	}
	r.log().Debugf("pruned %d stages from %s %s", len(drop), k.typ, executionID)
	return nil
}

func scanIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r Repo) upsertCorrelation(ctx context.Context, tx *sql.Tx, k kind, correlationID, executionID string, now int64) error {
	stmt := r.Pools.Dialect.UpsertSQL("correlation_ids",
		[]string{"execution_type", "id", "execution_id", "updated_at"},
		[]string{"execution_id", "updated_at"},
		[]string{"execution_type", "id"})
	if _, err := tx.ExecContext(ctx, r.q(stmt), string(k.typ), correlationID, executionID, now); err != nil {
		return fmt.Errorf("upsert correlation: %w", err)
	}
	return nil
}

// StoreStage writes a single stage of an existing execution.
func (r Repo) StoreStage(ctx context.Context, t domain.ExecutionType, s *domain.Stage) error {
	k, err := kindOf(t)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return errors.WithCode(err, errors.ErrInvalidArgument, "invalid stage")
	}
	now := r.now().UnixMilli()
	var count int
	err = r.withTx(ctx, "store_stage", func(ctx context.Context, tx *sql.Tx) error {
		var executionID string
		var buildTime int64
		err := tx.QueryRowContext(ctx, r.q(fmt.Sprintf(`SELECT id, build_time FROM %s WHERE id=? OR legacy_id=?`, k.executions)),
			s.ExecutionID, s.ExecutionID).Scan(&executionID, &buildTime)
		if err == sql.ErrNoRows {
			return notFound(t, s.ExecutionID)
		}
		if err != nil {
			return err
		}
		anchor := time.UnixMilli(buildTime)
		if s.StartTime != nil {
			anchor = time.UnixMilli(*s.StartTime)
		}
		id, legacy, err := r.reconciler().ResolveStage(ctx, tx, k.stages, s.ID, executionID, anchor)
		if err != nil {
			return err
		}
		s.ID = id
		if legacy != "" {
			s.LegacyID = legacy
		}
		s.ExecutionID = executionID
		s.UpdatedAt = now
		if err := r.writeStage(ctx, tx, k, s); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, r.q(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE execution_id=?`, k.stages)), executionID).Scan(&count)
	})
	if err != nil {
		return err
	}
	if r.Ledger != nil {
		r.putLedger("stage", s.ID, r.Ledger.PutStageUpdate(ctx, s.ID, s.UpdatedAt))
		r.putLedger("stage count", s.ExecutionID, r.Ledger.PutExecutionStageCount(ctx, s.ExecutionID, count))
	}
	return nil
}

// Update loads the execution inside a transaction, applies mutate and
// stores the result. mutate sees the primary copy, locked where the dialect
// allows.
func (r Repo) Update(ctx context.Context, t domain.ExecutionType, id string, mutate func(e *domain.Execution) error) (*domain.Execution, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	now := r.now().UnixMilli()
	var out *domain.Execution
	err = r.withTx(ctx, "update", func(ctx context.Context, tx *sql.Tx) error {
		row, err := r.fetch(ctx, tx, k, id, true, true)
		if err != nil {
			return err
		}
		e := row.exec
		if err := mutate(e); err != nil {
			return err
		}
		if err := r.storeTx(ctx, tx, k, e, now); err != nil {
			return err
		}
		e.Stages = domain.SortStages(e.Stages)
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.recordExecution(ctx, out)
	return out, nil
}

// UpdateStatus moves the execution to status, stamping start and end times
// the first time they apply.
func (r Repo) UpdateStatus(ctx context.Context, t domain.ExecutionType, id string, status domain.Status) (*domain.Execution, error) {
	return r.Update(ctx, t, id, func(e *domain.Execution) error {
		now := r.now().UnixMilli()
		e.Status = status
		if status == domain.StatusRunning && e.StartTime == nil {
			e.StartTime = &now
		}
		if status.IsComplete() && e.EndTime == nil {
			e.EndTime = &now
		}
		return nil
	})
}

// recordExecution informs the ledger after a commit. Ledger failures are
// logged; the write itself already succeeded.
func (r Repo) recordExecution(ctx context.Context, e *domain.Execution) {
	if r.Ledger == nil || e == nil {
		return
	}
	r.putLedger("execution", e.ID, r.Ledger.PutExecutionUpdate(ctx, e.ID, e.UpdatedAt))
	r.putLedger("stage count", e.ID, r.Ledger.PutExecutionStageCount(ctx, e.ID, len(e.Stages)))
	for _, s := range e.Stages {
		r.putLedger("stage", s.ID, r.Ledger.PutStageUpdate(ctx, s.ID, s.UpdatedAt))
	}
}

func (r Repo) putLedger(what, id string, err error) {
	if err != nil {
		r.log().Warnf("ledger %s update for %s failed: %v", what, id, err)
	}
}

// Delete removes the execution with its stages and correlation entries and
// records a tombstone for the sweep to purge later.
func (r Repo) Delete(ctx context.Context, t domain.ExecutionType, id string) error {
	return r.DeleteIf(ctx, t, id, nil)
}

// DeleteIf is Delete guarded by check, which sees the execution header
// under its row lock. An error from check aborts the delete and is
// returned as-is.
func (r Repo) DeleteIf(ctx context.Context, t domain.ExecutionType, id string, check func(e *domain.Execution) error) error {
	k, err := kindOf(t)
	if err != nil {
		return err
	}
	now := r.now().UnixMilli()
	var forget []string
	err = r.withTx(ctx, "delete", func(ctx context.Context, tx *sql.Tx) error {
		row, err := r.fetch(ctx, tx, k, id, false, true)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(row.exec); err != nil {
				return err
			}
		}
		executionID := row.exec.ID
		stages, err := scanIDs(ctx, tx, r.q(fmt.Sprintf(`SELECT id FROM %s WHERE execution_id=?`, k.stages)), executionID)
		if err != nil {
			return err
		}
		if len(stages) > 0 {
			in, args := inClause(stages)
			for _, table := range []string{k.stagesCompressed, k.stages} {
				if _, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(`DELETE FROM %s WHERE id IN %s`, table, in)), args...); err != nil {
					return fmt.Errorf("delete %s: %w", table, err)
				}
			}
		}
		for _, table := range []string{k.executionsCompressed, k.executions} {
			if _, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table)), executionID); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM correlation_ids WHERE execution_type=? AND execution_id=?`), string(t), executionID); err != nil {
			return fmt.Errorf("delete correlations: %w", err)
		}
		stmt := r.Pools.Dialect.UpsertSQL("deleted_executions",
			[]string{"execution_type", "execution_id", "deleted_at"}, []string{"deleted_at"}, []string{"execution_type", "execution_id"})
		if _, err := tx.ExecContext(ctx, r.q(stmt), string(t), executionID, now); err != nil {
			return fmt.Errorf("tombstone: %w", err)
		}
		forget = append(stages, executionID)
		return nil
	})
	if err != nil {
		return err
	}
	if r.Ledger != nil {
		if err := r.Ledger.Forget(ctx, forget...); err != nil {
			r.log().Warnf("ledger forget for %s failed: %v", id, err)
		}
	}
	return nil
}

// Tombstones lists tombstones of type t deleted before the cutoff, oldest
// first.
func (r Repo) Tombstones(ctx context.Context, t domain.ExecutionType, before time.Time, limit int) ([]domain.Tombstone, error) {
	if _, err := kindOf(t); err != nil {
		return nil, err
	}
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	rows, err := r.Pools.Default.QueryContext(ctx, r.q(`SELECT execution_id, deleted_at FROM deleted_executions WHERE execution_type=? AND deleted_at<? ORDER BY deleted_at LIMIT ?`),
		string(t), before.UnixMilli(), limit)
	if err != nil {
		return nil, errors.WithCode(err, errors.ErrStorageUnavailable, "list tombstones")
	}
	defer rows.Close()
	var out []domain.Tombstone
	for rows.Next() {
		ts := domain.Tombstone{Type: t}
		if err := rows.Scan(&ts.ExecutionID, &ts.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// PurgeTombstones removes the given tombstones and returns how many went.
func (r Repo) PurgeTombstones(ctx context.Context, t domain.ExecutionType, executionIDs []string) (int, error) {
	if len(executionIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(executionIDs)
	var n int64
	err := r.withTx(ctx, "purge_tombstones", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.q(`DELETE FROM deleted_executions WHERE execution_type=? AND execution_id IN `+in), append([]any{string(t)}, args...)...)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}
