package repo

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"execstore/internal/codec"
	"execstore/internal/db"
	"execstore/internal/domain"
	"execstore/internal/errors"
	"execstore/internal/metrics"
	"execstore/internal/pager"
)

// loaded is an execution together with the row timestamps the freshness
// check compares against the ledger.
type loaded struct {
	exec         *domain.Execution
	updatedAt    int64
	compressedAt int64 // 0 unless the body was read from the side table
	stages       []loadedStage
}

type loadedStage struct {
	stage        *domain.Stage
	updatedAt    int64
	compressedAt int64
}

// selectBody returns the body columns, joining the compressed side table
// only when compression is enabled.
func (r Repo) selectBody(alias, table, compressedTable string) (cols, join string) {
	if !r.Codec.Enabled {
		return alias + ".body, NULL, NULL, NULL", ""
	}
	return alias + ".body, c.compressed_body, c.compression_type, c.updated_at",
		fmt.Sprintf(" LEFT JOIN %s c ON c.id=%s.id", compressedTable, alias)
}

type bodyColumns struct {
	body         string
	compressed   []byte
	algorithm    sql.NullString
	compressedAt sql.NullInt64
}

// decodeInto unmarshals the body into v and returns the decoded size and,
// when the body came from the side table, that row's updated_at.
func (b *bodyColumns) decodeInto(c codec.Codec, v any) (size, compressedAt int64, err error) {
	joined := b.compressedAt.Valid
	size, err = c.DecodeInto([]byte(b.body), joined, b.compressed, codec.Algorithm(b.algorithm.String), v)
	if err != nil {
		return 0, 0, err
	}
	if c.Enabled && joined && b.body == "" {
		compressedAt = b.compressedAt.Int64
	}
	return size, compressedAt, nil
}

// fetch reads one execution with its stages from q. withStages=false reads
// only the header. lock takes a row lock where the dialect supports it.
func (r Repo) fetch(ctx context.Context, q queryer, k kind, id string, withStages, lock bool) (*loaded, error) {
	cols, join := r.selectBody("e", k.executions, k.executionsCompressed)
	query := fmt.Sprintf(`SELECT e.id, e.legacy_id, e.updated_at, %s FROM %s e%s WHERE e.id=? OR e.legacy_id=?`, cols, k.executions, join)
	if lock && r.Pools.Dialect.SupportsForUpdate() {
		query += " FOR UPDATE"
		if r.Pools.Dialect == db.Postgres {
			query += " OF e"
		}
	}
	var (
		rowID     string
		legacy    sql.NullString
		updatedAt int64
		b         bodyColumns
	)
	err := q.QueryRowContext(ctx, r.q(query), id, id).Scan(&rowID, &legacy, &updatedAt, &b.body, &b.compressed, &b.algorithm, &b.compressedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(k.typ, id)
	}
	if err != nil {
		return nil, err
	}
	e := &domain.Execution{}
	size, compressedAt, err := b.decodeInto(r.Codec, e)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s %s", k.typ, rowID)
	}
	e.ID = rowID
	e.LegacyID = legacy.String
	e.Type = k.typ
	e.UpdatedAt = updatedAt
	e.Size = size
	out := &loaded{exec: e, updatedAt: updatedAt, compressedAt: compressedAt}
	if !withStages {
		return out, nil
	}
	if out.stages, err = r.fetchStages(ctx, q, k, rowID); err != nil {
		return nil, err
	}
	stages := make([]*domain.Stage, len(out.stages))
	for i, s := range out.stages {
		stages[i] = s.stage
	}
	e.Stages = domain.SortStages(stages)
	return out, nil
}

func (r Repo) fetchStages(ctx context.Context, q queryer, k kind, executionID string) ([]loadedStage, error) {
	cols, join := r.selectBody("s", k.stages, k.stagesCompressed)
	rows, err := q.QueryContext(ctx, r.q(fmt.Sprintf(`SELECT s.id, s.legacy_id, s.updated_at, %s FROM %s s%s WHERE s.execution_id=? ORDER BY s.id`, cols, k.stages, join)), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []loadedStage
	for rows.Next() {
		var (
			id        string
			legacy    sql.NullString
			updatedAt int64
			b         bodyColumns
		)
		if err := rows.Scan(&id, &legacy, &updatedAt, &b.body, &b.compressed, &b.algorithm, &b.compressedAt); err != nil {
			return nil, err
		}
		s := &domain.Stage{}
		size, compressedAt, err := b.decodeInto(r.Codec, s)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding stage %s", id)
		}
		s.ID = id
		s.LegacyID = legacy.String
		s.ExecutionID = executionID
		s.UpdatedAt = updatedAt
		s.Size = size
		out = append(out, loadedStage{stage: s, updatedAt: updatedAt, compressedAt: compressedAt})
	}
	return out, rows.Err()
}

// Retrieve returns the execution with its stages.
//
// Without requireLatest the read pool answers and may lag. With
// requireLatest and both a read pool and a ledger configured, replica rows
// are checked against the ledger and retried with backoff; once retries
// run out the default pool answers. Without either, the default pool
// answers directly.
func (r Repo) Retrieve(ctx context.Context, t domain.ExecutionType, id string, requireLatest bool) (*domain.Execution, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	switch {
	case !requireLatest:
		return r.retrieveFrom(ctx, r.Pools.Reader(), k, id)
	case !r.Pools.HasReadPool() || r.Ledger == nil:
		return r.retrieveFrom(ctx, r.Pools.Default, k, id)
	}
	return r.retrieveLatest(ctx, k, id)
}

func (r Repo) retrieveFrom(ctx context.Context, pool *sql.DB, k kind, id string) (*domain.Execution, error) {
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	row, err := r.fetch(ctx, pool, k, id, true, false)
	if err != nil {
		return nil, storageErr(err, "retrieve")
	}
	return row.exec, nil
}

// freshness is the outcome of checking one replica candidate.
type freshness int

const (
	fresh freshness = iota
	missingFromLedger
	stale
	notOnReplica
)

func (f freshness) String() string {
	switch f {
	case fresh:
		return "FRESH"
	case missingFromLedger:
		return "MISSING_FROM_LEDGER"
	case stale:
		return "STALE"
	case notOnReplica:
		return "NOT_FOUND"
	}
	return "UNKNOWN"
}

var errRetryRead = stderrors.New("replica candidate rejected")

// cutoffs caches ledger values for the duration of one call, so every
// attempt is held to the same oldest-allowed timestamps.
type cutoffs struct {
	r      Repo
	exec   map[string]*int64
	counts map[string]*int64
	stages map[string]*int64
}

func newCutoffs(r Repo) *cutoffs {
	return &cutoffs{r: r, exec: map[string]*int64{}, counts: map[string]*int64{}, stages: map[string]*int64{}}
}

func (c *cutoffs) lookup(ctx context.Context, cache map[string]*int64, id string, get func(context.Context, string) (int64, bool, error)) (*int64, error) {
	if v, ok := cache[id]; ok {
		return v, nil
	}
	v, ok, err := get(ctx, id)
	if err != nil {
		return nil, err
	}
	var p *int64
	if ok {
		p = &v
	}
	cache[id] = p
	return p, nil
}

func (c *cutoffs) stageCount(ctx context.Context, id string) (int64, bool, error) {
	n, ok, err := c.r.Ledger.ExecutionStageCount(ctx, id)
	return int64(n), ok, err
}

// check compares a replica candidate against the ledger.
func (c *cutoffs) check(ctx context.Context, row *loaded) (freshness, error) {
	id := row.exec.ID
	ts, err := c.lookup(ctx, c.exec, id, c.r.Ledger.ExecutionUpdate)
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return missingFromLedger, nil
	}
	if row.updatedAt < *ts || (row.compressedAt != 0 && row.compressedAt < *ts) {
		return stale, nil
	}
	count, err := c.lookup(ctx, c.counts, id, c.stageCount)
	if err != nil {
		return 0, err
	}
	if count == nil {
		return missingFromLedger, nil
	}
	if int64(len(row.stages)) != *count {
		return stale, nil
	}
	for _, s := range row.stages {
		sts, err := c.lookup(ctx, c.stages, s.stage.ID, c.r.Ledger.StageUpdate)
		if err != nil {
			return 0, err
		}
		if sts == nil {
			return missingFromLedger, nil
		}
		if s.updatedAt < *sts || (s.compressedAt != 0 && s.compressedAt < *sts) {
			return stale, nil
		}
	}
	return fresh, nil
}

func (r Repo) retrieveLatest(ctx context.Context, k kind, id string) (*domain.Execution, error) {
	cut := newCutoffs(r)
	var (
		result   *loaded
		last     freshness
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		actx, cancel := r.Pools.WithTimeout(ctx)
		defer cancel()
		row, err := r.fetch(actx, r.Pools.Read, k, id, true, false)
		if errors.Is(err, errors.ErrNotFound) {
			last = notOnReplica
			return errRetryRead
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		f, err := cut.check(actx, row)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = f
		if f != fresh {
			return errRetryRead
		}
		result = row
		return nil
	}, r.ReadRetry.backOff(ctx))

	kindLabel := string(k.typ)
	if err == nil {
		r.metrics().ReadConsistency(kindLabel, metrics.OutcomeSuccess, attempts)
		return result.exec, nil
	}
	if ctx.Err() != nil {
		return nil, errors.WithCode(ctx.Err(), errors.ErrStorageUnavailable, "retrieve")
	}
	if err != errRetryRead {
		r.log().Warnf("read pool check for %s %s failed, using default pool: %v", k.typ, id, err)
	} else {
		r.log().Debugf("read pool for %s %s still %s after %d attempts, using default pool", k.typ, id, last, attempts)
	}

	pctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	row, err := r.fetch(pctx, r.Pools.Default, k, id, true, false)
	if errors.Is(err, errors.ErrNotFound) {
		r.metrics().ReadConsistency(kindLabel, metrics.OutcomeFailover, attempts)
		return nil, err
	}
	if err != nil {
		return nil, storageErr(err, "retrieve")
	}
	if ts := cut.exec[row.exec.ID]; ts != nil && row.updatedAt < *ts {
		r.metrics().ReadConsistency(kindLabel, metrics.OutcomeExhausted, attempts)
		return nil, errors.Newf(errors.ErrConsistencyExhausted,
			"%s %s: default pool row at %d is older than ledger entry %d", k.typ, row.exec.ID, row.updatedAt, *ts)
	}
	if last == missingFromLedger {
		r.repopulate(pctx, row)
	}
	r.metrics().ReadConsistency(kindLabel, metrics.OutcomeFailover, attempts)
	return row.exec, nil
}

// repopulate seeds the ledger from a default-pool read so later replica
// reads can be verified.
func (r Repo) repopulate(ctx context.Context, row *loaded) {
	id := row.exec.ID
	r.putLedger("execution", id, r.Ledger.PutExecutionUpdate(ctx, id, row.updatedAt))
	r.putLedger("stage count", id, r.Ledger.PutExecutionStageCount(ctx, id, len(row.stages)))
	for _, s := range row.stages {
		r.putLedger("stage", s.stage.ID, r.Ledger.PutStageUpdate(ctx, s.stage.ID, s.updatedAt))
	}
}

// storageErr passes coded errors through and marks the rest as storage
// failures.
func storageErr(err error, op string) error {
	if errors.CodeOf(err) != errors.ErrUncoded {
		return err
	}
	if isTransient(err) {
		return errors.WithCode(err, errors.ErrStorageUnavailable, op)
	}
	return errors.Wrap(err, op)
}

// RetrieveHeader reads the execution without stages from the default pool.
func (r Repo) RetrieveHeader(ctx context.Context, t domain.ExecutionType, id string) (*domain.Execution, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	row, err := r.fetch(ctx, r.Pools.Default, k, id, false, false)
	if err != nil {
		return nil, storageErr(err, "retrieve header")
	}
	return row.exec, nil
}

// RetrieveStage reads one stage by canonical or legacy id. Legacy stage ids
// are unique per execution only; one shared by several executions is
// rejected as ambiguous.
func (r Repo) RetrieveStage(ctx context.Context, t domain.ExecutionType, stageID string) (*domain.Stage, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	owners, err := scanIDs(ctx, r.Pools.Default, r.q(fmt.Sprintf(`SELECT DISTINCT execution_id FROM %s WHERE id=? OR legacy_id=?`, k.stages)), stageID, stageID)
	if err != nil {
		return nil, storageErr(err, "retrieve stage")
	}
	switch len(owners) {
	case 0:
		return nil, errors.Newf(errors.ErrNotFound, "stage %s not found", stageID)
	case 1:
	default:
		return nil, errors.Newf(errors.ErrInvalidArgument, "stage id %s is used by %d executions, use the canonical id", stageID, len(owners))
	}
	executionID := owners[0]
	stages, err := r.fetchStages(ctx, r.Pools.Default, k, executionID)
	if err != nil {
		return nil, storageErr(err, "retrieve stage")
	}
	for _, s := range stages {
		if s.stage.ID == stageID || s.stage.LegacyID == stageID {
			return s.stage, nil
		}
	}
	return nil, errors.Newf(errors.ErrNotFound, "stage %s not found", stageID)
}

// RetrieveByCorrelationID returns the incomplete execution a correlation id
// started. A match that has since completed, or vanished, has its
// correlation entry purged and reports NotFound.
func (r Repo) RetrieveByCorrelationID(ctx context.Context, t domain.ExecutionType, correlationID string) (*domain.Execution, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	var executionID string
	qctx, cancel := r.Pools.WithTimeout(ctx)
	err = r.Pools.Default.QueryRowContext(qctx, r.q(`SELECT execution_id FROM correlation_ids WHERE execution_type=? AND id=?`), string(t), correlationID).Scan(&executionID)
	cancel()
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "no execution for correlation id %s", correlationID)
	}
	if err != nil {
		return nil, storageErr(err, "retrieve by correlation id")
	}
	e, err := r.Retrieve(ctx, k.typ, executionID, true)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	if e != nil && !e.Status.IsComplete() {
		return e, nil
	}
	if err := r.withTx(ctx, "purge_correlation", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`DELETE FROM correlation_ids WHERE execution_type=? AND id=?`), string(t), correlationID)
		return err
	}); err != nil {
		return nil, err
	}
	return nil, errors.Newf(errors.ErrNotFound, "no running execution for correlation id %s", correlationID)
}

// Criteria narrows RetrieveForApplication.
type Criteria struct {
	Statuses []domain.Status
	PageSize int
	Cursor   string
}

// RetrieveForApplication pages through an application's executions, newest
// first, from the read pool.
func (r Repo) RetrieveForApplication(ctx context.Context, t domain.ExecutionType, application string, c Criteria) (pager.Page[*domain.Execution], error) {
	k, err := kindOf(t)
	if err != nil {
		return pager.Page[*domain.Execution]{}, err
	}
	where := []string{"application=?"}
	args := []any{application}
	if len(c.Statuses) > 0 {
		statuses := make([]string, len(c.Statuses))
		for i, s := range c.Statuses {
			statuses[i] = string(s)
		}
		in, sargs := inClause(statuses)
		where = append(where, "status IN "+in)
		args = append(args, sargs...)
	}
	return r.pageExecutions(ctx, k, where, args, c.PageSize, c.Cursor)
}

// RetrievePipelinesForConfigID pages through the pipelines started from one
// pipeline config, newest first.
func (r Repo) RetrievePipelinesForConfigID(ctx context.Context, configID string, pageSize int, cursor string) (pager.Page[*domain.Execution], error) {
	return r.pageExecutions(ctx, kinds[domain.Pipeline], []string{"config_id=?"}, []any{configID}, pageSize, cursor)
}

func (r Repo) pageExecutions(ctx context.Context, k kind, where []string, args []any, pageSize int, cursor string) (pager.Page[*domain.Execution], error) {
	pool := r.Pools.Reader()
	fetch := func(ctx context.Context, cursor string, limit int) ([]*domain.Execution, error) {
		ids, err := r.pageIDs(ctx, k, where, args, cursor, limit)
		if err != nil {
			return nil, err
		}
		out := make([]*domain.Execution, 0, len(ids))
		for _, id := range ids {
			row, err := r.fetch(ctx, pool, k, id, true, false)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, storageErr(err, "page executions")
			}
			out = append(out, row.exec)
		}
		return out, nil
	}
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	return pager.Fetch(ctx, pageSize, cursor, fetch, executionID)
}

func executionID(e *domain.Execution) string { return e.ID }

func (r Repo) pageIDs(ctx context.Context, k kind, where []string, args []any, cursor string, limit int) ([]string, error) {
	clauses := append([]string(nil), where...)
	qargs := append([]any(nil), args...)
	if cursor != "" {
		clauses = append(clauses, "id<?")
		qargs = append(qargs, cursor)
	}
	query := fmt.Sprintf(`SELECT id FROM %s`, k.executions)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	qargs = append(qargs, limit)
	ids, err := scanIDs(ctx, r.Pools.Reader(), r.q(query), qargs...)
	if err != nil {
		return nil, storageErr(err, "page ids")
	}
	return ids, nil
}

// AllExecutionIDs streams every execution id of type t, newest first.
func (r Repo) AllExecutionIDs(ctx context.Context, t domain.ExecutionType, pageSize int, visit func(id string) error) error {
	k, err := kindOf(t)
	if err != nil {
		return err
	}
	fetch := func(ctx context.Context, cursor string, limit int) ([]string, error) {
		qctx, cancel := r.Pools.WithTimeout(ctx)
		defer cancel()
		return r.pageIDs(qctx, k, nil, nil, cursor, limit)
	}
	return pager.Each(ctx, pageSize, fetch, func(id string) string { return id }, visit)
}

// CountByStatus counts executions per status, optionally for one
// application, from the read pool.
func (r Repo) CountByStatus(ctx context.Context, t domain.ExecutionType, application string) (map[domain.Status]int, error) {
	k, err := kindOf(t)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s`, k.executions)
	var args []any
	if application != "" {
		query += " WHERE application=?"
		args = append(args, application)
	}
	query += " GROUP BY status"
	rows, err := r.Pools.Reader().QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, storageErr(err, "count by status")
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

// HasExecution reports whether the default pool holds the execution.
func (r Repo) HasExecution(ctx context.Context, t domain.ExecutionType, id string) (bool, error) {
	k, err := kindOf(t)
	if err != nil {
		return false, err
	}
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	var n int
	err = r.Pools.Default.QueryRowContext(ctx, r.q(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id=? OR legacy_id=?`, k.executions)), id, id).Scan(&n)
	if err != nil {
		return false, storageErr(err, "has execution")
	}
	return n > 0, nil
}
