package ledger

import (
	"context"
	"database/sql"
	"strings"

	"execstore/internal/db"
	"execstore/internal/errors"
)

var _ Ledger = SQL{}

// SQL stores the ledger in the freshness_ledger table. It must live on a
// pool that is read-your-writes consistent, normally the default pool.
type SQL struct {
	DB      *sql.DB
	Dialect db.Dialect
}

func (s SQL) put(ctx context.Context, kind Kind, id string, v int64) error {
	stmt := s.Dialect.Rebind(s.Dialect.UpsertSQL("freshness_ledger",
		[]string{"kind", "id", "val"}, []string{"val"}, []string{"kind", "id"}))
	if _, err := s.DB.ExecContext(ctx, stmt, string(kind), id, v); err != nil {
		return errors.Wrapf(err, "ledger put %s %s", kind, id)
	}
	return nil
}

func (s SQL) get(ctx context.Context, kind Kind, id string) (int64, bool, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, s.Dialect.Rebind(`SELECT val FROM freshness_ledger WHERE kind=? AND id=?`), string(kind), id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "ledger get %s %s", kind, id)
	}
	return v, true, nil
}

func (s SQL) PutExecutionUpdate(ctx context.Context, id string, ts int64) error {
	return s.put(ctx, KindExecution, id, ts)
}

func (s SQL) PutExecutionStageCount(ctx context.Context, id string, n int) error {
	return s.put(ctx, KindStageCount, id, int64(n))
}

func (s SQL) PutStageUpdate(ctx context.Context, id string, ts int64) error {
	return s.put(ctx, KindStage, id, ts)
}

func (s SQL) ExecutionUpdate(ctx context.Context, id string) (int64, bool, error) {
	return s.get(ctx, KindExecution, id)
}

func (s SQL) ExecutionStageCount(ctx context.Context, id string) (int, bool, error) {
	v, ok, err := s.get(ctx, KindStageCount, id)
	return int(v), ok, err
}

func (s SQL) StageUpdate(ctx context.Context, id string) (int64, bool, error) {
	return s.get(ctx, KindStage, id)
}

func (s SQL) Forget(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.DB.ExecContext(ctx, s.Dialect.Rebind(`DELETE FROM freshness_ledger WHERE id IN (`+marks+`)`), args...); err != nil {
		return errors.Wrap(err, "ledger forget")
	}
	return nil
}
