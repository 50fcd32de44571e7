package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"execstore/internal/codec"
	"execstore/internal/db"
	"execstore/internal/domain"
	"execstore/internal/errors"
	"execstore/internal/ids"
	"execstore/internal/ledger"
	"execstore/internal/logger"
	"execstore/internal/metrics"
)

// Repo persists executions and their stages.
//
// Ledger, Metrics and Log may be nil. Pools.Read may be nil, in which case
// every read goes to the default pool.
type Repo struct {
	Pools     db.Pools
	Codec     codec.Codec
	Ledger    ledger.Ledger
	Metrics   metrics.Sink
	Log       logger.Logger
	IDs       *ids.Generator
	Retry     RetryPolicy
	ReadRetry RetryPolicy
	Now       func() time.Time

	// FallbackUpsert forces the SELECT [FOR UPDATE] then UPDATE or INSERT
	// path even when the dialect has a native upsert. All supported dialects
	// have one, so this is for tests and for engines or proxies that reject
	// ON CONFLICT and ON DUPLICATE KEY statements.
	FallbackUpsert bool
}

// RetryPolicy is a capped, jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts()-1)), ctx)
}

// kind maps an execution type onto its tables.
type kind struct {
	typ                  domain.ExecutionType
	executions           string
	stages               string
	executionsCompressed string
	stagesCompressed     string
}

var kinds = map[domain.ExecutionType]kind{
	domain.Pipeline: {
		typ:                  domain.Pipeline,
		executions:           "pipelines",
		stages:               "pipeline_stages",
		executionsCompressed: "pipelines_compressed_executions",
		stagesCompressed:     "pipeline_stages_compressed_executions",
	},
	domain.Orchestration: {
		typ:                  domain.Orchestration,
		executions:           "orchestrations",
		stages:               "orchestration_stages",
		executionsCompressed: "orchestrations_compressed_executions",
		stagesCompressed:     "orchestration_stages_compressed_executions",
	},
}

func kindOf(t domain.ExecutionType) (kind, error) {
	k, ok := kinds[t]
	if !ok {
		return kind{}, errors.Newf(errors.ErrInvalidArgument, "unknown execution type %q", t)
	}
	return k, nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Repo) log() logger.Logger {
	return logger.OrNop(r.Log)
}

func (r Repo) metrics() metrics.Sink {
	return metrics.OrNop(r.Metrics)
}

func (r Repo) reconciler() ids.Reconciler {
	gen := r.IDs
	if gen == nil {
		gen = defaultIDs
	}
	return ids.Reconciler{Gen: gen, Rebind: r.Pools.Dialect.Rebind}
}

var defaultIDs = ids.NewGenerator()

// NewID mints a canonical id anchored to now.
func (r Repo) NewID() string {
	return r.reconciler().Gen.NewAt(r.now())
}

func (r Repo) q(query string) string {
	return r.Pools.Dialect.Rebind(query)
}

// withTx runs fn in a transaction on the default pool, retrying transient
// storage failures. Exhausted retries surface as StorageUnavailable.
func (r Repo) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			r.metrics().TransactionRetry(op)
			r.log().Debugf("%s: transient storage error on attempt %d: %v", op, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}, r.Retry.backOff(ctx))
	if err != nil && isTransient(err) {
		return errors.WithCode(err, errors.ErrStorageUnavailable, op)
	}
	return err
}

func (r Repo) runTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := r.Pools.WithTimeout(ctx)
	defer cancel()
	tx, err := r.Pools.Default.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isTransient reports whether err is worth retrying: dropped connections,
// timeouts, lock contention and serialization failures.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 1040, 2006, 2013:
			return true
		}
		return false
	}
	var liteErr *sqlite.Error
	if stderrors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// field is one column of an upsert.
type field struct {
	name       string
	value      any
	insertOnly bool
}

// upsert writes one row keyed by id. It uses the dialect's native
// insert-or-update unless FallbackUpsert is set, in which case it checks for
// the row (locking it where the dialect allows) and then updates or inserts
// inside the caller's transaction.
func (r Repo) upsert(ctx context.Context, tx *sql.Tx, table string, fields []field, key string, id any) error {
	cols := make([]string, 0, len(fields)+1)
	vals := make([]any, 0, len(fields)+1)
	var updateCols []string
	var updateVals []any
	cols = append(cols, key)
	vals = append(vals, id)
	for _, f := range fields {
		cols = append(cols, f.name)
		vals = append(vals, f.value)
		if !f.insertOnly {
			updateCols = append(updateCols, f.name)
			updateVals = append(updateVals, f.value)
		}
	}

	if !r.FallbackUpsert {
		stmt := r.Pools.Dialect.UpsertSQL(table, cols, updateCols, []string{key})
		if _, err := tx.ExecContext(ctx, r.q(stmt), vals...); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
		return nil
	}

	lock := ""
	if r.Pools.Dialect.SupportsForUpdate() {
		lock = " FOR UPDATE"
	}
	var one int
	err := tx.QueryRowContext(ctx, r.q(fmt.Sprintf(`SELECT 1 FROM %s WHERE %s=?%s`, table, key, lock)), id).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
		if _, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, table, strings.Join(cols, ","), marks)), vals...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lock %s: %w", table, err)
	}
	if len(updateCols) == 0 {
		return nil
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = c + "=?"
	}
	if _, err := tx.ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE %s SET %s WHERE %s=?`, table, strings.Join(sets, ","), key)), append(updateVals, id)...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// inClause returns "(?,?,...)" and the matching args.
func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")", args
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func notFound(t domain.ExecutionType, id string) error {
	return errors.Newf(errors.ErrNotFound, "%s %s not found", strings.ToLower(string(t)), id)
}
