// Package ids reconciles caller-supplied identifiers with canonical,
// time-sortable ULIDs.
package ids

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"execstore/internal/errors"
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Generator mints monotonic ULIDs. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New mints an id anchored to the current time.
func (g *Generator) New() string {
	return g.NewAt(time.Time{})
}

// NewAt mints an id anchored to t, falling back to now for the zero time.
func (g *Generator) NewAt(t time.Time) string {
	if t.IsZero() {
		t = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// IsCanonical reports whether id is already a ULID.
func IsCanonical(id string) bool {
	if len(id) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Time returns the timestamp embedded in a canonical id.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

// Reconciler maps supplied ids to canonical ones.
type Reconciler struct {
	Gen    *Generator
	Rebind func(string) string
}

// Resolve returns the canonical id for supplied along with the legacy id to
// store beside it. Canonical input comes back unchanged with no legacy id.
// Otherwise an existing legacy_id mapping in table is reused, or a new id
// is minted at anchor. Lookup errors are returned as-is.
func (r Reconciler) Resolve(ctx context.Context, q Queryer, table, supplied string, anchor time.Time) (id, legacyID string, err error) {
	return r.resolve(ctx, q, table, supplied, anchor, "")
}

// ResolveStage is Resolve for stage ids. Legacy stage ids are only unique
// within one execution, so the mapping is looked up among executionID's
// stages.
func (r Reconciler) ResolveStage(ctx context.Context, q Queryer, table, supplied, executionID string, anchor time.Time) (id, legacyID string, err error) {
	if executionID == "" {
		return "", "", errors.New(errors.ErrInvalidArgument, "stage execution id is required")
	}
	return r.resolve(ctx, q, table, supplied, anchor, executionID)
}

func (r Reconciler) resolve(ctx context.Context, q Queryer, table, supplied string, anchor time.Time, executionID string) (string, string, error) {
	if supplied == "" {
		return "", "", errors.New(errors.ErrInvalidArgument, "id is required")
	}
	if IsCanonical(supplied) {
		return supplied, "", nil
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE legacy_id=?`, table)
	args := []any{supplied}
	if executionID != "" {
		query += ` AND execution_id=?`
		args = append(args, executionID)
	}
	if r.Rebind != nil {
		query = r.Rebind(query)
	}
	var existing string
	err := q.QueryRowContext(ctx, query, args...).Scan(&existing)
	switch {
	case err == nil:
		return existing, supplied, nil
	case err == sql.ErrNoRows:
		return r.Gen.NewAt(anchor), supplied, nil
	default:
		return "", "", errors.Wrapf(err, "looking up legacy id %s in %s", supplied, table)
	}
}
