// Package events stores outbound intent events in the interlink_outbox table
// until a relay delivers them.
package events

import (
	"context"
	"database/sql"
	"time"

	"execstore/internal/db"
	"execstore/internal/errors"
	"execstore/internal/ids"
)

// Pending is an undelivered outbox row.
type Pending struct {
	ID              string
	TargetPartition string
	EventType       string
	Payload         []byte
	CreatedAt       int64
	Attempts        int
	LastError       string
}

var defaultIDs = ids.NewGenerator()

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	IDs     *ids.Generator
	Now     func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) q(query string) string {
	return w.Dialect.Rebind(query)
}

// Append queues payload for target. tx may be nil, in which case the row is
// written outside any transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, target, eventType string, payload []byte) (string, error) {
	if target == "" {
		return "", errors.New(errors.ErrInvalidArgument, "outbox event needs a target partition")
	}
	gen := w.IDs
	if gen == nil {
		gen = defaultIDs
	}
	now := w.now()
	id := gen.NewAt(now)
	var ex execer = w.DB
	if tx != nil {
		ex = tx
	}
	_, err := ex.ExecContext(ctx, w.q(`INSERT INTO interlink_outbox(id,target_partition,event_type,payload,created_at,attempts) VALUES (?,?,?,?,?,0)`),
		id, target, eventType, string(payload), now.UnixMilli())
	if err != nil {
		return "", errors.Wrap(err, "append outbox event")
	}
	return id, nil
}

// Pending returns up to limit undelivered rows, oldest first.
func (w Writer) Pending(ctx context.Context, limit int) ([]Pending, error) {
	rows, err := w.DB.QueryContext(ctx, w.q(`SELECT id,target_partition,event_type,payload,created_at,attempts,last_error FROM interlink_outbox WHERE delivered_at IS NULL ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list outbox")
	}
	defer rows.Close()
	var out []Pending
	for rows.Next() {
		var (
			p       Pending
			payload string
			lastErr sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TargetPartition, &p.EventType, &payload, &p.CreatedAt, &p.Attempts, &lastErr); err != nil {
			return nil, err
		}
		p.Payload = []byte(payload)
		p.LastError = lastErr.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (w Writer) MarkDelivered(ctx context.Context, id string) error {
	_, err := w.DB.ExecContext(ctx, w.q(`UPDATE interlink_outbox SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE id=?`), w.now().UnixMilli(), id)
	return errors.Wrap(err, "mark outbox delivered")
}

func (w Writer) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := w.DB.ExecContext(ctx, w.q(`UPDATE interlink_outbox SET attempts=attempts+1, last_error=? WHERE id=?`), msg, id)
	return errors.Wrap(err, "mark outbox failed")
}
