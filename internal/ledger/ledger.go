// Package ledger records the last write timestamp of every execution and
// stage, plus each execution's stage count, so that reads against a lagging
// replica can be checked for staleness.
//
// Entries are advisory. A missing entry is a normal state and every backend
// can be rebuilt from the primary store. A nil Ledger means none is
// configured.
package ledger

import "context"

// Kind namespaces ledger keys.
type Kind string

const (
	KindExecution  Kind = "execution"
	KindStageCount Kind = "stage_count"
	KindStage      Kind = "stage"
)

var allKinds = []Kind{KindExecution, KindStageCount, KindStage}

// Ledger is safe for concurrent use. Getters return ok=false when no entry
// exists; that is never an error.
type Ledger interface {
	PutExecutionUpdate(ctx context.Context, id string, ts int64) error
	PutExecutionStageCount(ctx context.Context, id string, n int) error
	PutStageUpdate(ctx context.Context, id string, ts int64) error

	ExecutionUpdate(ctx context.Context, id string) (int64, bool, error)
	ExecutionStageCount(ctx context.Context, id string) (int, bool, error)
	StageUpdate(ctx context.Context, id string) (int64, bool, error)

	// Forget drops every entry for the given ids.
	Forget(ctx context.Context, ids ...string) error
}
