package ids

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestIsCanonical(t *testing.T) {
	g := NewGenerator()
	require.True(t, IsCanonical(g.New()))
	require.False(t, IsCanonical("my-pipeline-run-1"))
	require.False(t, IsCanonical(""))
	require.False(t, IsCanonical("zzzzzzzzzzzzzzzzzzzzzzzzzz"))
}

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator()
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := g.NewAt(anchor)
		require.Greater(t, id, prev)
		prev = id
	}
	ts, ok := Time(prev)
	require.True(t, ok)
	require.True(t, ts.Equal(anchor))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ids.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE pipelines(id TEXT PRIMARY KEY, legacy_id TEXT UNIQUE)`)
	require.NoError(t, err)

	r := Reconciler{Gen: NewGenerator()}

	canonical := r.Gen.New()
	id, legacy, err := r.Resolve(ctx, db, "pipelines", canonical, time.Time{})
	require.NoError(t, err)
	require.Equal(t, canonical, id)
	require.Empty(t, legacy)

	anchor := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	id, legacy, err = r.Resolve(ctx, db, "pipelines", "legacy-1", anchor)
	require.NoError(t, err)
	require.Equal(t, "legacy-1", legacy)
	require.True(t, IsCanonical(id))
	ts, _ := Time(id)
	require.True(t, ts.Equal(anchor))

	_, err = db.Exec(`INSERT INTO pipelines(id, legacy_id) VALUES (?, ?)`, id, legacy)
	require.NoError(t, err)

	again, legacy, err := r.Resolve(ctx, db, "pipelines", "legacy-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, "legacy-1", legacy)

	_, _, err = r.Resolve(ctx, db, "missing_table", "legacy-2", time.Time{})
	require.Error(t, err)
}

func TestResolveStageIsScopedToExecution(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ids.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE pipeline_stages(id TEXT PRIMARY KEY, legacy_id TEXT, execution_id TEXT, UNIQUE(execution_id, legacy_id))`)
	require.NoError(t, err)

	r := Reconciler{Gen: NewGenerator()}
	id, legacy, err := r.ResolveStage(ctx, db, "pipeline_stages", "S1", "exec-a", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "S1", legacy)
	_, err = db.Exec(`INSERT INTO pipeline_stages(id, legacy_id, execution_id) VALUES (?, ?, ?)`, id, legacy, "exec-a")
	require.NoError(t, err)

	same, _, err := r.ResolveStage(ctx, db, "pipeline_stages", "S1", "exec-a", time.Time{})
	require.NoError(t, err)
	require.Equal(t, id, same)

	other, legacy, err := r.ResolveStage(ctx, db, "pipeline_stages", "S1", "exec-b", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "S1", legacy)
	require.NotEqual(t, id, other)

	_, _, err = r.ResolveStage(ctx, db, "pipeline_stages", "S1", "", time.Time{})
	require.Error(t, err)
}
