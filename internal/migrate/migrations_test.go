package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"execstore/internal/db"
)

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Dialect: db.SQLite, DSN: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(ctx, conn, db.SQLite))
	require.NoError(t, Migrate(ctx, conn, db.SQLite))

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	for _, table := range []string{
		"pipelines", "pipeline_stages", "pipelines_compressed_executions", "pipeline_stages_compressed_executions",
		"orchestrations", "orchestration_stages", "orchestrations_compressed_executions", "orchestration_stages_compressed_executions",
		"correlation_ids", "deleted_executions", "interlink_outbox", "freshness_ledger",
	} {
		var n int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestEveryDialectHasTheSameMigrations(t *testing.T) {
	base, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	for _, d := range []db.Dialect{db.Postgres, db.MySQL} {
		ms, err := loadMigrations(d)
		require.NoError(t, err)
		require.Len(t, ms, len(base), d)
		for i := range ms {
			require.Equal(t, base[i].Version, ms[i].Version)
			require.Len(t, ms[i].Statements, len(base[i].Statements), "%s %s", d, ms[i].Name)
		}
	}
}
