package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mvpforge/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, Migrate(ctx, conn))

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	for _, table := range []string{"builds", "events", "api_keys", "kv_namespaces"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		require.Equal(t, 1, n, table)
	}
}
