package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/replog/postgres"
	"github.com/tendant/simple-refstore/pkg/refstore/replog/replogtest"
)

func TestPostgresLog(t *testing.T) {
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres replication log test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")
	defer pool.Close()

	log := postgres.NewWithPool(pool)
	require.NoError(t, log.Migrate(ctx))

	replogtest.Run(t, func(t *testing.T) refstore.ReplicationLog {
		return log
	})
}
