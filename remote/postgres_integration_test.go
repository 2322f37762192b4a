//go:build integration

package remote

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestPostgresFetchAndProbe(t *testing.T) {
	dsn := os.Getenv("OFFLINE_CACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip: OFFLINE_CACHE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS "sponsors_it"`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `CREATE TABLE "sponsors_it" (id text primary key, name text, updated_at timestamptz)`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DROP TABLE IF EXISTS "sponsors_it"`) })

	p := NewPostgresFromPool(pool)

	ts, err := p.ProbeLastModified(ctx, "sponsors_it")
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	when := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	_, err = pool.Exec(ctx, `INSERT INTO "sponsors_it" VALUES ('s1', 'Acme', $1), ('s2', 'Globex', $2)`, when.Add(-time.Hour), when)
	require.NoError(t, err)

	recs, err := p.FetchTable(ctx, "sponsors_it")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	ts, err = p.ProbeLastModified(ctx, "sponsors_it")
	require.NoError(t, err)
	require.True(t, when.Equal(ts))

	_, err = p.FetchTable(ctx, `sponsors_it"; DROP TABLE x; --`)
	require.Error(t, err)
}
