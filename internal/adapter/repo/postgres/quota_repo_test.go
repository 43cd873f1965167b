package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/adapter/repo/postgres"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	execSQL  []string
	queryRow func(sql string, args []any) pgx.Row
}

func (p *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	return pgconn.CommandTag{}, nil
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return p.queryRow(sql, args)
}

func grantRow(used, limit int) pgx.Row {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int) = used
		*dest[1].(*int) = limit
		return nil
	}}
}

func TestQuotaRepo_GrantWithinLimit(t *testing.T) {
	t.Parallel()
	pool := &fakePool{queryRow: func(string, []any) pgx.Row { return grantRow(15, 32) }}
	repo := postgres.NewQuotaRepo(pool, 32)

	d, err := repo.CheckAndConsume(context.Background(), "u-1", "u@example.com", 15)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 17, d.Remaining)
	// The user profile is touched before the grant.
	require.NotEmpty(t, pool.execSQL)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO profiles")
}

func TestQuotaRepo_DeniedReportsRemaining(t *testing.T) {
	t.Parallel()
	calls := 0
	pool := &fakePool{queryRow: func(string, []any) pgx.Row {
		calls++
		if calls == 1 {
			// Conditional upsert matched nothing.
			return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
		}
		return grantRow(30, 32)
	}}
	repo := postgres.NewQuotaRepo(pool, 32)

	d, err := repo.CheckAndConsume(context.Background(), "u-1", "", 15)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestQuotaRepo_ZeroUnitsCountsAsOne(t *testing.T) {
	t.Parallel()
	var gotUnits any
	pool := &fakePool{queryRow: func(_ string, args []any) pgx.Row {
		gotUnits = args[2]
		return grantRow(1, 32)
	}}
	repo := postgres.NewQuotaRepo(pool, 32)

	d, err := repo.CheckAndConsume(context.Background(), "u-1", "", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, gotUnits)
}

func TestQuotaRepo_QueryError(t *testing.T) {
	t.Parallel()
	pool := &fakePool{queryRow: func(string, []any) pgx.Row {
		return fakeRow{scan: func(...any) error { return assert.AnError }}
	}}
	repo := postgres.NewQuotaRepo(pool, 32)

	_, err := repo.CheckAndConsume(context.Background(), "u-1", "", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=quota.consume")
}

func TestQuotaRepo_Migrate(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	repo := postgres.NewQuotaRepo(pool, 32)
	require.NoError(t, repo.Migrate(context.Background()))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "CREATE TABLE IF NOT EXISTS quota_usage")
}
