package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentgrid/agentgrid/internal/domain"
)

// PgxPool is the minimal pool surface the repo needs; satisfied by
// *pgxpool.Pool and by mocks in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuotaRepo enforces the per-user daily tick budget in PostgreSQL. The
// grant is a single conditional upsert, so concurrent requests for the
// same user serialize on the usage row and can never overshoot.
type QuotaRepo struct {
	Pool         PgxPool
	DefaultLimit int
	now          func() time.Time
}

// NewQuotaRepo constructs a QuotaRepo with the given default daily
// limit, used for users without a profile row.
func NewQuotaRepo(p PgxPool, defaultLimit int) *QuotaRepo {
	return &QuotaRepo{Pool: p, DefaultLimit: defaultLimit, now: time.Now}
}

// Migrate creates the quota tables when absent.
func (r *QuotaRepo) Migrate(ctx context.Context) error {
	q := `
CREATE TABLE IF NOT EXISTS profiles (
	user_id          TEXT PRIMARY KEY,
	email            TEXT NOT NULL DEFAULT '',
	daily_tick_limit INT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS quota_usage (
	user_id    TEXT NOT NULL,
	usage_date DATE NOT NULL,
	used       INT  NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, usage_date)
);`
	if _, err := r.Pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("op=quota.migrate: %w", err)
	}
	return nil
}

// consumeSQL grants units iff the day's total stays within the user's
// limit (profile override, else the default). No row comes back when
// the grant is denied.
const consumeSQL = `
WITH lim AS (
	SELECT COALESCE((SELECT daily_tick_limit FROM profiles WHERE user_id = $1), $4::int) AS cap
)
INSERT INTO quota_usage (user_id, usage_date, used, updated_at)
SELECT $1, $2, $3, now() FROM lim WHERE $3 <= lim.cap
ON CONFLICT (user_id, usage_date) DO UPDATE
	SET used = quota_usage.used + $3, updated_at = now()
	WHERE quota_usage.used + $3 <= (SELECT cap FROM lim)
RETURNING used, (SELECT cap FROM lim)`

const usageSQL = `
SELECT COALESCE(u.used, 0),
       COALESCE(p.daily_tick_limit, $3::int)
FROM (SELECT 1) one
LEFT JOIN quota_usage u ON u.user_id = $1 AND u.usage_date = $2
LEFT JOIN profiles p ON p.user_id = $1`

// CheckAndConsume atomically grants units from the caller's remaining
// daily budget. The UTC date keys the counter, so budgets reset at UTC
// midnight.
func (r *QuotaRepo) CheckAndConsume(ctx domain.Context, userID, email string, units int) (domain.QuotaDecision, error) {
	if units <= 0 {
		units = 1
	}
	r.touchProfile(ctx, userID, email)
	day := r.now().UTC().Format("2006-01-02")

	var used, limit int
	err := r.Pool.QueryRow(ctx, consumeSQL, userID, day, units, r.DefaultLimit).Scan(&used, &limit)
	if err == nil {
		return domain.QuotaDecision{Allowed: true, Remaining: limit - used}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaDecision{}, fmt.Errorf("op=quota.consume: %w", err)
	}

	// Denied; read the counters so the caller can report what is left.
	if err := r.Pool.QueryRow(ctx, usageSQL, userID, day, r.DefaultLimit).Scan(&used, &limit); err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("op=quota.usage: %w", err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaDecision{Allowed: false, Remaining: remaining}, nil
}

// touchProfile records the user on first sight. Failure is not fatal;
// the default limit applies without a profile row.
func (r *QuotaRepo) touchProfile(ctx context.Context, userID, email string) {
	q := `INSERT INTO profiles (user_id, email) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`
	_, _ = r.Pool.Exec(ctx, q, userID, email)
}

var _ domain.QuotaManager = (*QuotaRepo)(nil)
