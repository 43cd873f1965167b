package rediskv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgrid/agentgrid/internal/domain"
)

// luaQuotaConsume is a compare-and-increment on the per-(user, day)
// counter. It runs server-side so concurrent requests for the same user
// can never overshoot the limit.
//
// KEYS[1] counter key, ARGV[1] units, ARGV[2] limit, ARGV[3] ttl seconds.
// Returns {allowed, remaining}.
const luaQuotaConsume = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local units = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if current + units > limit then
  return { 0, limit - current }
end

local new = redis.call("INCRBY", KEYS[1], units)
if ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return { 1, limit - new }
`

// QuotaManager enforces the per-user daily tick budget on the KV store.
// Counters expire at UTC midnight so a new day starts from zero.
type QuotaManager struct {
	kv     *Client
	limit  int
	script *redis.Script
	now    func() time.Time
}

// NewQuotaManager constructs a QuotaManager with the given default
// daily limit.
func NewQuotaManager(kv *Client, dailyLimit int) *QuotaManager {
	return &QuotaManager{
		kv:     kv,
		limit:  dailyLimit,
		script: redis.NewScript(luaQuotaConsume),
		now:    time.Now,
	}
}

// CheckAndConsume atomically grants units from the caller's remaining
// daily budget.
func (q *QuotaManager) CheckAndConsume(ctx context.Context, userID, _ string, units int) (domain.QuotaDecision, error) {
	rdb := q.kv.GetClient()
	if rdb == nil {
		if err := q.kv.Init(ctx); err != nil {
			return domain.QuotaDecision{}, fmt.Errorf("op=quota.consume: %w", domain.ErrUnavailable)
		}
		rdb = q.kv.GetClient()
	}
	if units <= 0 {
		units = 1
	}

	now := q.now()
	key := QuotaKey(now, userID)
	ttl := int64(SecondsToUTCMidnight(now).Seconds())

	res, err := q.script.Run(ctx, rdb, []string{key}, units, q.limit, ttl).Result()
	if err != nil {
		slog.Error("quota script error", slog.String("user_id", userID), slog.Any("error", err))
		return domain.QuotaDecision{}, fmt.Errorf("op=quota.consume: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return domain.QuotaDecision{}, fmt.Errorf("op=quota.consume: unexpected script result %v", res)
	}
	remaining := int(toInt64(vals[1]))
	if remaining < 0 {
		remaining = 0
	}
	return domain.QuotaDecision{Allowed: toInt64(vals[0]) == 1, Remaining: remaining}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
