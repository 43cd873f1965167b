// Package rediskv wraps the Redis connection used as the platform's
// key/value layer: task records, worker presence, worker state, and the
// daily quota counters all live here.
//
// The connection is lazy and verified: Init pings, and a failed ping
// drops the client so the retry driver can rebuild it. Callers must
// tolerate a nil client from GetClient and treat it as a transient miss.
package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgrid/agentgrid/internal/retry"
)

// ErrNotReady is returned while the connector has no verified client.
var ErrNotReady = errors.New("kv store not ready")

// Client is the lazy, shared Redis connector.
type Client struct {
	url string

	mu    sync.Mutex
	rdb   *redis.Client
	ready bool
}

// New constructs an unconnected Client. An empty URL leaves the
// connector permanently un-ready (the process stays alive).
func New(url string) *Client {
	if url == "" {
		slog.Warn("REDIS_URL not set; kv connector stays un-ready")
	}
	return &Client{url: url}
}

// Connect establishes and verifies the connection under the bounded
// connect schedule.
func (c *Client) Connect(ctx context.Context) error {
	if c.url == "" {
		return ErrNotReady
	}
	_, err := retry.Do(ctx, retry.ConnectPolicy(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.tryInit(ctx)
	}, retry.WithNotify(func(err error, attempt int, next time.Duration) {
		logConnectFailure("kv connect failed", err, attempt, next)
	}))
	return err
}

// Init is idempotent: when ready it pings; on any failure the client is
// dropped and rebuilt under the unbounded reconnect schedule.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	rdb, ready := c.rdb, c.ready
	c.mu.Unlock()
	if ready && rdb != nil {
		if err := rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		c.markDirty()
	}
	if c.url == "" {
		return ErrNotReady
	}
	_, err := retry.Do(ctx, retry.ReconnectPolicy(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.tryInit(ctx)
	}, retry.WithNotify(func(err error, attempt int, next time.Duration) {
		logConnectFailure("kv reconnect failed", err, attempt, next)
	}))
	return err
}

func (c *Client) tryInit(ctx context.Context) error {
	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("op=kv.parse_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("op=kv.ping: %w", err)
	}
	c.mu.Lock()
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	c.rdb = rdb
	c.ready = true
	c.mu.Unlock()
	slog.Info("kv store connected")
	return nil
}

func (c *Client) markDirty() {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
}

// Disconnect closes the client. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

// Ready reports whether the last verification succeeded.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && c.rdb != nil
}

// GetClient returns the shared client, or nil when not ready.
func (c *Client) GetClient() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}
	return c.rdb
}

// GetRaw reads the raw bytes at key. found=false on miss.
func (c *Client) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	rdb := c.GetClient()
	if rdb == nil {
		return nil, false, ErrNotReady
	}
	b, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		c.markDirty()
		return nil, false, fmt.Errorf("op=kv.get: %w", err)
	}
	return b, true, nil
}

// GetJSON reads and decodes the value at key. A miss returns (nil, nil);
// a value that is not valid JSON is returned as the raw string.
func (c *Client) GetJSON(ctx context.Context, key string) (any, error) {
	b, found, err := c.GetRaw(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b), nil
	}
	return v, nil
}

// SetJSON writes value as JSON with optional expiry. Returns true iff
// the underlying SET confirmed.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ex time.Duration) (bool, error) {
	rdb := c.GetClient()
	if rdb == nil {
		return false, ErrNotReady
	}
	b, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("op=kv.marshal: %w", err)
	}
	res, err := rdb.Set(ctx, key, b, ex).Result()
	if err != nil {
		c.markDirty()
		return false, fmt.Errorf("op=kv.set: %w", err)
	}
	return res == "OK", nil
}

// GetJSONResilient retries GetRaw across store loss for up to maxWait.
func (c *Client) GetJSONResilient(ctx context.Context, key string, maxWait time.Duration) ([]byte, bool, error) {
	type result struct {
		b     []byte
		found bool
	}
	r, err := retry.Do(ctx, retry.ResilientPolicy(maxWait), func(ctx context.Context) (result, error) {
		if err := c.Init(ctx); err != nil {
			return result{}, err
		}
		b, found, err := c.GetRaw(ctx, key)
		if err != nil {
			return result{}, err
		}
		return result{b: b, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return r.b, r.found, nil
}

// SetJSONResilient retries SetJSON across store loss for up to maxWait.
// Returns whether the write was confirmed within the deadline.
func (c *Client) SetJSONResilient(ctx context.Context, key string, value any, ex time.Duration, maxWait time.Duration) bool {
	ok, err := retry.Do(ctx, retry.ResilientPolicy(maxWait), func(ctx context.Context) (bool, error) {
		if err := c.Init(ctx); err != nil {
			return false, err
		}
		ok, err := c.SetJSON(ctx, key, value, ex)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, errors.New("set not confirmed")
		}
		return true, nil
	})
	if err != nil {
		slog.Error("resilient kv set exhausted", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return ok
}

// Delete removes key and reports whether anything was deleted.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	rdb := c.GetClient()
	if rdb == nil {
		return false, ErrNotReady
	}
	n, err := rdb.Del(ctx, key).Result()
	if err != nil {
		c.markDirty()
		return false, fmt.Errorf("op=kv.del: %w", err)
	}
	return n > 0, nil
}

// ScanKeys walks the keyspace matching pattern in pages of pageSize.
func (c *Client) ScanKeys(ctx context.Context, pattern string, pageSize int64) ([]string, error) {
	rdb := c.GetClient()
	if rdb == nil {
		return nil, ErrNotReady
	}
	var keys []string
	var cursor uint64
	for {
		page, next, err := rdb.Scan(ctx, cursor, pattern, pageSize).Result()
		if err != nil {
			c.markDirty()
			return nil, fmt.Errorf("op=kv.scan: %w", err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func logConnectFailure(msg string, err error, attempt int, next time.Duration) {
	// DNS faults get a distinct message; they follow the same schedule.
	if err != nil && (strings.Contains(err.Error(), "no such host") || strings.Contains(err.Error(), "name resolution")) {
		slog.Error(msg+" (dns resolution)", slog.Int("attempt", attempt), slog.Duration("next_retry", next), slog.Any("error", err))
		return
	}
	slog.Warn(msg, slog.Int("attempt", attempt), slog.Duration("next_retry", next), slog.Any("error", err))
}
