// Package redis wraps the Redis connection that holds the round ledger.
// It exposes the few primitives the ledger needs, most importantly an atomic
// MULTI/EXEC group that reports per-command results.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL      string
	PoolSize int
	Timeout  time.Duration
}

// Reply is the outcome of one command inside an executed transaction
type Reply struct {
	Val any
	Err error
}

// NewClient connects to Redis and pings it. An unreachable store is a startup
// failure for the caller.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ServerVersion returns the major.minor redis_version reported by INFO.
// It returns 0 when the field is missing.
func (c *Client) ServerVersion(ctx context.Context) (float64, error) {
	info, err := c.rdb.Info(ctx, "server").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read server info: %w", err)
	}
	return parseVersion(info), nil
}

func parseVersion(info string) float64 {
	for _, line := range strings.Split(info, "\r\n") {
		value, ok := strings.CutPrefix(line, "redis_version:")
		if !ok {
			continue
		}
		// 7.2.4 -> 7.2
		parts := strings.SplitN(strings.TrimSpace(value), ".", 3)
		if len(parts) >= 2 {
			value = parts[0] + "." + parts[1]
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return 0
}

// HGetAll reads a whole hash. A missing key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// TxDo runs cmds as a single MULTI/EXEC group. If the group itself fails
// (transport error, EXECABORT) the error is returned and no replies are.
// Otherwise every command gets a Reply, including commands Redis rejected at
// execution time, and the returned error is nil.
func (c *Client) TxDo(ctx context.Context, cmds [][]any) ([]Reply, error) {
	pipe := c.rdb.TxPipeline()
	issued := make([]*redis.Cmd, len(cmds))
	for i, args := range cmds {
		issued[i] = pipe.Do(ctx, args...)
	}

	if _, err := pipe.Exec(ctx); err != nil && !isCommandError(err) {
		return nil, err
	}

	replies := make([]Reply, len(issued))
	for i, cmd := range issued {
		replies[i] = Reply{Val: cmd.Val(), Err: cmd.Err()}
	}
	return replies, nil
}

// isCommandError reports whether err is a server reply to one queued command,
// as opposed to a failure of the whole transaction.
func isCommandError(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return !strings.HasPrefix(rerr.Error(), "EXECABORT")
}
