package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

const remoteOpTimeout = 2 * time.Second

// Remote is the Redis fixed-window limiter. Each (key, window) pair
// maps to one counter INCRed per admission attempt; counters carry a
// window-length TTL so stale windows age out on their own. Backend
// trouble degrades per cfg.FailMode instead of failing the call.
type Remote struct {
	client   *redis.Client
	cfg      config.RateLimiterConfig
	window   time.Duration
	fallback *Local
	nowMS    func() int64
	degraded atomic.Bool
}

// NewRemote builds the Redis-backed limiter. The connection is lazy:
// an unreachable backend surfaces through the fail mode on the first
// Check, not here.
func NewRemote(cfg config.RateLimiterConfig) *Remote {
	cfg = withDefaults(cfg)
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	r := &Remote{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		cfg:    cfg,
		window: time.Duration(cfg.WindowMS) * time.Millisecond,
		nowMS:  func() int64 { return time.Now().UnixMilli() },
	}
	if cfg.FailMode == FailLocal {
		r.fallback = NewLocal(cfg)
	}
	return r
}

// Close releases the Redis connection pool.
func (r *Remote) Close() error { return r.client.Close() }

func (r *Remote) redisKey(key string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, windowStart)
}

func (r *Remote) windowStart(nowMS int64) int64 {
	return nowMS - nowMS%int64(r.cfg.WindowMS)
}

// Check admits or denies one request against key's shared budget.
func (r *Remote) Check(ctx context.Context, key string) (Result, error) {
	now := r.nowMS()
	start := r.windowStart(now)
	redisKey := r.redisKey(key, start)

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.failOver(ctx, key, err)
	}
	if r.degraded.CompareAndSwap(true, false) {
		logging.RateLimit("redis backend recovered")
	}

	resetMS := start + int64(r.cfg.WindowMS) - now
	if resetMS < 1 {
		resetMS = 1
	}
	count := incr.Val()
	if count > int64(r.cfg.MaxRequests) {
		logging.Audit().RateLimitBlock(key, resetMS)
		return Result{Remaining: 0, ResetMS: resetMS, RetryAfterMS: resetMS}, nil
	}
	return Result{Allowed: true, Remaining: r.cfg.MaxRequests - int(count), ResetMS: resetMS}, nil
}

// failOver resolves a backend failure per the configured fail mode.
// The transition is logged once per outage, not per call.
func (r *Remote) failOver(ctx context.Context, key string, cause error) (Result, error) {
	if r.degraded.CompareAndSwap(false, true) {
		switch r.cfg.FailMode {
		case FailOpen:
			logging.RateLimitWarn("redis unreachable, failing OPEN: admitting all requests unchecked: %v", cause)
		case FailLocal:
			logging.RateLimitWarn("redis unreachable, falling back to local limiter: %v", cause)
		default:
			logging.RateLimitWarn("redis unreachable, failing closed: %v", cause)
		}
		logging.Audit().FailMode(r.cfg.FailMode, cause.Error())
	}

	switch r.cfg.FailMode {
	case FailOpen:
		return Result{Allowed: true, Remaining: r.cfg.MaxRequests, ResetMS: int64(r.cfg.WindowMS)}, nil
	case FailLocal:
		return r.fallback.Check(ctx, key)
	default:
		logging.Audit().RateLimitBlock(key, failClosedRetryMS)
		return Result{ResetMS: failClosedRetryMS, RetryAfterMS: failClosedRetryMS}, nil
	}
}

// Stats reads key's current-window count. When the backend is down it
// reports the fallback's view under fail-local and an untouched window
// otherwise.
func (r *Remote) Stats(key string) Stats {
	ctx, cancel := context.WithTimeout(context.Background(), remoteOpTimeout)
	defer cancel()

	now := r.nowMS()
	start := r.windowStart(now)
	resetMS := start + int64(r.cfg.WindowMS) - now

	count, err := r.client.Get(ctx, r.redisKey(key, start)).Int()
	if errors.Is(err, redis.Nil) {
		count = 0
	} else if err != nil {
		if r.cfg.FailMode == FailLocal {
			return r.fallback.Stats(key)
		}
		return Stats{Remaining: r.cfg.MaxRequests, ResetMS: resetMS}
	}
	remaining := r.cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Stats{Count: count, Remaining: remaining, ResetMS: resetMS}
}

// Reset clears key's current window; older windows age out on TTL.
func (r *Remote) Reset(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteOpTimeout)
	defer cancel()

	r.client.Del(ctx, r.redisKey(key, r.windowStart(r.nowMS())))
	if r.fallback != nil {
		r.fallback.Reset(key)
	}
}
