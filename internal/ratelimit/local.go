package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// Local is the in-process limiter: a fixed window per key plus an
// optional per-second sub-cap. Admissions serialize under one mutex so
// a concurrent burst can never overshoot the window budget. Resident
// keys are LRU-capped; time is measured against a monotonic base, so
// wall-clock rewinds do not reset quota.
type Local struct {
	mu      sync.Mutex
	cfg     config.RateLimiterConfig
	window  time.Duration
	buckets *lru.Cache[string, *bucket]
	now     func() time.Duration
}

type bucket struct {
	windowStart time.Duration
	count       int
	secondStart time.Duration
	secondCount int
}

// NewLocal builds the in-process limiter. Zero or negative config
// fields fall back to the shipped defaults.
func NewLocal(cfg config.RateLimiterConfig) *Local {
	cfg = withDefaults(cfg)
	buckets, _ := lru.New[string, *bucket](cfg.MaxKeys)
	start := time.Now()
	return &Local{
		cfg:     cfg,
		window:  time.Duration(cfg.WindowMS) * time.Millisecond,
		buckets: buckets,
		now:     func() time.Duration { return time.Since(start) },
	}
}

// Check admits or denies one request against key's budget.
func (l *Local) Check(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Get(key)
	if !ok {
		// A key evicted by the LRU cap restarts with a fresh budget.
		b = &bucket{windowStart: now, secondStart: now}
		l.buckets.Add(key, b)
	}
	if now-b.windowStart >= l.window {
		b.windowStart = now
		b.count = 0
	}
	if now-b.secondStart >= time.Second {
		b.secondStart = now
		b.secondCount = 0
	}

	resetMS := clampMS(l.window - (now - b.windowStart))
	if b.count >= l.cfg.MaxRequests {
		logging.Audit().RateLimitBlock(key, resetMS)
		return Result{Remaining: 0, ResetMS: resetMS, RetryAfterMS: resetMS}, nil
	}
	if burst := l.cfg.MinBurstProtection; burst > 0 && b.secondCount >= burst {
		retry := clampMS(time.Second - (now - b.secondStart))
		logging.Audit().RateLimitBlock(key, retry)
		return Result{Remaining: l.cfg.MaxRequests - b.count, ResetMS: resetMS, RetryAfterMS: retry}, nil
	}

	b.count++
	b.secondCount++
	return Result{Allowed: true, Remaining: l.cfg.MaxRequests - b.count, ResetMS: resetMS}, nil
}

// Stats reports key's current window without consuming quota or
// promoting the key in the LRU.
func (l *Local) Stats(key string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Peek(key)
	if !ok || now-b.windowStart >= l.window {
		return Stats{Remaining: l.cfg.MaxRequests}
	}
	remaining := l.cfg.MaxRequests - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Stats{Count: b.count, Remaining: remaining, ResetMS: clampMS(l.window - (now - b.windowStart))}
}

// Reset forgets key entirely.
func (l *Local) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets.Remove(key)
}

// clampMS floors a duration at one millisecond so a denial always
// carries a positive retry hint.
func clampMS(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
