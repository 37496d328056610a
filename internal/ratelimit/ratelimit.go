// Package ratelimit gates tool calls per key.
//
// Two limiters sit behind one interface: an in-process token bucket and
// a Redis fixed window for multi-instance deployments. The remote
// limiter degrades per failMode when the backend is unreachable: closed
// denies everything, local falls back to an embedded bucket with the
// same budget, open admits everything and logs the exposure.
package ratelimit

import (
	"context"

	"mnemo/internal/config"
)

// Result is one admission decision.
type Result struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	ResetMS      int64 `json:"resetMs"`
	RetryAfterMS int64 `json:"retryAfterMs,omitempty"`
}

// Stats summarizes one key's current window without consuming quota.
type Stats struct {
	Count     int   `json:"count"`
	Remaining int   `json:"remaining"`
	ResetMS   int64 `json:"resetMs"`
}

// Limiter admits or denies requests per opaque key. Keys may carry
// arbitrary printable and control bytes.
type Limiter interface {
	Check(ctx context.Context, key string) (Result, error)
	Stats(key string) Stats
	Reset(key string)
}

// Fail modes for the remote limiter.
const (
	FailClosed = "closed"
	FailLocal  = "local"
	FailOpen   = "open"
)

// failClosedRetryMS is the retry hint handed out while failing closed.
const failClosedRetryMS = 60000

var (
	_ Limiter = (*Local)(nil)
	_ Limiter = (*Remote)(nil)
)

// New builds the limiter cfg.Mode selects.
func New(cfg config.RateLimiterConfig) Limiter {
	if cfg.Mode == "remote" {
		return NewRemote(cfg)
	}
	return NewLocal(cfg)
}

func withDefaults(cfg config.RateLimiterConfig) config.RateLimiterConfig {
	def := config.DefaultConfig().RateLimiter
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = def.WindowMS
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.MinBurstProtection < 0 {
		cfg.MinBurstProtection = 0
	}
	switch cfg.FailMode {
	case FailClosed, FailLocal, FailOpen:
	default:
		cfg.FailMode = def.FailMode
	}
	return cfg
}
