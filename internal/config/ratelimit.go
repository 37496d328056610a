package config

// RateLimiterConfig configures tool-call rate limiting.
type RateLimiterConfig struct {
	// "local" (in-process token bucket) or "remote" (Redis fixed window)
	Mode string `yaml:"mode"`

	// Behavior when the remote backend is unreachable:
	// "closed" denies, "local" falls back to the local limiter, "open" allows.
	FailMode string `yaml:"failMode"`

	// Requests allowed per window
	MaxRequests int `yaml:"maxRequests"`
	WindowMS    int `yaml:"windowMs"`

	// Optional per-second sub-cap; zero disables burst protection
	MinBurstProtection int `yaml:"minBurstProtection"`

	// Resident key cap for the local limiter
	MaxKeys int `yaml:"maxKeys"`

	// Redis backend address for remote mode
	RedisAddr string `yaml:"redisAddr"`
}
