package notifier

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	PerMinute int  `yaml:"per_minute"` // Sustained notifications per minute (default: 10)
	Burst     int  `yaml:"burst"`      // Notifications allowed at once (default: PerMinute)
	Enabled   bool `yaml:"enabled"`    // Whether rate limiting is enabled
}

// DefaultRateLimitConfig returns default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinute: 10,
		Burst:     10,
		Enabled:   true,
	}
}

// RateLimiter is a token bucket shared by every notifier of a dispatcher.
type RateLimiter struct {
	limiter *rate.Limiter
	cfg     RateLimitConfig
	dropped atomic.Int64
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.Burst),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow consumes a token, reporting false when the budget is exhausted.
func (r *RateLimiter) Allow() bool {
	if !r.cfg.Enabled {
		return true
	}
	if r.limiter.AllowN(r.now(), 1) {
		return true
	}
	r.dropped.Add(1)
	return false
}

// Dropped returns the number of notifications dropped due to rate limiting.
func (r *RateLimiter) Dropped() int64 {
	return r.dropped.Load()
}

// Stats returns rate limiter statistics.
func (r *RateLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Dropped:   r.dropped.Load(),
		Available: r.limiter.TokensAt(r.now()),
		PerMinute: r.cfg.PerMinute,
		Burst:     r.cfg.Burst,
		Enabled:   r.cfg.Enabled,
	}
}

// RateLimitStats contains rate limiter statistics.
type RateLimitStats struct {
	Dropped   int64   `json:"dropped"`
	Available float64 `json:"available"`
	PerMinute int     `json:"perMinute"`
	Burst     int     `json:"burst"`
	Enabled   bool    `json:"enabled"`
}
