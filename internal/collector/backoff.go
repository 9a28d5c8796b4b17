package collector

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig configures the delay between reconnect attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`    // Initial delay (default: 1s)
	Max        time.Duration `yaml:"max"`        // Maximum delay (default: 30s)
	Multiplier float64       `yaml:"multiplier"` // Multiplier per attempt (default: 2.0)
	Jitter     float64       `yaml:"jitter"`     // Jitter factor 0-1 (default: 0.1 = 10%)

	// MaxAttempts is the number of consecutive failures tolerated before
	// giving up. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultBackoffConfig returns the reconnect policy used when none is given.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     1 * time.Second,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		MaxAttempts: 10,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = def.Initial
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = def.Jitter
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

// NewBackOff builds the policy. With MaxAttempts set, NextBackOff returns
// backoff.Stop after MaxAttempts-1 delays, so at most MaxAttempts
// consecutive attempts are made; Reset starts over.
func (c BackoffConfig) NewBackOff() backoff.BackOff {
	c = c.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	if c.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
	}
	return b
}
