package collector

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestBackoff_NoJitter(t *testing.T) {
	b := BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        1 * time.Second,
		Multiplier: 2.0,
	}.NewBackOff()

	// Without jitter, delays should be exact
	delays := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond, // capped at max
		1000 * time.Millisecond,
	}

	for i, expected := range delays {
		got := b.NextBackOff()
		if got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := DefaultBackoffConfig().NewBackOff()

	// First attempt should be around Initial (1s) +/- jitter
	d1 := b.NextBackOff()
	if d1 < 900*time.Millisecond || d1 > 1100*time.Millisecond {
		t.Errorf("first delay %v not within expected range [900ms, 1100ms]", d1)
	}

	// Second attempt should be around 2s +/- jitter
	d2 := b.NextBackOff()
	if d2 < 1800*time.Millisecond || d2 > 2200*time.Millisecond {
		t.Errorf("second delay %v not within expected range [1.8s, 2.2s]", d2)
	}
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := BackoffConfig{Initial: time.Millisecond, MaxAttempts: 3}.NewBackOff()

	// Three attempts means two delays between them.
	for i := 0; i < 2; i++ {
		if d := b.NextBackOff(); d == backoff.Stop {
			t.Fatalf("delay %d: unexpected stop", i)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Fatalf("expected stop after MaxAttempts, got %v", d)
	}

	b.Reset()
	if d := b.NextBackOff(); d == backoff.Stop {
		t.Error("reset should allow new attempts")
	}
}

func TestBackoff_Defaults(t *testing.T) {
	cfg := BackoffConfig{Initial: -1, Max: 0, Multiplier: 0.5, Jitter: 3, MaxAttempts: -2}.withDefaults()

	if cfg.Initial != time.Second || cfg.Max != 30*time.Second {
		t.Errorf("unexpected intervals: %+v", cfg)
	}
	if cfg.Multiplier != 2.0 || cfg.Jitter != 0.1 {
		t.Errorf("unexpected multiplier/jitter: %+v", cfg)
	}
	if cfg.MaxAttempts != 0 {
		t.Errorf("negative MaxAttempts should mean unlimited, got %d", cfg.MaxAttempts)
	}
}
