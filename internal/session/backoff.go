// internal/session/backoff.go
package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls reconnect delays
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction of the delay randomized in both directions,
	// 0.2 spreads a 1s delay over [0.8s, 1.2s].
	Jitter float64
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}

	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 && rng != nil {
		jitter := math.Min(cfg.Jitter, 1.0)
		delay *= 1 - jitter + 2*jitter*rng.Float64()
	}
	return time.Duration(delay)
}
