package gqlws

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig mirrors the reconnect parameters in spec.md §4.1:
// delay0 = InitialDelay, delayN = min(MaxDelay, delay0*Multiplier^N),
// actual = delayN * (1 +/- JitterPct/100).
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterPct    float64
}

// newExponentialBackoff builds a backoff/v4 ExponentialBackOff whose
// RandomizationFactor expresses the same +/-jitter_pct window the spec
// describes, and which never gives up (MaxElapsedTime=0) since
// reconnects are unbounded in count (spec.md §4.1).
func newExponentialBackoff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.JitterPct / 100
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
