package gqlws

import (
	"math"
	"testing"
	"time"
)

// TestBackoffBounds exercises spec.md §8 Property 7: the sleep between
// attempt k and k+1 lies in [delayK*(1-j), delayK*(1+j)] with
// delayK = min(max, init*mult^k).
func TestBackoffBounds(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterPct:    20,
	}
	b := newExponentialBackoff(cfg)

	for k := 0; k < 8; k++ {
		expected := math.Min(
			float64(cfg.MaxDelay),
			float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(k)),
		)
		lower := expected * (1 - cfg.JitterPct/100)
		upper := expected * (1 + cfg.JitterPct/100)

		actual := b.NextBackOff()
		if float64(actual) < lower || float64(actual) > upper {
			t.Errorf("attempt %d: delay %v outside bounds [%v, %v]", k, actual, time.Duration(lower), time.Duration(upper))
		}
	}
}

func TestBackoffNeverGivesUp(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2, JitterPct: 0}
	b := newExponentialBackoff(cfg)

	for i := 0; i < 1000; i++ {
		if b.NextBackOff() == -1 {
			t.Fatalf("backoff gave up at attempt %d, reconnects must be unbounded", i)
		}
	}
}
