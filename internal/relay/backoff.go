package relay

import (
	"math"
	"math/rand"
	"time"
)

// DefaultReconnectDelay is the fixed retry interval for the hub connection.
const DefaultReconnectDelay = 3 * time.Second

// Backoff defines the reconnect delay policy. The default (multiplier 1, no
// jitter) retries forever at InitialDelay.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// FixedBackoff retries every d.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{InitialDelay: d, Multiplier: 1}
}

// Delay returns the wait before attempt N (1-based).
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
