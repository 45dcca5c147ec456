package fetcher

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential delays between retries.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt (0-based). The result
// lies in [d/2, d) where d = min(Initial*2^attempt, Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	delay := float64(b.Initial) * math.Pow(2, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
