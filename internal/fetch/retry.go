package fetch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy is an explicit backoff policy value, testable independent of
// network I/O.
type RetryPolicy struct {
	// MaxAttempts bounds total tries, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the backend's tolerance: up to 5 attempts with
// exponential backoff between 2s and 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the jittered wait before the next attempt. attempt is
// zero-based: Backoff(0) follows the first failure.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Retryable reports whether the status code warrants another attempt.
// 403 and 429 are retried like transient failures; the caller additionally
// counts them toward abuse stop thresholds.
func Retryable(status int) bool {
	switch status {
	case 403, 429, 500, 502, 503, 504:
		return true
	}
	return false
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
