package jobstore

import (
	"math/rand/v2"
	"time"
)

const maxBackoffExponent = 30

// Backoff returns the delay before attempt n (1-based):
// base*2^(n-1) plus a jitter in [0, base).
func Backoff(base time.Duration, attempt int, jitter func(n int64) int64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	exp := attempt - 1
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}

	if jitter == nil {
		jitter = rand.Int64N
	}
	return base<<exp + time.Duration(jitter(int64(base)))
}
