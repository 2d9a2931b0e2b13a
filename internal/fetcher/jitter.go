package fetcher

import (
	"crypto/rand"
	"math/big"
	"time"
)

// jitterSource draws a uniform integer in [0, n).
type jitterSource interface {
	Int63n(n int64) int64
}

type cryptoJitter struct{}

func (cryptoJitter) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return v.Int64()
}

// uniform returns a duration drawn from [lo, hi].
func uniform(src jitterSource, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(src.Int63n(int64(hi-lo)+1))
}
