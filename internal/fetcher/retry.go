package fetcher

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"time"
)

// FailureClass classifies why an attempt failed.
type FailureClass string

const (
	// ClassNone marks a successful attempt.
	ClassNone FailureClass = ""
	// ClassRateLimited is an HTTP 429.
	ClassRateLimited FailureClass = "rate_limited"
	// ClassForbidden is an HTTP 403.
	ClassForbidden FailureClass = "forbidden"
	// ClassTimeout is a deadline or network timeout.
	ClassTimeout FailureClass = "timeout"
	// ClassTransport is any other connection level failure.
	ClassTransport FailureClass = "transport"
	// ClassHTTP is a non-retryable HTTP status.
	ClassHTTP FailureClass = "http_status"
	// ClassCanceled means the caller's context ended.
	ClassCanceled FailureClass = "canceled"
)

// Classify maps an attempt outcome onto a FailureClass. ctx is the caller's
// context; a per-attempt deadline expiring while ctx is still live is a timeout.
func Classify(ctx context.Context, status int, err error) FailureClass {
	if err != nil {
		if ctx.Err() != nil {
			return ClassCanceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ClassTimeout
		}
		return ClassTransport
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusForbidden:
		return ClassForbidden
	case status >= 200 && status < 400:
		return ClassNone
	default:
		return ClassHTTP
	}
}

// RetryPolicy implements exponential backoff with class-dependent jitter.
type RetryPolicy struct {
	maxAttempts int
	jitter      jitterSource
}

// NewRetryPolicy builds a policy allowing maxAttempts attempts in total.
func NewRetryPolicy(maxAttempts int) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryPolicy{maxAttempts: maxAttempts, jitter: cryptoJitter{}}
}

// MaxAttempts returns the attempt budget.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt follows attempt (1-based) failing with class.
func (p *RetryPolicy) ShouldRetry(class FailureClass, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	switch class {
	case ClassRateLimited, ClassForbidden, ClassTimeout, ClassTransport:
		return true
	default:
		return false
	}
}

// Backoff returns the wait before the retry that follows failed attempt (1-based):
// 2^(attempt-1) seconds plus a uniform jitter that is larger for 403 than for 429.
func (p *RetryPolicy) Backoff(class FailureClass, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(math.Pow(2, float64(attempt-1)) * float64(time.Second))
	lo, hi := jitterRange(class)
	return base + uniform(p.jitter, lo, hi)
}

func jitterRange(class FailureClass) (time.Duration, time.Duration) {
	switch class {
	case ClassRateLimited:
		return 2 * time.Second, 5 * time.Second
	case ClassForbidden:
		return 5 * time.Second, 10 * time.Second
	default:
		return 1 * time.Second, 3 * time.Second
	}
}
