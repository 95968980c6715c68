package async

import (
	"math"
	"time"
)

// Backoff computes the delay before the next attempt of a job that has
// already failed attempts times (1-indexed).
type Backoff interface {
	Delay(attempts int) time.Duration
}

// PolynomialBackoff waits attempts^4 + 5 seconds. With the default of 25
// attempts a job keeps retrying for roughly three weeks.
type PolynomialBackoff struct{}

// Delay returns attempts^4 + 5s
func (PolynomialBackoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	n := math.Pow(float64(attempts), 4) + 5
	return time.Duration(n) * time.Second
}

// ConstantBackoff always waits the same interval
type ConstantBackoff time.Duration

// Delay returns the fixed interval
func (c ConstantBackoff) Delay(int) time.Duration {
	return time.Duration(c)
}

// ExponentialBackoff doubles the delay each attempt, capped at Max
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempts-1), capped at Max
func (e ExponentialBackoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempts-1)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// DefaultBackoff is used when a pool is configured without one
func DefaultBackoff() Backoff {
	return PolynomialBackoff{}
}
