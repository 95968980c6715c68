package async

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/recurring/errors"
)

// RateLimiter caps how many jobs the pool may claim
type RateLimiter interface {
	Allow() error
}

// Limiter enforces a maximum number of job claims per minute using a token
// bucket. The full minute's allowance may be spent as a burst.
type Limiter struct {
	maxPerMinute int
	limiter      *rate.Limiter
	timeNow      func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter with real time. maxPerMinute <= 0 returns nil,
// meaning unlimited.
func NewLimiter(maxPerMinute int) *Limiter {
	return NewLimiterWithClock(maxPerMinute, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock
func NewLimiterWithClock(maxPerMinute int, timeNow func() time.Time) *Limiter {
	if maxPerMinute <= 0 {
		return nil
	}
	return &Limiter{
		maxPerMinute: maxPerMinute,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), maxPerMinute),
		timeNow:      timeNow,
	}
}

// Allow consumes one token or reports that the limit is reached
func (l *Limiter) Allow() error {
	if l == nil {
		return nil
	}
	now := l.timeNow()
	if l.limiter.AllowN(now, 1) {
		return nil
	}
	err := errors.Newf("rate limit exceeded: %d jobs per minute", l.maxPerMinute)
	err = errors.WithDetail(err, fmt.Sprintf("Tokens available: %.2f", l.limiter.TokensAt(now)))
	return err
}

// Remaining returns the whole tokens currently available
func (l *Limiter) Remaining() int {
	if l == nil {
		return -1
	}
	return int(l.limiter.TokensAt(l.timeNow()))
}
