package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the per-destination token bucket. The rate is expressed in
// requests per minute to match upstream quota documentation.
type Limiter struct {
	destination string
	perMinute   int
	bucket      *rate.Limiter
}

func NewLimiter(destination string, requestsPerMinute int, burst int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	every := time.Minute / time.Duration(requestsPerMinute)
	return &Limiter{
		destination: destination,
		perMinute:   requestsPerMinute,
		bucket:      rate.NewLimiter(rate.Every(every), burst),
	}
}

// Wait blocks until a token is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.bucket == nil {
		return nil
	}
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: %s wait: %w", l.destination, err)
	}
	return nil
}

func (l *Limiter) Allow() bool {
	if l == nil || l.bucket == nil {
		return true
	}
	return l.bucket.Allow()
}

func (l *Limiter) RequestsPerMinute() int {
	if l == nil {
		return 0
	}
	return l.perMinute
}
