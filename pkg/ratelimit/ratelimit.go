// Package ratelimit provides the client-side pacing used by connectors when
// talking to external services: an in-process token bucket, a Redis-backed
// bucket for multi-replica deployments, and bounded exponential retry.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates calls to an external service.
type Limiter interface {
	// Wait blocks until a call may proceed or the context is done.
	Wait(ctx context.Context) error
}

// TokenBucket is an in-process token-bucket limiter.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket creates a limiter admitting callsPerSecond sustained calls
// with the given burst. Burst values below 1 are raised to 1.
func NewTokenBucket(callsPerSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(callsPerSecond), burst)}
}

// Wait implements Limiter.
func (b *TokenBucket) Wait(ctx context.Context) error {
	return b.lim.Wait(ctx)
}

// Allow reports whether a call may proceed right now without blocking.
func (b *TokenBucket) Allow() bool {
	return b.lim.Allow()
}
