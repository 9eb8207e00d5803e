package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits requests using a token bucket.
//
// Tokens are added at a constant rate up to the burst size; each admitted
// request consumes one. Object adapters use it to bound the request rate
// across all of their connections.
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter admitting requestsPerSecond on average with
// bursts of up to burst requests.
//
// A zero rate disables limiting. A zero burst defaults to the rate.
func New(requestsPerSecond, burst uint) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(limit(requestsPerSecond), burstFor(requestsPerSecond, burst))}
}

func limit(requestsPerSecond uint) rate.Limit {
	if requestsPerSecond == 0 {
		return rate.Inf
	}
	return rate.Limit(requestsPerSecond)
}

func burstFor(requestsPerSecond, burst uint) int {
	if burst == 0 {
		return int(requestsPerSecond)
	}
	return int(burst)
}

// Unlimited reports whether the limiter admits everything.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN consumes n tokens if they are all available.
func (r *RateLimiter) AllowN(n uint) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// Wait blocks until a token is available or ctx is done. It fails
// immediately when ctx's deadline would expire before a token arrives.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetLimit changes the sustained rate. A zero rate disables limiting.
func (r *RateLimiter) SetLimit(requestsPerSecond uint) {
	r.limiter.SetLimit(limit(requestsPerSecond))
}

// SetBurst changes the bucket size.
func (r *RateLimiter) SetBurst(burst uint) {
	r.limiter.SetBurst(int(burst))
}

// Tokens returns the number of tokens currently available.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
