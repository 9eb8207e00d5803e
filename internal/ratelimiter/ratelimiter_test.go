package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		requestsPerSecond uint
		burst             uint
		unlimited         bool
	}{
		{name: "standard rate", requestsPerSecond: 100, burst: 200},
		{name: "default burst", requestsPerSecond: 50},
		{name: "unlimited", requestsPerSecond: 0, unlimited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.requestsPerSecond, tt.burst)
			require.NotNil(t, limiter)
			assert.Equal(t, tt.unlimited, limiter.Unlimited())
		})
	}
}

func TestAllowEnforcesBurst(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow(), "request %d is within the burst", i)
	}
	assert.False(t, limiter.Allow(), "burst exhausted")
}

func TestDefaultBurstMatchesRate(t *testing.T) {
	limiter := New(5, 0)
	assert.True(t, limiter.AllowN(5))
	assert.False(t, limiter.Allow())
}

func TestUnlimitedAlwaysAllows(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 10_000; i++ {
		require.True(t, limiter.Allow())
	}
	assert.NoError(t, limiter.Wait(context.Background()))
}

func TestAllowN(t *testing.T) {
	limiter := New(10, 10)

	assert.True(t, limiter.AllowN(5))
	assert.True(t, limiter.AllowN(5))
	assert.False(t, limiter.AllowN(1))
}

func TestWaitRespectsContext(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// The next token arrives after a second, past the deadline.
	assert.Error(t, limiter.Wait(ctx))
}

func TestWaitAcquiresToken(t *testing.T) {
	limiter := New(100, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSetLimitAndBurst(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	limiter.SetLimit(0)
	assert.True(t, limiter.Unlimited())
	assert.True(t, limiter.Allow())

	limiter.SetLimit(10)
	limiter.SetBurst(3)
	assert.False(t, limiter.Unlimited())
	assert.LessOrEqual(t, limiter.Tokens(), 3.0)
}
