// Package ratelimit bounds how fast public callers may open relay flows,
// globally and per tunnel.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a classic token bucket: rate tokens per second, refilled
// lazily on use, capped at capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int
	lastRefill time.Time
}

func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: rate, lastRefill: time.Now()}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if add > 0 {
		tb.tokens = min(tb.tokens+add, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// FlowLimiter gates new relay flows. A zero rate disables the corresponding
// limit, so the zero-configured limiter admits everything.
type FlowLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perTunnel map[string]*TokenBucket
	rate      int
	burst     int
}

func NewFlowLimiter(globalRate, perTunnelRate, burst int) *FlowLimiter {
	fl := &FlowLimiter{
		perTunnel: make(map[string]*TokenBucket),
		rate:      perTunnelRate,
		burst:     burst,
	}
	if globalRate > 0 {
		fl.global = NewTokenBucket(globalRate, burst)
	}
	return fl
}

// AllowFlow reports whether a new flow may start for the given tunnel.
func (fl *FlowLimiter) AllowFlow(tunnelID string) bool {
	if fl.global != nil && !fl.global.Allow() {
		return false
	}
	if fl.rate <= 0 {
		return true
	}
	fl.mu.Lock()
	bucket, ok := fl.perTunnel[tunnelID]
	if !ok {
		bucket = NewTokenBucket(fl.rate, fl.burst)
		fl.perTunnel[tunnelID] = bucket
	}
	fl.mu.Unlock()
	return bucket.Allow()
}

// Forget drops per-tunnel state once a tunnel is gone.
func (fl *FlowLimiter) Forget(tunnelID string) {
	fl.mu.Lock()
	delete(fl.perTunnel, tunnelID)
	fl.mu.Unlock()
}
