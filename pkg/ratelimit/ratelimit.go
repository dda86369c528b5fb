// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client datagram rate limiting using the
// token bucket algorithm.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket.
// capacity is the maximum number of tokens; refillRate is the number of
// tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow reports whether one more datagram should be admitted.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = time.Now()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Caller must hold mu.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	added := int64(elapsed * float64(tb.refillRate))
	if added > 0 {
		tb.tokens += added
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// idle reports how long ago the bucket was last consulted.
func (tb *TokenBucket) idle(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastUsed)
}

// Limiter tracks one token bucket per client address. Buckets that stay
// unused past pruneAfter are dropped so the map cannot grow without
// bound under address churn.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	pruneAfter time.Duration
}

// DefaultPruneAfter is how long an unused bucket survives before pruning.
const DefaultPruneAfter = 5 * time.Minute

// NewLimiter creates a per-client rate limiter.
func NewLimiter(capacity, refillRate int64) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		pruneAfter: DefaultPruneAfter,
	}
}

// Allow reports whether a datagram from the given client should be admitted.
func (l *Limiter) Allow(client string) bool {
	l.mu.RLock()
	tb, ok := l.buckets[client]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		tb, ok = l.buckets[client]
		if !ok {
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[client] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove drops a client's bucket.
func (l *Limiter) Remove(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, client)
}

// Prune removes buckets that have been unused past the prune window and
// returns the number removed.
func (l *Limiter) Prune() int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for client, tb := range l.buckets {
		if tb.idle(now) > l.pruneAfter {
			delete(l.buckets, client)
			removed++
		}
	}
	return removed
}

// Run prunes unused buckets at the given interval until the context is
// cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
