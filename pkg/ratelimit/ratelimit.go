// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a single event should be allowed.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N events should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
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

// bucketEntry pairs a bucket with its last use for idle eviction.
type bucketEntry struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// Limiter manages independent token buckets keyed by an arbitrary string,
// such as a syslog severity or a request path. Buckets are created lazily
// on first use and evicted after sitting idle.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*bucketEntry
	capacity   int64
	refillRate int64
	maxKeys    int
	idleAfter  time.Duration
	cleanup    *time.Timer
	closed     bool
}

// NewLimiter creates a new keyed rate limiter. Each key gets its own token
// bucket with the given capacity and refill rate. At most maxKeys buckets
// are tracked; events for additional keys are rejected until eviction frees
// a slot. If maxKeys is 0 a default of 1024 is used.
func NewLimiter(capacity, refillRate int64, maxKeys int) *Limiter {
	if maxKeys == 0 {
		maxKeys = 1024
	}

	l := &Limiter{
		buckets:    make(map[string]*bucketEntry),
		capacity:   capacity,
		refillRate: refillRate,
		maxKeys:    maxKeys,
		idleAfter:  10 * time.Minute,
	}

	l.cleanup = time.AfterFunc(l.idleAfter/2, l.evictIdle)

	return l
}

// Allow checks if an event for the given key should be allowed.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN checks if N events for the given key should be allowed.
func (l *Limiter) AllowN(key string, n int64) bool {
	now := time.Now()

	l.mu.RLock()
	e, exists := l.buckets[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		e, exists = l.buckets[key]
		if !exists {
			if len(l.buckets) >= l.maxKeys {
				l.mu.Unlock()
				return false
			}
			e = &bucketEntry{bucket: NewTokenBucket(l.capacity, l.refillRate)}
			l.buckets[key] = e
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	e.lastUsed = now
	l.mu.Unlock()

	return e.bucket.AllowN(n)
}

// Remove removes a key's bucket.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// evictIdle drops buckets that have not been used within the idle window.
func (l *Limiter) evictIdle() {
	cutoff := time.Now().Add(-l.idleAfter)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	for key, e := range l.buckets {
		if e.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.cleanup = time.AfterFunc(l.idleAfter/2, l.evictIdle)
	l.mu.Unlock()
}

// Keys returns the number of tracked buckets.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the eviction timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cleanup != nil {
		l.cleanup.Stop()
	}
}
