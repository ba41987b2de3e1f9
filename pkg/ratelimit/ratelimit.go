// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast clients may open proxy sessions, using
// one token bucket per client address.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a client exceeds its accept rate.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// DefaultMaxKeys bounds the number of tracked client addresses.
const DefaultMaxKeys = 10000

// Bucket is a token bucket refilled continuously at rate tokens per second.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

// NewBucket returns a full bucket holding up to capacity tokens.
func NewBucket(capacity int, rate float64) *Bucket {
	return newBucket(capacity, rate, time.Now)
}

func newBucket(capacity int, rate float64, now func() time.Time) *Bucket {
	return &Bucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		rate:     rate,
		last:     now(),
		now:      now,
	}
}

// Allow takes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Full reports whether the bucket has refilled to capacity.
func (b *Bucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens >= b.capacity
}

func (b *Bucket) refill() {
	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Limiter keeps one bucket per key. Keys whose bucket has refilled are
// forgotten once the limiter holds maxKeys.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	capacity int
	rate     float64
	maxKeys  int
	now      func() time.Time
}

// NewLimiter returns a limiter allowing bursts of capacity and rate accepts
// per second for each key.
func NewLimiter(capacity int, rate float64, maxKeys int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Limiter{
		buckets:  make(map[string]*Bucket),
		capacity: capacity,
		rate:     rate,
		maxKeys:  maxKeys,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed. A new key is rejected while every
// tracked key is still limited.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.prune()
		}
		if len(l.buckets) >= l.maxKeys {
			l.mu.Unlock()
			return false
		}
		b = newBucket(l.capacity, l.rate, l.now)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.Allow()
}

// prune drops keys whose bucket is full again. Callers hold mu.
func (l *Limiter) prune() {
	for k, b := range l.buckets {
		if b.Full() {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
