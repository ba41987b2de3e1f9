// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBucket(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	b := newBucket(2, 1, c.now)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	assert.False(t, b.Full())

	c.advance(500 * time.Millisecond)
	assert.False(t, b.Allow())

	c.advance(500 * time.Millisecond)
	assert.True(t, b.Allow())

	c.advance(time.Hour)
	assert.True(t, b.Full())
}

func TestNewBucket_StartsFull(t *testing.T) {
	b := NewBucket(3, 1)
	assert.True(t, b.Full())
}

func TestLimiter_PerKey(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := NewLimiter(1, 1, 10)
	l.now = c.now

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 2, l.Len())

	c.advance(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestLimiter_MaxKeys(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := NewLimiter(1, 1, 2)
	l.now = c.now

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	// Both tracked keys are still limited.
	assert.False(t, l.Allow("c"))
	assert.Equal(t, 2, l.Len())

	c.advance(time.Second)
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_Defaults(t *testing.T) {
	l := NewLimiter(0, 1, 0)
	assert.Equal(t, 1, l.capacity)
	assert.Equal(t, DefaultMaxKeys, l.maxKeys)
}

func TestLimiter_Concurrent(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := NewLimiter(50, 1, 10)
	l.now = c.now

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("client") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
