package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerToken is the fixed-point scale: one token is 1e9 nano-tokens,
// so a fill rate of N tokens/sec adds exactly N nano-tokens per nanosecond.
const nanoTokensPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed capacity.
//
// A bucket with capacity or fill rate <= 0 is unlimited.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  max(fillRate, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// Unlimited reports whether the bucket never rejects.
func (b *TokenBucket) Unlimited() bool {
	return b == nil || b.capacity <= 0 || b.fillRate <= 0
}

// Allow consumes tokens if enough are available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 || b.Unlimited() {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that moves backwards only resets the reference point.
	b.last = now
	if elapsed <= 0 || b.available >= b.capacity {
		return
	}

	missing := b.capacity - b.available
	if elapsed >= missing/b.fillRate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoTokensPerToken:
		return maxInt64
	default:
		return tokens * nanoTokensPerToken
	}
}
