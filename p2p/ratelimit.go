package p2p

import (
	"sync"
	"time"
)

// TokenBucket enforces the per-peer message rate limit. Refill is computed lazily on Take, so
// an idle peer costs nothing between messages.
type TokenBucket struct {
	mu sync.Mutex

	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	last       time.Time
}

// NewTokenBucket builds the default per-peer bucket: burst capacity 50,
// average refill 500/min = 8.33/s.
func NewTokenBucket() *TokenBucket {
	return &TokenBucket{
		tokens:     50,
		capacity:   50,
		refillRate: 500.0 / 60.0,
	}
}

// Take consumes one token, returning false if the bucket is empty.
func (t *TokenBucket) Take(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refill(now)
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

func (t *TokenBucket) refill(now time.Time) {
	if t.last.IsZero() {
		t.last = now
		return
	}
	elapsed := now.Sub(t.last).Seconds()
	if elapsed <= 0 {
		return
	}
	t.tokens += elapsed * t.refillRate
	if t.tokens > t.capacity {
		t.tokens = t.capacity
	}
	t.last = now
}

// TxHashSetCooldown enforces the ≤1-per-2h TxHashSetRequest limit:
// a per-peer timestamp gate rather than a token
// bucket, since the limit is a hard minimum spacing, not a rate.
type TxHashSetCooldown struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen time.Time
	seen     bool
}

func NewTxHashSetCooldown() *TxHashSetCooldown {
	return &TxHashSetCooldown{window: 2 * time.Hour}
}

// Allow reports whether a TxHashSetRequest at now is within policy, and
// records it as the new last-seen time regardless of outcome so repeated
// requests within the window are each flagged for banning.
func (c *TxHashSetCooldown) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := !c.seen || now.Sub(c.lastSeen) >= c.window
	c.lastSeen = now
	c.seen = true
	return ok
}
