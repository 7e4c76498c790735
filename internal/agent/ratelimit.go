package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket per sender that throttles backend calls so one
// chatty participant cannot starve the others.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     float64
	rate    float64 // tokens per second
	idle    time.Duration
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	rate := ratePerMinute / 60.0
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		max:     float64(maxBurst),
		rate:    rate,
		// A bucket idle this long is full again and can be forgotten.
		idle: time.Duration(float64(maxBurst) / rate * float64(time.Second)),
	}
}

// Wait blocks until sender may make another call or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, sender string) error {
	if rl == nil {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		b, ok := rl.buckets[sender]
		if !ok {
			b = &bucket{tokens: rl.max, lastTime: now}
			rl.buckets[sender] = b
			rl.sweep(now)
		}
		b.tokens += now.Sub(b.lastTime).Seconds() * rl.rate
		if b.tokens > rl.max {
			b.tokens = rl.max
		}
		b.lastTime = now

		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - b.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// sweep drops buckets that have refilled completely. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, b := range rl.buckets {
		if now.Sub(b.lastTime) > rl.idle {
			delete(rl.buckets, k)
		}
	}
}

// Len returns the number of tracked senders.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
