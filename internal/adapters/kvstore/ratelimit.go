package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/poyrazK/veriflow/internal/core/ports"
)

// MemoryLimiter implements an in-process token bucket per key.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow drains one token from the bucket at key.
func (rl *MemoryLimiter) Allow(ctx context.Context, key string, rate float64, burst int) (bool, time.Duration, error) {
	denied, wait, err := rl.AllowAll(ctx, ports.Bucket{Key: key, Rate: rate, Burst: burst})
	return err == nil && denied < 0, wait, err
}

func (rl *MemoryLimiter) AllowAll(_ context.Context, buckets ...ports.Bucket) (int, time.Duration, error) {
	for _, spec := range buckets {
		if spec.Rate <= 0 || spec.Burst <= 0 {
			return -1, 0, errors.New("rate and burst must be positive")
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	denied := -1
	for i, spec := range buckets {
		b := rl.refill(spec, now)
		if denied < 0 && b.tokens < 1 {
			denied = i
		}
	}
	if denied >= 0 {
		spec := buckets[denied]
		return denied, retryAfter(rl.buckets[spec.Key].tokens, spec.Rate), nil
	}
	for _, spec := range buckets {
		rl.buckets[spec.Key].tokens--
	}
	return -1, 0, nil
}

// refill tops the bucket up for the time elapsed since it was last touched.
func (rl *MemoryLimiter) refill(spec ports.Bucket, now time.Time) *bucket {
	b, exists := rl.buckets[spec.Key]
	if !exists {
		b = &bucket{tokens: float64(spec.Burst), last: now}
		rl.buckets[spec.Key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.last = now
	b.tokens += elapsed * spec.Rate
	if b.tokens > float64(spec.Burst) {
		b.tokens = float64(spec.Burst)
	}
	return b
}

// Cleanup removes buckets idle for longer than maxIdle.
func (rl *MemoryLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.last) > maxIdle {
			delete(rl.buckets, key)
		}
	}
}
