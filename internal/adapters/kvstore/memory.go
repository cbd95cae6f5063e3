package kvstore

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/poyrazK/veriflow/internal/core/ports"
)

// shardCount determines the number of internal shards to reduce lock contention.
const shardCount = 256

type entry struct {
	value     int64
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]entry
}

// MemoryStore is a sharded, in-process CounterStore and ReplayStore for
// single-node deployments and tests. Every operation holds the shard lock,
// which gives the same atomicity the Redis scripts provide.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryStore initializes the shards and starts the background expiry loop.
func NewMemoryStore() *MemoryStore {
	s := newMemoryStore(time.Now)
	go s.cleanupLoop(time.Minute)
	return s
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	s := &MemoryStore{now: now, stop: make(chan struct{})}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &shard{items: make(map[string]entry)}
	}
	return s
}

func (s *MemoryStore) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key)) // #nosec G104
	return s.shards[h.Sum32()%shardCount]
}

// live returns the entry for key if present and unexpired. Caller holds the lock.
func (s *MemoryStore) live(sh *shard, key string) (entry, bool) {
	e, ok := sh.items[key]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(sh.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := s.live(sh, key); ok {
		return false, nil
	}
	sh.items[key] = entry{value: 1, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.live(sh, key)
	return e.value, ok, nil
}

func (s *MemoryStore) InitCounter(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := s.live(sh, key); ok {
		return e.value, nil
	}
	sh.items[key] = entry{value: value, expiresAt: s.now().Add(ttl)}
	return value, nil
}

func (s *MemoryStore) IncrementIfBelow(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (int64, bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.live(sh, key)
	if !ok {
		return 0, false, ports.ErrCounterMissing
	}
	if e.value+amount > limit {
		return e.value, false, nil
	}
	e.value += amount
	e.expiresAt = s.now().Add(ttl)
	sh.items[key] = e
	return e.value, true, nil
}

// Delete drops a key. Used to simulate eviction.
func (s *MemoryStore) Delete(key string) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.items, key)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if !now.Before(e.expiresAt) {
				delete(sh.items, k)
			}
		}
		sh.mu.Unlock()
	}
}
