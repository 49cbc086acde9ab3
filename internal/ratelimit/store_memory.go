package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"veriflow/internal/platform/clock"
)

const shardCount = 32

// MemoryWindowStore implements WindowStore with fixed-capacity ring buffers
// per key, sharded across independently locked maps so unrelated keys never
// contend. Each ring holds at most `limit` timestamps, bounding memory per
// key regardless of traffic.
type MemoryWindowStore struct {
	shards [shardCount]windowShard
	clock  clock.Clock
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*ring
}

// ring is a fixed-capacity circular buffer of admission timestamps ordered
// oldest first.
type ring struct {
	buf    []time.Time
	head   int
	size   int
	window time.Duration
}

func NewMemoryWindowStore(clk clock.Clock) *MemoryWindowStore {
	s := &MemoryWindowStore{clock: clk}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*ring)
	}
	return s
}

func (s *MemoryWindowStore) shard(key string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryWindowStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := s.clock.Now()
	shard := s.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	r := shard.windows[key]
	if r == nil || cap(r.buf) != limit {
		r = &ring{buf: make([]time.Time, limit), window: window}
		shard.windows[key] = r
	}
	r.evict(now.Add(-window))

	if r.size >= limit {
		return &Result{
			Allowed:   false,
			Remaining: 0,
			Limit:     limit,
			ResetAt:   r.oldest().Add(window),
		}, nil
	}

	r.push(now)
	resetAt := r.oldest().Add(window)
	return &Result{
		Allowed:   true,
		Remaining: limit - r.size,
		Limit:     limit,
		ResetAt:   resetAt,
	}, nil
}

func (s *MemoryWindowStore) Count(_ context.Context, key string) (int, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	r := shard.windows[key]
	if r == nil {
		return 0, nil
	}
	r.evict(s.clock.Now().Add(-r.window))
	return r.size, nil
}

func (s *MemoryWindowStore) Reset(_ context.Context, key string) error {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.windows, key)
	return nil
}

func (r *ring) push(t time.Time) {
	r.buf[(r.head+r.size)%cap(r.buf)] = t
	r.size++
}

func (r *ring) oldest() time.Time {
	return r.buf[r.head]
}

// evict drops timestamps at or before the cutoff.
func (r *ring) evict(cutoff time.Time) {
	for r.size > 0 && !r.oldest().After(cutoff) {
		r.head = (r.head + 1) % cap(r.buf)
		r.size--
	}
}
