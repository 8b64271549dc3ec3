package ratelimit

import (
	"context"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShards = 16

// MemoryLimiter keeps per-client windows in process memory.
type MemoryLimiter struct {
	limits  []Limit
	longest time.Duration
	now     func() time.Time
	seed    maphash.Seed
	shards  []*clientShard

	total    atomic.Int64
	rejected atomic.Int64
}

type clientShard struct {
	mu      sync.Mutex
	clients map[string][]time.Time // ascending timestamps
}

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithShards sets the number of independently locked client partitions.
func WithShards(n int) MemoryOption {
	return func(m *MemoryLimiter) {
		if n > 0 {
			m.shards = make([]*clientShard, n)
		}
	}
}

// NewMemory creates an in-memory limiter enforcing all limits.
func NewMemory(limits []Limit, opts ...MemoryOption) (*MemoryLimiter, error) {
	longest, err := validateLimits(limits)
	if err != nil {
		return nil, err
	}
	m := &MemoryLimiter{
		limits:  append([]Limit(nil), limits...),
		longest: longest,
		now:     time.Now,
		seed:    maphash.MakeSeed(),
		shards:  make([]*clientShard, defaultShards),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = &clientShard{clients: make(map[string][]time.Time)}
	}
	return m, nil
}

func (m *MemoryLimiter) shardFor(clientID string) *clientShard {
	return m.shards[maphash.String(m.seed, clientID)%uint64(len(m.shards))]
}

// Admit checks every window for clientID and records the request when all
// of them have room. The check and the record happen under one lock, so two
// concurrent requests cannot both take the last slot.
func (m *MemoryLimiter) Admit(_ context.Context, clientID string) (Decision, error) {
	m.total.Add(1)
	now := m.now()
	s := m.shardFor(clientID)

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := purge(s.clients[clientID], now, m.longest)

	remaining := -1
	for _, l := range m.limits {
		idx := firstInside(stamps, now, l.Window)
		count := len(stamps) - idx
		if count >= l.Requests {
			if len(stamps) == 0 {
				delete(s.clients, clientID)
			} else {
				s.clients[clientID] = stamps
			}
			m.rejected.Add(1)
			return Decision{
				Allowed:    false,
				Limit:      l.Name,
				RetryAfter: stamps[idx].Add(l.Window).Sub(now),
			}, nil
		}
		if left := l.Requests - count - 1; remaining < 0 || left < remaining {
			remaining = left
		}
	}

	s.clients[clientID] = append(stamps, now)
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Reset forgets every recorded request for clientID.
func (m *MemoryLimiter) Reset(clientID string) {
	s := m.shardFor(clientID)
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// Sweep drops clients with no request inside the longest window and returns
// how many were dropped.
func (m *MemoryLimiter) Sweep() int {
	dropped := 0
	for _, s := range m.shards {
		now := m.now()
		s.mu.Lock()
		for id, stamps := range s.clients {
			if len(stamps) == 0 || now.Sub(stamps[len(stamps)-1]) >= m.longest {
				delete(s.clients, id)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// Run sweeps idle clients every interval until ctx is done.
func (m *MemoryLimiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep()
		}
	}
}

// Stats returns request counters and the number of tracked clients.
func (m *MemoryLimiter) Stats() Stats {
	tracked := 0
	for _, s := range m.shards {
		s.mu.Lock()
		tracked += len(s.clients)
		s.mu.Unlock()
	}
	return Stats{
		Total:          m.total.Load(),
		Rejected:       m.rejected.Load(),
		TrackedClients: tracked,
	}
}

// purge drops timestamps that have left the longest window, reusing the
// backing array.
func purge(stamps []time.Time, now time.Time, longest time.Duration) []time.Time {
	idx := firstInside(stamps, now, longest)
	if idx == 0 {
		return stamps
	}
	n := copy(stamps, stamps[idx:])
	return stamps[:n]
}

// firstInside returns the index of the oldest timestamp t with now-t < window.
func firstInside(stamps []time.Time, now time.Time, window time.Duration) int {
	return sort.Search(len(stamps), func(i int) bool {
		return now.Sub(stamps[i]) < window
	})
}
