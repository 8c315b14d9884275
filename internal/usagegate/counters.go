package usagegate

import (
	"context"
	"sync"
	"time"
)

// CounterStore keeps keyed usage counters for the client-fallback path. Incr
// adds one to key and reports the new count and whether it is within limit.
// A window of zero means the counter never expires.
type CounterStore interface {
	Incr(ctx context.Context, key string, limit int64, window time.Duration) (count int64, allowed bool, err error)
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounters is an in-process CounterStore.
type MemoryCounters struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryCounters creates an empty MemoryCounters.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

func (m *MemoryCounters) Incr(_ context.Context, key string, limit int64, window time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || (!c.expiresAt.IsZero() && !now.Before(c.expiresAt)) {
		c = &memoryCounter{}
		if window > 0 {
			c.expiresAt = now.Add(window)
		}
		m.counters[key] = c
	}
	c.count++
	return c.count, c.count <= limit, nil
}
