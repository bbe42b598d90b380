package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process fallback backend: a map from key to an ascending
// queue of admission timestamps (unix ms), guarded by one mutex.
//
// Entries self-purge on the next access to the same key. Keys that are never
// touched again linger until Sweep() runs (the maintenance cron calls it).
type Memory struct {
	mu      sync.Mutex
	buckets map[string][]int64

	now func() time.Time // test hook
}

func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string][]int64),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	if window <= 0 {
		return false, ErrWindow
	}

	nowMS := m.now().UnixMilli()
	cutoff := nowMS - window.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[key]
	i := 0
	for i < len(bucket) && bucket[i] <= cutoff {
		i++
	}
	if i > 0 {
		bucket = append(bucket[:0], bucket[i:]...)
	}
	if len(bucket) >= limit {
		m.buckets[key] = bucket
		return false, nil
	}
	m.buckets[key] = append(bucket, nowMS)
	return true, nil
}

// Sweep drops keys whose newest admission is older than maxIdle. It bounds
// memory growth for one-off keys that lazy purging never revisits.
func (m *Memory) Sweep(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, bucket := range m.buckets {
		if len(bucket) == 0 || bucket[len(bucket)-1] <= cutoff {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys. Used by the sweep job's log line.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
