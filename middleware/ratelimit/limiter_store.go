package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleTimeout = 10 * time.Minute

// limiterStore holds one token bucket per client, bounded to maxSize
// clients. Idle clients are dropped first, then the least recently seen.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[uint64]*timestampedLimiter
	maxSize  int

	limit rate.Limit
	burst int
}

type timestampedLimiter struct {
	rl       *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(maxSize int, limit rate.Limit, burst int) *limiterStore {
	if maxSize <= 0 {
		maxSize = 1
	}

	return &limiterStore{
		limiters: make(map[uint64]*timestampedLimiter),
		maxSize:  maxSize,
		limit:    limit,
		burst:    burst,
	}
}

// get returns the limiter of key, creating it when missing.
func (s *limiterStore) get(key uint64, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tl, ok := s.limiters[key]; ok {
		tl.lastSeen = now
		return tl.rl
	}

	if len(s.limiters) >= s.maxSize {
		s.cleanup(now.Add(-idleTimeout))
	}

	if len(s.limiters) >= s.maxSize {
		s.evictOne()
	}

	tl := &timestampedLimiter{rl: rate.NewLimiter(s.limit, s.burst), lastSeen: now}
	s.limiters[key] = tl

	return tl.rl
}

func (s *limiterStore) evictOne() {
	var oldestKey uint64
	var oldestTime time.Time
	first := true

	for k, v := range s.limiters {
		if first || v.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = v.lastSeen
			first = false
		}
	}

	if !first {
		delete(s.limiters, oldestKey)
	}
}

func (s *limiterStore) cleanup(cutoff time.Time) {
	for k, v := range s.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
		}
	}
}

func (s *limiterStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
