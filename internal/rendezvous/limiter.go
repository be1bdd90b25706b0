package rendezvous

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAge = 5 * time.Minute

	// limiterShards spreads principals over independent mutexes so opens
	// from different keys rarely contend.
	limiterShards = 16
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// openLimiter is a sharded per-principal token bucket.
type openLimiter struct {
	limit  rate.Limit
	burst  int
	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newOpenLimiter(perSecond float64, burst int) *openLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &openLimiter{limit: rate.Limit(perSecond), burst: burst}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*limiterEntry)
	}
	return l
}

func (l *openLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%limiterShards]
}

func (l *openLimiter) allow(key string) bool {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// cleanup evicts idle principals across all shards.
func (l *openLimiter) cleanup() {
	now := time.Now()
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > limiterIdleAge {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}
