package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sessionLimiter is a token-bucket limiter keyed by session id. Buckets that
// have been idle for longer than idleTTL are dropped on the next sweep.
type sessionLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	buckets map[string]*sessionBucket
	now     func() time.Time
	calls   int
}

type sessionBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterSweepEvery = 1024

// newSessionLimiter allows perMinute turns per session, with bursts of the
// same size. perMinute <= 0 disables limiting.
func newSessionLimiter(perMinute int) *sessionLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &sessionLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idleTTL: 10 * time.Minute,
		buckets: make(map[string]*sessionBucket),
		now:     time.Now,
	}
}

// Allow reports whether session may take another turn now. A nil limiter
// allows everything. Safe for concurrent use.
func (l *sessionLimiter) Allow(session string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%limiterSweepEvery == 0 {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
	}

	b, ok := l.buckets[session]
	if !ok {
		b = &sessionBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[session] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
