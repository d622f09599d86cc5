// Package ratelimit bounds per-identity request volume over fixed, aligned
// time windows. Consumption is an atomic "increment if below limit" so that
// concurrent callers across processes cannot overrun a shared limit.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter consumes one unit from the bucket for key. A limit of zero or
// below disables limiting: the call always succeeds without consuming.
type Limiter interface {
	CheckAndConsume(key string, limit int, window time.Duration) Decision
}

// Key builds the per-identity bucket key.
func Key(tenantID, userID string) string {
	return tenantID + "#" + userID
}

// WindowStart aligns now to the fixed window boundary.
func WindowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = time.Minute
	}
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return time.Unix((now.Unix()/secs)*secs, 0).UTC()
}

func bucketKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("%s#%d", key, windowStart.Unix())
}

// InMemoryLimiter is the single-process implementation, used in tests and
// when no shared store is configured.
type InMemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]inMemoryBucket
}

type inMemoryBucket struct {
	count     int
	expiresAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{now: time.Now, buckets: map[string]inMemoryBucket{}}
}

// SetClock overrides the window clock; tests only.
func (l *InMemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *InMemoryLimiter) CheckAndConsume(key string, limit int, window time.Duration) Decision {
	if window <= 0 {
		window = time.Minute
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	start := WindowStart(now, window)
	resetAt := start.Add(window)
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: resetAt}
	}
	l.evictLocked(now)
	bk := bucketKey(key, start)
	bucket := l.buckets[bk]
	if bucket.count >= limit {
		return Decision{Allowed: false, Count: bucket.count, Limit: limit, ResetAt: resetAt}
	}
	bucket.count++
	// Safety margin past the window end before the row is reclaimed.
	bucket.expiresAt = resetAt.Add(window)
	l.buckets[bk] = bucket
	return Decision{
		Allowed:   true,
		Count:     bucket.count,
		Limit:     limit,
		Remaining: limit - bucket.count,
		ResetAt:   resetAt,
	}
}

func (l *InMemoryLimiter) evictLocked(now time.Time) {
	for k, v := range l.buckets {
		if now.After(v.expiresAt) {
			delete(l.buckets, k)
		}
	}
}
