package monitor

import (
	"sync"
	"time"
)

// ReportLimiter throttles anomaly reports (warn logs and bus events) with
// token buckets: one shared by all senders and one per sender address.
// Metrics are always counted; only the reporting is suppressed.
type ReportLimiter struct {
	globalLimit    int
	perSourceLimit int
	globalTokens   int
	perSource      map[string]*sourceBucket
	suppressed     uint64
	mu             sync.Mutex
	lastRefill     time.Time
	refillInterval time.Duration
	now            func() time.Time
}

type sourceBucket struct {
	tokens   int
	lastSeen time.Time
}

// NewReportLimiter allows up to globalLimit reports per second in total and
// perSourceLimit per second from any one sender. A nil limiter allows
// everything.
func NewReportLimiter(globalLimit, perSourceLimit int) *ReportLimiter {
	if globalLimit <= 0 {
		globalLimit = 100
	}
	if perSourceLimit <= 0 {
		perSourceLimit = 10
	}
	r := &ReportLimiter{
		globalLimit:    globalLimit,
		perSourceLimit: perSourceLimit,
		globalTokens:   globalLimit,
		perSource:      make(map[string]*sourceBucket),
		refillInterval: time.Second,
		now:            time.Now,
	}
	r.lastRefill = r.now()
	return r
}

// Allow reports whether an anomaly from source may be reported.
func (r *ReportLimiter) Allow(source string) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.refill(now)

	bucket, exists := r.perSource[source]
	if !exists {
		bucket = &sourceBucket{tokens: r.perSourceLimit}
		r.perSource[source] = bucket
	}
	bucket.lastSeen = now

	if r.globalTokens <= 0 || bucket.tokens <= 0 {
		r.suppressed++
		return false
	}

	r.globalTokens--
	bucket.tokens--
	return true
}

// refill adds tokens back based on elapsed time since last refill.
func (r *ReportLimiter) refill(now time.Time) {
	intervals := int(now.Sub(r.lastRefill) / r.refillInterval)
	if intervals <= 0 {
		return
	}
	r.lastRefill = now

	r.globalTokens = min(r.globalTokens+r.globalLimit*intervals, r.globalLimit)

	// Refill per-source tokens and forget quiet senders
	staleThreshold := 30 * time.Second
	for src, bucket := range r.perSource {
		if now.Sub(bucket.lastSeen) > staleThreshold {
			delete(r.perSource, src)
			continue
		}
		bucket.tokens = min(bucket.tokens+r.perSourceLimit*intervals, r.perSourceLimit)
	}
}

// Suppressed returns how many reports were withheld.
func (r *ReportLimiter) Suppressed() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}
