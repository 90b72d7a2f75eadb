package validation

import (
	"sync"
	"time"

	"github.com/lgulliver/mediavault/pkg/config"
)

// BucketClass selects which independent token bucket a request draws from
type BucketClass string

const (
	BucketGeneral    BucketClass = "general"
	BucketUpload     BucketClass = "upload"
	BucketMonitoring BucketClass = "monitoring"
)

type bucketLimit struct {
	capacity float64
	window   time.Duration
}

type bucket struct {
	tokens float64
	last   time.Time
}

// RateLimiter is a token-bucket store keyed by (class, client identity).
// Each class refills independently at capacity tokens per window.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[BucketClass]bucketLimit
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates buckets for the configured per-class limits
func NewRateLimiter(cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limits: map[BucketClass]bucketLimit{
			BucketGeneral:    {capacity: float64(cfg.GeneralLimit), window: cfg.Window},
			BucketUpload:     {capacity: float64(cfg.UploadLimit), window: cfg.Window},
			BucketMonitoring: {capacity: float64(cfg.MonitoringLimit), window: cfg.Window},
		},
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token from the class bucket for the client identity.
// When denied, the returned duration is a hint for Retry-After.
func (rl *RateLimiter) Allow(class BucketClass, identity string) (bool, time.Duration) {
	limit, ok := rl.limits[class]
	if !ok || limit.capacity <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := string(class) + ":" + identity
	now := rl.now()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: limit.capacity, last: now}
		rl.buckets[key] = b
	}

	// Continuous refill at capacity/window
	rate := limit.capacity / limit.window.Seconds()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > limit.capacity {
			b.tokens = limit.capacity
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	retryAfter := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter
}

// Prune drops buckets idle longer than age; called by the reaper to bound
// the store
func (rl *RateLimiter) Prune(age time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-age)
	for key, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}
