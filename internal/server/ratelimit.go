package server

import (
	"context"
	"sync"
	"time"

	"coursecast/internal/kv"
)

// RateLimitConfig bounds request intake. The global bucket shields the whole
// process; the chunk limit throttles the one route clients hit in a loop.
// When Store is set the chunk windows live in the shared key-value store so
// every instance enforces the same budget.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int

	ChunkLimit  int
	ChunkWindow time.Duration

	Store        kv.Store
	StoreTimeout time.Duration

	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global       *tokenBucket
	chunkLimit   int
	chunkWindow  time.Duration
	chunkMu      sync.Mutex
	chunkBuckets map[string]*keyLimiter
	store        windowStore
}

type keyLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type windowStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		chunkLimit:   cfg.ChunkLimit,
		chunkWindow:  cfg.ChunkWindow,
		chunkBuckets: make(map[string]*keyLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.chunkWindow <= 0 {
		rl.chunkWindow = time.Minute
	}
	if cfg.Store != nil && rl.chunkLimit > 0 {
		timeout := cfg.StoreTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = &kvWindowStore{store: cfg.Store, timeout: timeout}
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowChunk(key string) (bool, time.Duration, error) {
	if r == nil || r.chunkLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow("coursecast:ratelimit:chunks:"+key, r.chunkLimit, r.chunkWindow)
	}
	r.chunkMu.Lock()
	limiter, exists := r.chunkBuckets[key]
	if !exists {
		rate := float64(r.chunkLimit) / r.chunkWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.chunkWindow.Seconds()
		}
		limiter = &keyLimiter{bucket: newTokenBucket(rate, r.chunkLimit)}
		r.chunkBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.chunkMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.chunkBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.chunkWindow)
	for key, limiter := range r.chunkBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.chunkBuckets, key)
		}
	}
}

// kvWindowStore counts attempts per fixed window in the shared store. The
// first increment stamps the TTL; later increments within the window see the
// existing counter.
type kvWindowStore struct {
	store   kv.Store
	timeout time.Duration
}

func (s *kvWindowStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	count, err := s.store.IncrBy(ctx, key, 1)
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.store.Expire(ctx, key, window); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.store.TTL(ctx, key)
	if err != nil {
		return false, window, nil
	}
	if ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
