package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openalpha/oes/metrics"
)

// RateLimiter applies token buckets per client IP for general traffic and
// per account for order entry.
type RateLimiter struct {
	config Config

	bucketsMu sync.Mutex
	buckets   map[string]*bucket

	orderBucketsMu sync.Mutex
	orderBuckets   map[string]*bucket

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// Config tunes the limiter.
type Config struct {
	// General requests per second per IP, with burst capacity.
	RequestsPerSecond int
	Burst             int
	// How long an offender stays blocked after exhausting a bucket.
	BlockDuration time.Duration

	// Order submissions per second per account, with burst capacity.
	OrdersPerSecond int
	OrderBurst      int

	// Unused buckets are dropped after TTL.
	CleanupInterval time.Duration
	BucketTTL       time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		Burst:             200,
		BlockDuration:     time.Minute,
		OrdersPerSecond:   10,
		OrderBurst:        20,
		CleanupInterval:   5 * time.Minute,
		BucketTTL:         time.Hour,
	}
}

type bucket struct {
	mu           sync.Mutex
	tokens       float64
	maxTokens    float64
	refillRate   float64 // tokens per second
	lastUpdate   time.Time
	blockedUntil time.Time
}

// Info reports the outcome of one limit check.
type Info struct {
	Allowed    bool
	Remaining  int
	Limit      int
	RetryAfter int // seconds; zero when allowed
}

// NewRateLimiter starts a limiter with its cleanup loop.
func NewRateLimiter(config Config) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config = DefaultConfig()
	}
	rl := &RateLimiter{
		config:        config,
		buckets:       make(map[string]*bucket),
		orderBuckets:  make(map[string]*bucket),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		stopCh:        make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
		rl.cleanupTicker.Stop()
	})
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.config.BucketTTL)

	rl.bucketsMu.Lock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if b.lastUpdate.Before(threshold) {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
	rl.bucketsMu.Unlock()

	rl.orderBucketsMu.Lock()
	for key, b := range rl.orderBuckets {
		b.mu.Lock()
		if b.lastUpdate.Before(threshold) {
			delete(rl.orderBuckets, key)
		}
		b.mu.Unlock()
	}
	rl.orderBucketsMu.Unlock()
}

func (rl *RateLimiter) getBucket(key string) *bucket {
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b
	}
	b := &bucket{
		tokens:     float64(rl.config.Burst),
		maxTokens:  float64(rl.config.Burst),
		refillRate: float64(rl.config.RequestsPerSecond),
		lastUpdate: time.Now(),
	}
	rl.buckets[key] = b
	return b
}

func (rl *RateLimiter) getOrderBucket(key string) *bucket {
	rl.orderBucketsMu.Lock()
	defer rl.orderBucketsMu.Unlock()
	if b, ok := rl.orderBuckets[key]; ok {
		return b
	}
	b := &bucket{
		tokens:     float64(rl.config.OrderBurst),
		maxTokens:  float64(rl.config.OrderBurst),
		refillRate: float64(rl.config.OrdersPerSecond),
		lastUpdate: time.Now(),
	}
	rl.orderBuckets[key] = b
	return b
}

// AllowRequest checks the general per-IP limit.
func (rl *RateLimiter) AllowRequest(ip string) Info {
	return rl.tryConsume(rl.getBucket(ip))
}

// AllowOrder checks the order-entry limit for one account.
func (rl *RateLimiter) AllowOrder(accountID string) Info {
	return rl.tryConsume(rl.getOrderBucket(accountID))
}

func (rl *RateLimiter) tryConsume(b *bucket) Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Before(b.blockedUntil) {
		return Info{
			Limit:      int(b.maxTokens),
			RetryAfter: int(b.blockedUntil.Sub(now).Seconds()) + 1,
		}
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return Info{Allowed: true, Remaining: int(b.tokens), Limit: int(b.maxTokens)}
	}

	b.blockedUntil = now.Add(rl.config.BlockDuration)
	return Info{
		Limit:      int(b.maxTokens),
		RetryAfter: int(rl.config.BlockDuration.Seconds()),
	}
}

// Middleware enforces the per-IP limit and stamps rate-limit headers.
func Middleware(rl *RateLimiter, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := rl.AllowRequest(clientIP(r))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
			if !info.Allowed {
				metrics.GetCollector().RecordRateLimitHit("ip")
				if info.RetryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", info.RetryAfter))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code":        "RATE_LIMITED",
					"detail":      "too many requests, slow down",
					"retry_after": info.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteOrderLimit writes the 429 response for an exhausted order bucket.
func WriteOrderLimit(w http.ResponseWriter, info Info) {
	metrics.GetCollector().RecordRateLimitHit("orders")
	w.Header().Set("X-RateLimit-Order-Limit", fmt.Sprintf("%d", info.Limit))
	if info.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", info.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":        "RATE_LIMITED",
		"detail":      "order rate limit exceeded for account",
		"retry_after": info.RetryAfter,
	})
}

// Stats summarizes limiter occupancy.
type Stats struct {
	Buckets      int `json:"buckets"`
	OrderBuckets int `json:"order_buckets"`
	Blocked      int `json:"blocked"`
}

// GetStats reports current limiter occupancy.
func (rl *RateLimiter) GetStats() Stats {
	now := time.Now()

	rl.bucketsMu.Lock()
	total := len(rl.buckets)
	blocked := 0
	for _, b := range rl.buckets {
		b.mu.Lock()
		if now.Before(b.blockedUntil) {
			blocked++
		}
		b.mu.Unlock()
	}
	rl.bucketsMu.Unlock()

	rl.orderBucketsMu.Lock()
	orders := len(rl.orderBuckets)
	rl.orderBucketsMu.Unlock()

	return Stats{Buckets: total, OrderBuckets: orders, Blocked: blocked}
}
