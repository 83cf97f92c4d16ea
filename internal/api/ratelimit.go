package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*tokenBucket
	rps     int
	burst   int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(rps, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(rps),
		lastRefill: now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	return &rateLimiter{
		clients: make(map[string]*tokenBucket),
		rps:     cfg.RPS,
		burst:   burst,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// janitor drops idle buckets until close is called.
func (rl *rateLimiter) janitor(every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep(idle)
		}
	}
}

func (rl *rateLimiter) sweep(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for k, v := range rl.clients {
		if now.Sub(v.lastRefill) > idle {
			delete(rl.clients, k)
		}
	}
}

func (rl *rateLimiter) close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	bucket, ok := rl.clients[key]
	if !ok {
		bucket = newTokenBucket(rl.rps, rl.burst, now)
		rl.clients[key] = bucket
	}
	return bucket.allow(now)
}

// middleware limits each client, keyed by user id when known and by IP
// otherwise. It must run after the auth middleware.
func (rl *rateLimiter) middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isHealthPath(c.Path()) {
			return c.Next()
		}

		key := "ip:" + c.IP()
		if u := userID(c); u != "" {
			key = "user:" + u
		}

		if !rl.allow(key) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
