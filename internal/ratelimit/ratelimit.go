// Package ratelimit throttles mutating requests per caller with a Redis
// token bucket shared across instances, falling back to an in-process
// limiter when Redis is absent or failing.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Config struct {
	// Capacity is the bucket size (burst).
	Capacity int
	// PerMinute is the refill rate.
	PerMinute int
	Prefix    string
}

type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + intervals)
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// RedisBucket refills one token every minute/PerMinute.
type RedisBucket struct {
	client   *redis.Client
	cfg      Config
	interval time.Duration
	now      func() time.Time
}

func NewRedisBucket(client *redis.Client, cfg Config) *RedisBucket {
	cfg = withDefaults(cfg)
	return &RedisBucket{
		client:   client,
		cfg:      cfg,
		interval: time.Minute / time.Duration(cfg.PerMinute),
		now:      time.Now,
	}
}

func (b *RedisBucket) Allow(ctx context.Context, key string) (Result, error) {
	ttl := int64(math.Ceil(float64(b.cfg.Capacity)*b.interval.Seconds())) + 1
	vals, err := bucketScript.Run(ctx, b.client, []string{b.cfg.Prefix + key},
		b.now().UnixMilli(), b.cfg.Capacity, b.interval.Milliseconds(), ttl,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected result %v", vals)
	}
	return Result{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Local keeps one x/time/rate limiter per key.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocal(cfg Config) *Local {
	cfg = withDefaults(cfg)
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(cfg.PerMinute) / 60),
		burst:    cfg.Capacity,
	}
}

func (l *Local) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func (l *Local) Allow(_ context.Context, key string) (Result, error) {
	limiter := l.get(key)
	reservation := limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return Result{Allowed: false, RetryAfter: delay}, nil
	}
	return Result{Allowed: true, Remaining: int64(limiter.Tokens())}, nil
}

// Fallback asks primary and uses secondary when primary errors.
type Fallback struct {
	Primary   Limiter
	Secondary Limiter
}

func (f Fallback) Allow(ctx context.Context, key string) (Result, error) {
	if f.Primary != nil {
		res, err := f.Primary.Allow(ctx, key)
		if err == nil {
			return res, nil
		}
		log.Warn().Err(err).Msg("ratelimit: redis unavailable, using local limiter")
	}
	return f.Secondary.Allow(ctx, key)
}

// New picks the Redis bucket with a local fallback, or just the local
// limiter when client is nil.
func New(client *redis.Client, cfg Config) Limiter {
	local := NewLocal(cfg)
	if client == nil {
		return local
	}
	return Fallback{Primary: NewRedisBucket(client, cfg), Secondary: local}
}

// KeyFunc picks the bucket for a request; returning "" skips limiting.
type KeyFunc func(c *gin.Context) string

// Middleware rejects with 429 and the API's error envelope.
func Middleware(limiter Limiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" || limiter == nil {
			c.Next()
			return
		}
		res, err := limiter.Allow(c.Request.Context(), k)
		if err != nil {
			log.Warn().Err(err).Str("key", k).Msg("ratelimit: check failed, allowing request")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		if !res.Allowed {
			secs := int(math.Ceil(res.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"error":   "Too many requests. Please wait.",
				"details": gin.H{"retryAfter": secs},
			})
			return
		}
		c.Next()
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 30
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit:"
	}
	return cfg
}
