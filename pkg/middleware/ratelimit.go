package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limits is a token-bucket setting read on every request so config reloads
// take effect without a restart.
type Limits struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// Limiter decides whether one more request under key fits in l.
type Limiter interface {
	Allow(ctx context.Context, key string, l Limits) (allowed bool, retryAfter time.Duration, err error)
}

// LocalLimiter keeps one in-process bucket per key.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, lim Limits) (bool, time.Duration, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(lim.RPS), lim.Burst)
		l.buckets[key] = b
	}
	if b.Limit() != rate.Limit(lim.RPS) {
		b.SetLimit(rate.Limit(lim.RPS))
	}
	if b.Burst() != lim.Burst {
		b.SetBurst(lim.Burst)
	}
	l.mu.Unlock()

	if b.Allow() {
		return true, 0, nil
	}
	retry := time.Second
	if lim.RPS > 0 {
		retry = time.Duration(float64(time.Second) / lim.RPS)
	}
	return false, retry, nil
}

const redisKeyPrefix = "gateway:ratelimit:"

// RedisLimiter shares buckets across gateway replicas.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{limiter: redis_rate.NewLimiter(rdb)}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, lim Limits) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := l.limiter.Allow(ctx, redisKeyPrefix+key, redisLimit(lim))
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.RetryAfter, nil
}

// Reset clears the shared bucket for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.limiter.Reset(ctx, redisKeyPrefix+key)
}

// redisLimit expresses a fractional RPS as whole requests per period.
func redisLimit(lim Limits) redis_rate.Limit {
	burst := lim.Burst
	if burst < 1 {
		burst = 1
	}
	if lim.RPS >= 1 {
		return redis_rate.Limit{Rate: int(math.Round(lim.RPS)), Burst: burst, Period: time.Second}
	}
	perMinute := int(math.Max(1, math.Round(lim.RPS*60)))
	return redis_rate.Limit{Rate: perMinute, Burst: burst, Period: time.Minute}
}

const throttledKey contextKey = "throttled"

// Throttled reports whether RateLimit found the request over its limit.
func Throttled(ctx context.Context) bool {
	v, _ := ctx.Value(throttledKey).(bool)
	return v
}

// RateLimit marks requests over the current limits and passes them on; the
// handler checks Throttled and answers without the model. Retry-After is set
// on marked requests. Limiter errors fail open.
func RateLimit(key string, limiter Limiter, limits func() Limits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := limits()
			if !lim.Enabled || lim.RPS <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), key, lim)
			if err != nil {
				log.Warn().Str("component", "http").Str("limiter", key).Err(err).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				rateLimited.WithLabelValues(key).Inc()
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				r = r.WithContext(context.WithValue(r.Context(), throttledKey, true))
			}
			next.ServeHTTP(w, r)
		})
	}
}
