// Package ratelimit is a fixed-window limiter kept in Redis so every gateway
// replica shares the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/logger"
)

var incrWithTTL = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type Limiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// New allows limit requests per window for each subject.
func New(rdb *redis.Client, prefix string, limit int64, window time.Duration) *Limiter {
	return &Limiter{
		redis:  rdb,
		limit:  limit,
		window: window,
		prefix: prefix,
		log:    logger.New("ratelimit"),
		now:    time.Now,
	}
}

// Allow counts one request for subject in the current window.
func (l *Limiter) Allow(ctx context.Context, subject string) (allowed bool, used int64, resetAt time.Time, err error) {
	now := l.now().UTC()
	windowStart := now.Truncate(l.window)
	windowEnd := windowStart.Add(l.window)
	ttl := int64(windowEnd.Sub(now).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:ratelimit:%s:%d", l.prefix, subject, windowStart.Unix())
	res, err := incrWithTTL.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= l.limit, res, windowEnd, nil
}

// Middleware rejects over-limit requests with 429. Requests are keyed on
// X-User-ID, set by the auth proxy, and fall back to the client address.
// When Redis is unreachable requests are let through.
func (l *Limiter) Middleware(onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, used, resetAt, err := l.Allow(r.Context(), Subject(r))
			if err != nil {
				l.log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			remaining := l.limit - used
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if !allowed {
				if onLimited != nil {
					onLimited()
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Subject is the identity a request is counted against.
func Subject(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
