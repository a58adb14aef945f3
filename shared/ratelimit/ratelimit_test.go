package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := New(rdb, "codeforge", limit, time.Minute)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC) }
	return l, mr
}

func TestAllowCountsPerWindow(t *testing.T) {
	l, mr := newLimiter(t, 2)
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		allowed, used, resetAt, err := l.Allow(ctx, "user:u1")
		require.NoError(t, err)
		assert.Equal(t, want, allowed, "call %d", i+1)
		assert.Equal(t, int64(i+1), used)
		assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), resetAt)
	}

	allowed, _, _, err := l.Allow(ctx, "user:u2")
	require.NoError(t, err)
	assert.True(t, allowed, "subjects are counted separately")

	key := "codeforge:ratelimit:user:u1:" + "1772359200"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 30*time.Second, mr.TTL(key))
}

func TestMiddleware(t *testing.T) {
	l, _ := newLimiter(t, 1)
	limited := 0
	h := l.Middleware(func() { limited++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/chats/c1/messages", nil)
	req.Header.Set("X-User-ID", "u1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, limited)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()
	l := New(rdb, "codeforge", 1, time.Minute)

	h := l.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", Subject(r))
	r.Header.Set("X-User-ID", "abc")
	assert.Equal(t, "user:abc", Subject(r))
}
