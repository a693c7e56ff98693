package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimit_MarksRequestsOverBurst(t *testing.T) {
	var marks []bool
	h := RateLimit("llm", NewLocalLimiter(), func() Limits {
		return Limits{Enabled: true, RPS: 0.001, Burst: 2}
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		marks = append(marks, Throttled(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/deals", nil))
		assert.Equal(t, http.StatusOK, last.Code)
	}

	assert.Equal(t, []bool{false, false, true}, marks)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	h := RateLimit("llm", NewLocalLimiter(), func() Limits {
		return Limits{Enabled: false, RPS: 0.001, Burst: 1}
	})(okHandler)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestLocalLimiter_PicksUpNewLimits(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "llm", Limits{Enabled: true, RPS: 0.001, Burst: 1})
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, retry, _ := l.Allow(ctx, "llm", Limits{Enabled: true, RPS: 0.001, Burst: 1})
	assert.False(t, allowed)
	assert.Greater(t, retry, time.Second)

	_, _, _ = l.Allow(ctx, "llm", Limits{Enabled: true, RPS: 2, Burst: 5})
	assert.Equal(t, 5, l.buckets["llm"].Burst())
	assert.InDelta(t, 2.0, float64(l.buckets["llm"].Limit()), 1e-9)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, Limits) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit("llm", brokenLimiter{}, func() Limits {
		return Limits{Enabled: true, RPS: 1, Burst: 1}
	})(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestRedisLimit(t *testing.T) {
	l := redisLimit(Limits{RPS: 5, Burst: 10})
	assert.Equal(t, 5, l.Rate)
	assert.Equal(t, time.Second, l.Period)
	assert.Equal(t, 10, l.Burst)

	l = redisLimit(Limits{RPS: 0.5, Burst: 0})
	assert.Equal(t, 30, l.Rate)
	assert.Equal(t, time.Minute, l.Period)
	assert.Equal(t, 1, l.Burst)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	given := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, given)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, given, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid\nInjected: yes")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid\nInjected: yes", seen)
}

func TestRequestLogger_CapturesStatusAndRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestLogger)
	var rec *statusRecorder
	r.Get("/data/{resource}", func(w http.ResponseWriter, req *http.Request) {
		rec, _ = w.(*statusRecorder)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("x"))
	})

	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/data/quote", nil)
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadGateway, resp.Code)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusBadGateway, rec.code())
	assert.Equal(t, 1, rec.bytes)
}

func TestStatusRecorder_DefaultsToOK(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	assert.Equal(t, http.StatusOK, rec.code())
	rec.Write([]byte("hi"))
	assert.Equal(t, http.StatusOK, rec.status)
}
