package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, limit int) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisRateLimiter(rdb, limit, time.Minute, "test"), mr
}

func TestRedisRateLimiter_EnforcesWindow(t *testing.T) {
	rl, mr := newRedisLimiter(t, 2)
	e := echo.New()
	handler := rl.Middleware(zerolog.Nop(), false)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	call := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/api/public/providers", nil)
		rec := httptest.NewRecorder()
		return rec, handler(e.NewContext(req, rec))
	}

	rec, err := call()
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	_, err = call()
	require.NoError(t, err)

	rec, err = call()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusTooManyRequests, he.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	mr.FastForward(time.Minute + time.Second)
	_, err = call()
	assert.NoError(t, err, "window should reset after expiry")
}

func TestRedisRateLimiter_FailOpenAndClosed(t *testing.T) {
	rl, mr := newRedisLimiter(t, 1)
	mr.Close()
	e := echo.New()
	next := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := rl.Middleware(zerolog.Nop(), true)(next)(e.NewContext(req, httptest.NewRecorder()))
	assert.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	err = rl.Middleware(zerolog.Nop(), false)(next)(e.NewContext(req, httptest.NewRecorder()))
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.Code)
}
