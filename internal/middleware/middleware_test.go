package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.1.1.1:80", "10.0.0.1"},
		{"forwarded single", map[string]string{"X-Forwarded-For": " 10.0.0.9 "}, "1.1.1.1:80", "10.0.0.9"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.3"}, "1.1.1.1:80", "10.0.0.3"},
		{"remote addr", nil, "192.168.1.5:5555", "192.168.1.5"},
		{"remote without port", nil, "192.168.1.5", "192.168.1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "buckets are per IP")

	now = now.Add(30 * time.Second)
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))

	now = now.Add(visitorTTL + time.Minute)
	assert.True(t, rl.allow("b"))
	assert.NotContains(t, rl.visitors, "a")
	assert.True(t, rl.allow("a"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	e := echo.New()
	e.GET("/ws", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewRateLimiter(1, time.Minute).Middleware())

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = "10.1.1.1:1000"
		e.ServeHTTP(rec, r)
		return rec
	}
	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRequestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := echo.New()
	e.Use(RequestLogger(zap.New(core)))
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/missing", func(c echo.Context) error { return c.NoContent(http.StatusNotFound) })
	e.GET("/boom", func(c echo.Context) error { return errors.New("boom") })

	for _, path := range []string{"/ok", "/missing", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, zap.DebugLevel, entries[0].Level)
		assert.Equal(t, zap.WarnLevel, entries[1].Level)
		assert.Equal(t, zap.ErrorLevel, entries[2].Level)
		assert.Equal(t, int64(http.StatusInternalServerError), entries[2].ContextMap()["status"])
	}
}
