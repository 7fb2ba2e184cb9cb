// Package middleware holds echo middleware shared by the HTTP facade and
// the agent WebSocket endpoint.
package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestLogger logs one line per request. The WebSocket endpoint logs
// when the connection ends, so its line carries the session lifetime.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	logger = logger.Named("http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start).Round(time.Millisecond)),
				zap.String("client_ip", ClientIP(req)),
			}
			switch {
			case c.Response().Status >= http.StatusInternalServerError:
				logger.Error("request", append(fields, zap.Error(err))...)
			case c.Response().Status >= http.StatusBadRequest:
				logger.Warn("request", fields...)
			default:
				logger.Debug("request", fields...)
			}
			return nil
		}
	}
}

// ─── Rate Limiter ────────────────────────────────────────────────────────────

// visitorTTL is how long an idle IP keeps its limiter.
const visitorTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per IP. It guards the agent handshake
// against reconnect storms.
type RateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
	now         func() time.Time
}

// NewRateLimiter allows limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors:    make(map[string]*visitor),
		limit:       rate.Every(window / time.Duration(limit)),
		burst:       limit,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > 5*time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastCleanup = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.allow(ClientIP(c.Request())) {
				c.Response().Header().Set("Retry-After", "60")
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "Too many requests. Please try again later.",
				})
			}
			return next(c)
		}
	}
}

// ClientIP returns the caller's address, honouring X-Forwarded-For and
// X-Real-IP set by a reverse proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the client
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
