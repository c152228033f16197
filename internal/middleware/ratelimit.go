package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/deskpool/orchestrator/internal/portalauth"
)

// RateLimiter implements per-IP rate limiting using a token bucket, applied
// ahead of authentication so an unauthenticated flood can't reach the
// handler chain at all.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a per-IP rate limiter.
// requestsPerSecond: number of requests allowed per second
// burst: maximum burst size
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}

	go rl.cleanupRoutine()

	return rl
}

// getLimiter returns the rate limiter for the given key (usually IP address)
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
		rl.mu.Unlock()
	}

	return limiter
}

// cleanupRoutine periodically wipes the limiter map once it grows past
// MaxTrackedLimiters, so a flood of distinct IPs can't hold it open forever.
func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(LimiterCleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > MaxTrackedLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware that rate limits requests by IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "too many requests, try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// StrictMiddleware returns a stricter per-IP rate limiter for sensitive
// operations (e.g. session termination), independent of the general IP
// limiter that already ran earlier in the chain.
func (rl *RateLimiter) StrictMiddleware(requestsPerMinute int) gin.HandlerFunc {
	strict := NewRateLimiter(float64(requestsPerMinute)/60.0, requestsPerMinute)

	return func(c *gin.Context) {
		limiter := strict.getLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "too many requests to this endpoint, try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// OwnerRateLimiter implements per-owner rate limiting, in addition to the
// IP-based limiter. This must run after auth middleware, since it keys off
// the verified portal owner id rather than anything client-supplied.
type OwnerRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewOwnerRateLimiter creates a per-owner rate limiter.
// requestsPerHour: number of requests allowed per hour per owner
// burst: maximum burst size
func NewOwnerRateLimiter(requestsPerHour float64, burst int) *OwnerRateLimiter {
	orl := &OwnerRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerHour / 3600.0),
		burst:    burst,
	}

	go orl.cleanupRoutine()

	return orl
}

func (orl *OwnerRateLimiter) getLimiter(ownerID string) *rate.Limiter {
	orl.mu.RLock()
	limiter, exists := orl.limiters[ownerID]
	orl.mu.RUnlock()

	if !exists {
		orl.mu.Lock()
		limiter = rate.NewLimiter(orl.rate, orl.burst)
		orl.limiters[ownerID] = limiter
		orl.mu.Unlock()
	}

	return limiter
}

func (orl *OwnerRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(LimiterCleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		orl.mu.Lock()
		if len(orl.limiters) > MaxTrackedLimiters {
			orl.limiters = make(map[string]*rate.Limiter)
		}
		orl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware that rate limits requests by verified
// portal owner. Must be placed AFTER the portal auth middleware; requests
// with no verified claims skip owner-based limiting (IP-based still
// applies).
func (orl *OwnerRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, found := portalauth.ClaimsFromContext(c)
		if !found || claims.UserID == "" {
			c.Next()
			return
		}

		limiter := orl.getLimiter(claims.UserID)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "owner_rate_limit_exceeded",
				"message": "you have exceeded your hourly request quota, try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// EndpointRateLimiter implements per-owner, per-endpoint rate limiting, for
// endpoints whose cost goes beyond a single request (e.g. session
// creation, which claims or provisions cloud capacity).
type EndpointRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewEndpointRateLimiter creates a rate limiter for a specific endpoint.
func NewEndpointRateLimiter(requestsPerHour int, burst int) *EndpointRateLimiter {
	return &EndpointRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

// Middleware returns middleware for owner+endpoint-specific rate limiting.
// Must be placed AFTER the portal auth middleware.
func (erl *EndpointRateLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, found := portalauth.ClaimsFromContext(c)
		if !found || claims.UserID == "" {
			c.Next()
			return
		}

		key := claims.UserID + ":" + endpoint

		erl.mu.RLock()
		limiter, exists := erl.limiters[key]
		erl.mu.RUnlock()

		if !exists {
			erl.mu.Lock()
			limiter = rate.NewLimiter(erl.rate, erl.burst)
			erl.limiters[key] = limiter
			erl.mu.Unlock()
		}

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":    "endpoint_rate_limit_exceeded",
				"message":  "you have exceeded the rate limit for this operation",
				"endpoint": endpoint,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
