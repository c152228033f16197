package middleware

import "time"

// Rate limiting tunables for the orchestrator's HTTP surface.
const (
	// IPRateLimitPerSecond and IPRateLimitBurst bound the general, per-IP
	// limiter applied ahead of authentication to every route.
	IPRateLimitPerSecond = 10
	IPRateLimitBurst     = 20

	// SessionCreateLimitPerHour and SessionCreateLimitBurst cap how often a
	// single authenticated owner can request a new session: each one
	// provisions (or claims) real cloud capacity, so this is tighter than
	// the general IP limit.
	SessionCreateLimitPerHour = 10
	SessionCreateLimitBurst   = 3

	// SessionTerminateLimitPerMinute caps how often a single client IP can
	// hit the termination endpoint, which tears down gateway and cloud state.
	SessionTerminateLimitPerMinute = 20

	// MaxTrackedLimiters bounds the per-key limiter maps before they're
	// wiped, so a flood of distinct IPs or owners can't grow them
	// unbounded between cleanup sweeps.
	MaxTrackedLimiters = 10000

	// LimiterCleanupInterval is how often the rate limiter maps are swept
	// for the MaxTrackedLimiters check.
	LimiterCleanupInterval = 5 * time.Minute
)
