package httpapi

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/deskpool/orchestrator/internal/errors"
	"github.com/deskpool/orchestrator/internal/middleware"
	"github.com/deskpool/orchestrator/internal/pool"
	"github.com/deskpool/orchestrator/internal/portalauth"
)

// RouterConfig bundles the pieces needed to assemble the HTTP surface.
type RouterConfig struct {
	Controller  *pool.Controller
	Verifier    *portalauth.Verifier
	RequireAuth bool
}

// NewRouter builds the gin engine: the ambient middleware chain followed
// by the session lifecycle routes, auth-gated per RequireAuth.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()

	router.Use(
		middleware.RequestID(),
		apperrors.Recovery(),
		middleware.StructuredLogger(),
		middleware.Timeout(middleware.DefaultTimeoutConfig()),
		middleware.DefaultSizeLimiter(),
		apperrors.ErrorHandler(),
	)

	ipLimiter := middleware.NewRateLimiter(middleware.IPRateLimitPerSecond, middleware.IPRateLimitBurst)
	router.Use(ipLimiter.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	sessions := NewSessionHandler(cfg.Controller, cfg.RequireAuth)

	authMiddleware := portalauth.OptionalAuth(cfg.Verifier)
	if cfg.RequireAuth {
		authMiddleware = portalauth.Middleware(cfg.Verifier)
	}

	ownerLimiter := middleware.NewOwnerRateLimiter(300, 30)
	createLimiter := middleware.NewEndpointRateLimiter(middleware.SessionCreateLimitPerHour, middleware.SessionCreateLimitBurst)

	api := router.Group("/api/v1")
	api.Use(authMiddleware, ownerLimiter.Middleware())
	{
		api.POST("/sessions", createLimiter.Middleware("create_session"), sessions.Create)
		api.GET("/sessions/:id", sessions.Get)
		api.DELETE("/sessions/:id", ipLimiter.StrictMiddleware(middleware.SessionTerminateLimitPerMinute), sessions.Delete)
		api.POST("/sessions/:id/heartbeat", sessions.Heartbeat)
		api.POST("/sessions/:id/subscribe", sessions.Subscribe)
	}

	return router
}
