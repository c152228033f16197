// Package httpapi wires the pool Controller onto gin routes: session
// creation, status polling, teardown, and activity heartbeats, guarded by
// the portal's bearer-token middleware.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/deskpool/orchestrator/internal/errors"
	"github.com/deskpool/orchestrator/internal/logger"
	"github.com/deskpool/orchestrator/internal/pool"
	"github.com/deskpool/orchestrator/internal/portalauth"
)

// SessionHandler exposes the session lifecycle endpoints.
type SessionHandler struct {
	controller  *pool.Controller
	requireAuth bool
}

// NewSessionHandler creates a SessionHandler bound to the given controller.
func NewSessionHandler(controller *pool.Controller, requireAuth bool) *SessionHandler {
	return &SessionHandler{controller: controller, requireAuth: requireAuth}
}

// createSessionBody carries the fallback fields accepted only when
// REQUIRE_AUTH is disabled; a verified token always takes precedence.
type createSessionBody struct {
	OwnerID          string  `json:"owner_id"`
	OwnerDisplayName string  `json:"owner_display_name"`
	Plan             string  `json:"plan"`
	QuotaMinutes     float64 `json:"quota_minutes"`
}

// Create handles POST /sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	req, ok := h.resolveRequest(c)
	if !ok {
		return
	}

	resp, err := h.controller.CreateSession(c.Request.Context(), req)
	if err != nil {
		h.handleAllocationError(c, err)
		return
	}

	status := http.StatusOK
	if resp.Data.Status == "pending" || resp.Data.Status == "provisioning" {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

// resolveRequest builds a CreateSessionRequest from verified claims, or
// from the request body when auth is not required.
func (h *SessionHandler) resolveRequest(c *gin.Context) (pool.CreateSessionRequest, bool) {
	if claims, found := portalauth.ClaimsFromContext(c); found {
		return pool.CreateSessionRequest{
			OwnerID:          claims.UserID,
			OwnerDisplayName: claims.Username,
			Plan:             claims.Plan,
			QuotaMinutes:     claims.QuotaMinutes,
		}, true
	}

	if h.requireAuth {
		apperrors.AbortWithError(c, apperrors.Unauthorized("authorization required"))
		return pool.CreateSessionRequest{}, false
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperrors.AbortWithError(c, apperrors.BadRequest("invalid request body"))
		return pool.CreateSessionRequest{}, false
	}
	if body.OwnerID == "" {
		apperrors.AbortWithError(c, apperrors.BadRequest("owner_id is required"))
		return pool.CreateSessionRequest{}, false
	}

	return pool.CreateSessionRequest{
		OwnerID:          body.OwnerID,
		OwnerDisplayName: body.OwnerDisplayName,
		Plan:             body.Plan,
		QuotaMinutes:     body.QuotaMinutes,
	}, true
}

// handleAllocationError maps the error taxonomy CreateSession can return
// onto the wire's 403/503/500 responses.
func (h *SessionHandler) handleAllocationError(c *gin.Context, err error) {
	var quotaErr *pool.QuotaExceededError
	if errors.As(err, &quotaErr) {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "quota_exceeded",
			"message": "monthly quota exceeded",
			"data": gin.H{
				"remaining_minutes": quotaErr.Result.RemainingMinutes,
				"resets_at":         quotaErr.Result.ResetsAt,
				"consumed_minutes":  quotaErr.Result.ConsumedMinutes,
				"quota_minutes":     quotaErr.Result.QuotaMinutes,
			},
		})
		return
	}

	var capacityErr *pool.CapacityExhaustedError
	if errors.As(err, &capacityErr) {
		apperrors.AbortWithError(c, apperrors.CapacityExhausted())
		return
	}

	logger.HTTP().Error().Err(err).Msg("session creation failed")
	apperrors.AbortWithError(c, apperrors.InternalServer("failed to create session"))
}

// Get handles GET /sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	resp, err := h.controller.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		apperrors.AbortWithError(c, apperrors.SessionNotFound(sessionID))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// deleteSessionBody carries the optional fields accepted on a termination
// request; stop_instance defaults to true when the body is absent or
// omits it.
type deleteSessionBody struct {
	StopInstance *bool `json:"stop_instance"`
}

// Delete handles DELETE /sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	reason := c.DefaultQuery("reason", "user_requested")

	stopInstance := true
	var body deleteSessionBody
	if err := c.ShouldBindJSON(&body); err == nil && body.StopInstance != nil {
		stopInstance = *body.StopInstance
	}

	if err := h.controller.DeleteSession(c.Request.Context(), sessionID, reason, stopInstance); err != nil {
		logger.HTTP().Error().Err(err).Str("session_id", sessionID).Msg("session termination failed")
		apperrors.AbortWithError(c, apperrors.InternalServer("failed to terminate session"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session terminated"})
}

// Heartbeat handles POST /sessions/:id/heartbeat, keeping a ready/active
// session from being swept as idle.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.controller.RecordActivity(c.Request.Context(), sessionID, true); err != nil {
		apperrors.AbortWithError(c, apperrors.SessionNotFound(sessionID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Subscribe handles POST /sessions/:id/subscribe, registering a
// push-notification subscriber for the out-of-scope notification edge
// service to fan out to.
func (h *SessionHandler) Subscribe(c *gin.Context) {
	sessionID := c.Param("id")

	ownerID := ""
	if claims, found := portalauth.ClaimsFromContext(c); found {
		ownerID = claims.UserID
	}

	connectionID, err := h.controller.Subscribe(c.Request.Context(), sessionID, ownerID)
	if err != nil {
		logger.HTTP().Error().Err(err).Str("session_id", sessionID).Msg("subscribe failed")
		apperrors.AbortWithError(c, apperrors.InternalServer("failed to subscribe"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"connection_id": connectionID,
	})
}
