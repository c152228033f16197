package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/gateway"
	"github.com/deskpool/orchestrator/internal/logger"
	"github.com/deskpool/orchestrator/internal/quota"
)

// QuotaExceededError is returned when a session request is rejected for
// quota, carrying the fields the 403 response body must include:
// remaining_minutes and resets_at.
type QuotaExceededError struct {
	Result *quota.Result
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %.1f/%.1f minutes consumed", e.Result.ConsumedMinutes, e.Result.QuotaMinutes)
}

// CapacityExhaustedError is returned when the pool allocator has nothing
// to claim, nothing to cold-start, and the autoscaling group is already
// at max desired capacity.
type CapacityExhaustedError struct {
	Plan string
}

func (e *CapacityExhaustedError) Error() string {
	return fmt.Sprintf("no capacity available for plan %s", e.Plan)
}

// CreateSession allocates a session for an already-authenticated owner:
// it checks quota, reaps or reuses an existing session, claims an
// instance from the pool (cold-starting or scaling up if needed), and
// programs the gateway connection. Authentication is the caller's
// responsibility — req carries already-trusted fields.
func (c *Controller) CreateSession(ctx context.Context, req CreateSessionRequest) (*Response, error) {
	log := logger.Pool()
	plan := normalizePlan(req.Plan)
	now := time.Now().UTC()

	// Step 2: quota check.
	result, err := c.deps.Quota.Check(ctx, req.OwnerID, plan, req.QuotaMinutes, now)
	if err != nil {
		return nil, fmt.Errorf("quota check for %s: %w", req.OwnerID, err)
	}
	if !result.Allowed {
		return nil, &QuotaExceededError{Result: result}
	}

	// Step 3: duplicate-session detection / stale-session reaping.
	if resp, reused, err := c.reapOrReuseExisting(ctx, req.OwnerID); err != nil {
		return nil, err
	} else if reused {
		return resp, nil
	}

	// Step 4: allocate session id and write the pending record.
	sessionID := uuid.New().String()
	expiresAt := now.Add(c.cfg.SessionTTL)

	sess := &db.Session{
		ID:               sessionID,
		OwnerID:          req.OwnerID,
		OwnerDisplayName: req.OwnerDisplayName,
		Plan:             plan,
		Status:           "pending",
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}
	if err := c.deps.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	log.Info().Str("session_id", sessionID).Str("owner_id", req.OwnerID).Str("plan", plan).Msg("allocating session")

	return c.allocate(ctx, sess)
}

// reapOrReuseExisting checks for a pre-existing non-terminal session for
// this owner, reaping it if stale or returning it if still live. It
// returns (response, true, nil) when an existing session should be
// returned to the caller instead of allocating a new one.
func (c *Controller) reapOrReuseExisting(ctx context.Context, ownerID string) (*Response, bool, error) {
	existing, err := c.deps.Sessions.ListSessionsByOwnerStatus(ctx, ownerID, []string{"pending", "provisioning", "ready", "active"})
	if err != nil {
		return nil, false, fmt.Errorf("list existing sessions for %s: %w", ownerID, err)
	}
	if len(existing) < c.cfg.MaxSessionsPerOwner {
		return nil, false, nil
	}

	candidate := existing[0] // newest first

	if candidate.Status == "pending" || candidate.Status == "provisioning" {
		return c.sessionToResponse(candidate, true), true, nil
	}

	connID := connectionIDFromInfo(candidate.ConnectionInfo)
	if connID != "" {
		active, err := c.deps.Gateway.ActiveConnections(ctx)
		if err == nil {
			if sessions, ok := active[connID]; ok && len(sessions) > 0 {
				return c.sessionToResponse(candidate, true), true, nil
			}
		}
	}

	lastActive := candidate.CreatedAt
	if candidate.LastActiveAt.Valid {
		lastActive = candidate.LastActiveAt.Time
	}
	if time.Since(lastActive) < c.cfg.StaleGrace {
		// Not connected, but still within the grace window — give the
		// benefit of the doubt rather than reaping prematurely.
		return c.sessionToResponse(candidate, true), true, nil
	}

	c.reapStaleSession(ctx, candidate, connID)
	return nil, false, nil
}

// reapStaleSession marks a disconnected, grace-expired session terminated
// and returns its instance to the pool, best-effort.
func (c *Controller) reapStaleSession(ctx context.Context, sess *db.Session, connID string) {
	log := logger.Pool()

	if err := c.deps.Sessions.TerminateSession(ctx, sess.ID, "stale_gateway_logout"); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark stale session terminated")
	}

	if sess.InstanceID.Valid {
		if err := c.deps.Pool.Release(ctx, sess.InstanceID.String, "available"); err != nil {
			log.Warn().Err(err).Str("instance_id", sess.InstanceID.String).Msg("failed to release instance from stale session")
		}
	}

	if connID != "" {
		if _, err := c.deps.Gateway.KillSessions(ctx, connID); err != nil {
			log.Warn().Err(err).Str("connection_id", connID).Msg("failed to kill gateway sessions for stale session")
		}
		if err := c.deps.Gateway.DeleteConnection(ctx, connID); err != nil {
			log.Warn().Err(err).Str("connection_id", connID).Msg("failed to delete gateway connection for stale session")
		}
	}
	username := gateway.EphemeralUsername(sess.ID)
	if err := c.deps.Gateway.DeleteUser(ctx, username); err != nil {
		log.Debug().Err(err).Str("username", username).Msg("failed to delete ephemeral user for stale session")
	}

	log.Info().Str("session_id", sess.ID).Str("owner_id", sess.OwnerID).Msg("reaped stale session")
}

func connectionIDFromInfo(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var info struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return ""
	}
	return info.ConnectionID
}
